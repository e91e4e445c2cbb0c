package composition

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseSchemaDocument(t *testing.T) {
	t.Parallel()

	t.Run("drops federation internals", func(t *testing.T) {
		doc, err := ParseSchemaDocument("users", `
scalar _Any
scalar _FieldSet
union _Entity = User
type _Service { sdl: String }

type Query {
  _entities(representations: [_Any!]!): [_Entity]!
  _service: _Service!
  me: User
}

type User @key(fields: "id") {
  id: ID!
}`)
		require.NoError(t, err)
		require.Equal(t, []string{"Query", "User"}, doc.TypeNames())
		require.Len(t, doc.Types["Query"].Fields, 1)
		require.Equal(t, "me", doc.Types["Query"].Fields[0].Name)
		require.Equal(t, Hash(doc.SDL), doc.Hash)
	})

	t.Run("extension flags", func(t *testing.T) {
		doc, err := ParseSchemaDocument("orders", `
extend type User @key(fields: "id") {
  id: ID! @external
  orderCount: Int
}
type Product @extends @key(fields: "upc") {
  upc: ID! @external
}
type Order @key(fields: "id") @key(fields: "number", resolvable: false) {
  id: ID!
  number: String!
}
extend type Order {
  note: String
}`)
		require.NoError(t, err)

		user := doc.Types["User"]
		require.True(t, user.Extension)
		require.True(t, user.IsEntity())
		require.True(t, user.Field("id").External)
		require.False(t, user.Field("orderCount").External)

		require.True(t, doc.Types["Product"].Extension)

		order := doc.Types["Order"]
		require.False(t, order.Extension)
		require.Len(t, order.Keys, 2)
		require.True(t, order.Keys[0].Resolvable)
		require.False(t, order.Keys[1].Resolvable)
		require.NotNil(t, order.Field("note"))
	})

	t.Run("renames root operation types", func(t *testing.T) {
		doc, err := ParseSchemaDocument("hello", `
schema { query: RootQuery }
type RootQuery { hello: String self: RootQuery }`)
		require.NoError(t, err)
		require.Contains(t, doc.Types, "Query")
		require.NotContains(t, doc.Types, "RootQuery")
		require.Equal(t, "Query", doc.Types["Query"].Field("self").Type.Name())
	})

	t.Run("namespaced federation directives", func(t *testing.T) {
		doc, err := ParseSchemaDocument("users", `
type Query { me: User }
type User @federation__key(fields: "id") { id: ID! name: String @federation__shareable }`)
		require.NoError(t, err)
		require.True(t, doc.Types["User"].IsEntity())
		require.True(t, doc.Types["User"].Field("name").Shareable)
	})

	t.Run("requires and provides", func(t *testing.T) {
		doc, err := ParseSchemaDocument("reviews", `
type Review { author: User @provides(fields: "username") }
extend type User @key(fields: "id") {
  id: ID! @external
  username: String @external
  karma: Int @requires(fields: "username")
}`)
		require.NoError(t, err)
		require.Equal(t, []string{"username"}, doc.Types["Review"].Field("author").Provides.Names())
		require.Equal(t, "username", doc.Types["User"].Field("karma").Requires.Raw)
	})

	t.Run("invalid input", func(t *testing.T) {
		_, err := ParseSchemaDocument("broken", "")
		require.Error(t, err)

		_, err = ParseSchemaDocument("broken", "type Query {")
		require.Error(t, err)

		_, err = ParseSchemaDocument("broken", `type User @key(fields: "") { id: ID }`)
		require.Error(t, err)
	})
}

func TestParseFieldSet(t *testing.T) {
	t.Parallel()

	fs, err := ParseFieldSet("id organization { id }")
	require.NoError(t, err)
	require.Equal(t, []string{"id", "organization"}, fs.Names())
	require.True(t, fs.Contains("organization"))
	require.False(t, fs.Contains("name"))

	_, err = ParseFieldSet("... on User { id }")
	require.Error(t, err)
}
