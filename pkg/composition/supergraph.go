package composition

import (
	"time"

	"github.com/vektah/gqlparser/v2/ast"
)

type SubgraphInfo struct {
	Name       string
	RoutingURL string
}

// SuperField records which subgraphs resolve a field of a composed type.
type SuperField struct {
	Name string
	Type *ast.Type
	// Owners are the subgraphs able to resolve the field, sorted by name.
	Owners   []string
	Requires map[string]FieldSet
	Provides map[string]FieldSet
}

type SuperType struct {
	Name string
	Kind TypeKind
	// Owner is the subgraph holding the canonical definition. Root types have no owner.
	Owner     string
	Subgraphs []string
	Keys      map[string][]KeySet
	Fields    map[string]*SuperField
}

func (t *SuperType) IsEntity() bool {
	return len(t.Keys) > 0
}

// Supergraph is the composed, client facing schema together with the
// ownership tables the planner needs. It is immutable once built.
type Supergraph struct {
	Schema         *ast.Schema
	SDL            string
	SourceVersions map[string]string
	ComposedAt     time.Time
	Types          map[string]*SuperType
	Subgraphs      map[string]SubgraphInfo
}

func (s *Supergraph) Type(name string) *SuperType {
	return s.Types[name]
}

func (s *Supergraph) Field(typeName, fieldName string) *SuperField {
	t := s.Types[typeName]
	if t == nil {
		return nil
	}
	return t.Fields[fieldName]
}

func (s *Supergraph) IsEntity(typeName string) bool {
	t := s.Types[typeName]
	return t != nil && t.IsEntity()
}

// CanResolve reports whether the subgraph can return the field. Besides the
// declared owners, every subgraph declaring a key of an entity can return the
// key fields, which is how references to entities are produced.
func (s *Supergraph) CanResolve(subgraph, typeName, fieldName string) bool {
	if fieldName == "__typename" {
		return true
	}
	t := s.Types[typeName]
	if t == nil {
		return false
	}
	if f := t.Fields[fieldName]; f != nil && containsString(f.Owners, subgraph) {
		return true
	}
	for _, key := range t.Keys[subgraph] {
		if key.Contains(fieldName) {
			return true
		}
	}
	return false
}

// Owner picks the subgraph that resolves the field, preferring the given one.
func (s *Supergraph) Owner(typeName, fieldName, preferred string) string {
	f := s.Field(typeName, fieldName)
	if f == nil || len(f.Owners) == 0 {
		return ""
	}
	if preferred != "" && containsString(f.Owners, preferred) {
		return preferred
	}
	if t := s.Types[typeName]; t != nil && t.Owner != "" && containsString(f.Owners, t.Owner) {
		return t.Owner
	}
	return f.Owners[0]
}

// ResolvableKey returns the first key through which the subgraph can be asked
// for the entity.
func (s *Supergraph) ResolvableKey(typeName, subgraph string) (KeySet, bool) {
	t := s.Types[typeName]
	if t == nil {
		return KeySet{}, false
	}
	for _, key := range t.Keys[subgraph] {
		if key.Resolvable {
			return key, true
		}
	}
	return KeySet{}, false
}

// Requires returns the @requires field set of the field in the subgraph, if any.
func (s *Supergraph) Requires(typeName, fieldName, subgraph string) (FieldSet, bool) {
	f := s.Field(typeName, fieldName)
	if f == nil {
		return FieldSet{}, false
	}
	fs, ok := f.Requires[subgraph]
	return fs, ok
}

// Provides returns the @provides field set of the field in the subgraph, if any.
func (s *Supergraph) Provides(typeName, fieldName, subgraph string) (FieldSet, bool) {
	f := s.Field(typeName, fieldName)
	if f == nil {
		return FieldSet{}, false
	}
	fs, ok := f.Provides[subgraph]
	return fs, ok
}

func (s *Supergraph) RoutingURL(subgraph string) string {
	return s.Subgraphs[subgraph].RoutingURL
}

// Includes reports whether the subgraph contributed to the composition.
func (s *Supergraph) Includes(subgraph string) bool {
	_, ok := s.SourceVersions[subgraph]
	return ok
}

// SameSources reports whether both supergraphs were composed from the same
// subgraph schema versions.
func (s *Supergraph) SameSources(versions map[string]string) bool {
	if len(s.SourceVersions) != len(versions) {
		return false
	}
	for name, hash := range s.SourceVersions {
		if versions[name] != hash {
			return false
		}
	}
	return true
}
