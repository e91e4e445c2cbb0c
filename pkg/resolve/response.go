package resolve

import (
	"bytes"

	"github.com/goccy/go-json"
	"github.com/vektah/gqlparser/v2/gqlerror"
)

const (
	CodeSubgraphUnreachable     = "SUBGRAPH_UNREACHABLE"
	CodeSubgraphTimeout         = "SUBGRAPH_TIMEOUT"
	CodeSubgraphBadStatus       = "SUBGRAPH_BAD_STATUS"
	CodeSubgraphInvalidResponse = "SUBGRAPH_INVALID_RESPONSE"
	CodeDownstreamServiceError  = "DOWNSTREAM_SERVICE_ERROR"
	extensionCode               = "code"
	extensionServiceName        = "serviceName"
	typenameField               = "__typename"
)

// Object is a JSON object that keeps the order its keys were added in.
type Object struct {
	keys   []string
	values map[string]any
}

func NewObject() *Object {
	return &Object{values: map[string]any{}}
}

func (o *Object) Set(key string, value any) {
	if _, ok := o.values[key]; !ok {
		o.keys = append(o.keys, key)
	}
	o.values[key] = value
}

func (o *Object) Get(key string) (any, bool) {
	v, ok := o.values[key]
	return v, ok
}

func (o *Object) Keys() []string {
	return o.keys
}

func (o *Object) Len() int {
	return len(o.keys)
}

func (o *Object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range o.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		v, err := json.Marshal(o.values[key])
		if err != nil {
			return nil, err
		}
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Response is the result of executing a plan. Data is nil when a non-null
// violation reached the root.
type Response struct {
	Data   *Object
	Errors gqlerror.List
}

// HasErrors reports whether the response carries at least one error.
func (r *Response) HasErrors() bool {
	return len(r.Errors) > 0
}

func (r *Response) MarshalJSON() ([]byte, error) {
	out := NewObject()
	if r.Data != nil {
		out.Set("data", r.Data)
	} else {
		out.Set("data", nil)
	}
	if len(r.Errors) > 0 {
		out.Set("errors", r.Errors)
	}
	return out.MarshalJSON()
}
