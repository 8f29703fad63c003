package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"

	"github.com/modelstream/mcp-resume-go/mcp"
	"github.com/modelstream/mcp-resume-go/sessions"
)

// Request is the container for a typed method invocation. It is generic over
// the argument struct A.
type Request[A any] struct {
	method  string
	raw     json.RawMessage
	args    A
	session *sessions.Handle
}

func (r *Request[A]) Method() string            { return r.method }
func (r *Request[A]) RawParams() json.RawMessage { return r.raw }
func (r *Request[A]) Args() A                   { return r.args }

// Session returns the handle of the session the request arrived on.
func (r *Request[A]) Session() *sessions.Handle { return r.session }

// MethodOption configures NewMethod behavior.
type MethodOption func(*methodConfig)

type methodConfig struct {
	description               string
	allowAdditionalProperties bool // default false (strict)
}

// WithDescription sets the method description used in methods/list.
func WithDescription(desc string) MethodOption {
	return func(c *methodConfig) { c.description = desc }
}

// WithAllowAdditionalProperties controls whether unknown parameter fields are
// allowed. When false (default), the advertised schema sets
// additionalProperties=false and runtime decoding rejects unknown fields.
func WithAllowAdditionalProperties(allow bool) MethodOption {
	return func(c *methodConfig) { c.allowAdditionalProperties = allow }
}

// NewMethod constructs a Method from a typed params struct A. The params
// schema is reflected from A, and runtime decoding enforces it: malformed or
// (by default) unknown fields fail with ErrInvalidParams before fn runs.
func NewMethod[A any](name string, fn func(ctx context.Context, req *Request[A]) (any, error), opts ...MethodOption) Method {
	cfg := methodConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	desc := mcp.MethodDescriptor{
		Name:         name,
		Description:  cfg.description,
		ParamsSchema: reflectParamsSchema[A](cfg.allowAdditionalProperties),
	}

	handler := func(ctx context.Context, session *sessions.Handle, params json.RawMessage) (any, error) {
		var a A
		if len(params) > 0 {
			if cfg.allowAdditionalProperties {
				if err := json.Unmarshal(params, &a); err != nil {
					return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
				}
			} else {
				dec := json.NewDecoder(bytes.NewReader(params))
				dec.DisallowUnknownFields()
				if err := dec.Decode(&a); err != nil {
					return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
				}
			}
		}
		return fn(ctx, &Request[A]{method: name, raw: params, args: a, session: session})
	}

	return Method{Descriptor: desc, Handler: handler}
}

// reflectParamsSchema reflects a Go type A into the simplified ParamsSchema
// advertised by methods/list.
func reflectParamsSchema[A any](allowAdditional bool) mcp.ParamsSchema {
	r := &jsonschema.Reflector{
		DoNotReference:            true, // inline defs
		ExpandedStruct:            true, // put struct at root
		AllowAdditionalProperties: allowAdditional,
	}
	s := r.Reflect(new(A))

	// Only object schemas map cleanly onto a params object. Anything else is
	// advertised as an empty object with the configured policy.
	if s == nil || s.Type != "object" {
		return mcp.ParamsSchema{
			Type:                 "object",
			Properties:           map[string]mcp.SchemaProperty{},
			AdditionalProperties: allowAdditional,
		}
	}

	props := make(map[string]mcp.SchemaProperty)
	if s.Properties != nil {
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			props[el.Key] = toSchemaProperty(el.Value)
		}
	}
	var required []string
	if len(s.Required) > 0 {
		required = append(required, s.Required...)
	}

	return mcp.ParamsSchema{
		Type:                 "object",
		Properties:           props,
		Required:             required,
		AdditionalProperties: allowAdditional,
	}
}

// toSchemaProperty recursively maps a jsonschema.Schema onto the simplified
// SchemaProperty shape.
func toSchemaProperty(s *jsonschema.Schema) mcp.SchemaProperty {
	if s == nil {
		return mcp.SchemaProperty{}
	}
	p := mcp.SchemaProperty{
		Type:        s.Type,
		Description: s.Description,
	}
	if len(s.Enum) > 0 {
		p.Enum = s.Enum
	}
	if s.Type == "array" && s.Items != nil {
		item := toSchemaProperty(s.Items)
		p.Items = &item
	}
	if s.Type == "object" && s.Properties != nil {
		m := make(map[string]mcp.SchemaProperty, s.Properties.Len())
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			m[el.Key] = toSchemaProperty(el.Value)
		}
		p.Properties = m
	}
	return p
}
