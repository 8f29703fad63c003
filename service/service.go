// Package service is the method dispatch surface behind the streamable HTTP
// transport. A Registry owns a mutable set of named methods; the transport
// routes every non-handshake request through Registry.Dispatch and maps the
// sentinel errors onto JSON-RPC error codes.
//
// Two methods are built in: "ping" answers with an empty object, and
// "methods/list" returns the descriptors of every registered method.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"encoding/json"

	"github.com/modelstream/mcp-resume-go/mcp"
	"github.com/modelstream/mcp-resume-go/sessions"
)

// ErrMethodNotFound indicates the requested method is neither built in nor
// registered.
var ErrMethodNotFound = errors.New("method not found")

// ErrInvalidParams indicates the request parameters failed schema-shaped
// decoding for the target method.
var ErrInvalidParams = errors.New("invalid params")

// Handler is the low-level method invocation signature. Most callers build
// handlers with NewMethod rather than implementing this directly.
type Handler func(ctx context.Context, session *sessions.Handle, params json.RawMessage) (any, error)

// Method pairs a descriptor with its handler.
type Method struct {
	Descriptor mcp.MethodDescriptor
	Handler    Handler
}

// Registry owns a mutable, threadsafe set of method descriptors and handlers.
type Registry struct {
	mu       sync.RWMutex
	methods  map[string]Method
	ordering []string
}

// NewRegistry constructs a Registry with the given method definitions.
func NewRegistry(defs ...Method) *Registry {
	r := &Registry{methods: make(map[string]Method, len(defs))}
	for _, def := range defs {
		r.Register(def)
	}
	return r
}

// Register adds or replaces a method by name.
func (r *Registry) Register(def Method) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.methods[def.Descriptor.Name]; !exists {
		r.ordering = append(r.ordering, def.Descriptor.Name)
	}
	r.methods[def.Descriptor.Name] = def
}

// Deregister removes a method by name. Removing an unknown method is a no-op.
func (r *Registry) Deregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.methods[name]; !exists {
		return
	}
	delete(r.methods, name)
	for i, n := range r.ordering {
		if n == name {
			r.ordering = append(r.ordering[:i], r.ordering[i+1:]...)
			break
		}
	}
}

// Descriptors returns the registered method descriptors in registration order.
func (r *Registry) Descriptors() []mcp.MethodDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]mcp.MethodDescriptor, 0, len(r.ordering))
	for _, name := range r.ordering {
		out = append(out, r.methods[name].Descriptor)
	}
	return out
}

// Dispatch invokes the named method. Built-in methods are answered directly;
// everything else is looked up in the registry. Unknown methods return
// ErrMethodNotFound.
func (r *Registry) Dispatch(ctx context.Context, session *sessions.Handle, method string, params json.RawMessage) (any, error) {
	switch method {
	case mcp.PingMethod:
		return struct{}{}, nil
	case mcp.MethodsListMethod:
		return &mcp.MethodsListResult{Methods: r.Descriptors()}, nil
	}

	r.mu.RLock()
	def, ok := r.methods[method]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMethodNotFound, method)
	}
	return def.Handler(ctx, session, params)
}

// Names returns the registered method names sorted lexically. Intended for
// logging and diagnostics.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.methods))
	for name := range r.methods {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
