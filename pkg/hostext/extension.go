// Package hostext is a demo implementation of the extension layer a real
// host process provides outside this module: named groups of methods a
// handler reaches through ext_suspend. None of it is part of the sandbox
// runtime itself — cmd/sandboxrt-host links it in only so the demo binary
// has something to suspend against.
package hostext

import (
	"context"
	"fmt"
	"sync"

	"github.com/nxml-run/sandboxrt/pkg/value"
)

// Extension is one named group of methods a host exposes to handlers. A
// real host's http/ai/persistence extensions would talk to the network or
// a database; the two implementations in this package read their answers
// from stdin instead, so the demo binary runs without any external
// dependency.
type Extension interface {
	Name() string
	Methods() []string
	Invoke(ctx context.Context, method string, args []value.Value) (value.Resolution, error)
}

// Registry is the host-side table of extensions available to a Runtime.
// Its shape (Register/Get/Execute/List behind a RWMutex) mirrors how a
// host indexes its tool/extension implementations by name.
type Registry struct {
	mu         sync.RWMutex
	extensions map[string]Extension
}

func NewRegistry() *Registry {
	return &Registry{extensions: make(map[string]Extension)}
}

func (r *Registry) Register(ext Extension) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extensions[ext.Name()] = ext
}

func (r *Registry) Get(name string) (Extension, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ext, ok := r.extensions[name]
	return ext, ok
}

// Execute dispatches a suspended ext_suspend call to the named extension's
// method. It does not itself check capabilities or the extension_registry
// — pkg/abi.Table already enforced those before the call ever reached the
// suspend path; Execute only needs to know the method exists.
func (r *Registry) Execute(ctx context.Context, extension, method string, args []value.Value) (value.Resolution, error) {
	ext, ok := r.Get(extension)
	if !ok {
		return value.Resolution{}, fmt.Errorf("hostext: unknown extension %q", extension)
	}
	if !hasMethod(ext.Methods(), method) {
		return value.Resolution{}, fmt.Errorf("hostext: extension %q has no method %q", extension, method)
	}
	return ext.Invoke(ctx, method, args)
}

// ExtensionRegistry returns the extension_registry mapping a Context needs to
// populate, derived from the currently registered extensions.
func (r *Registry) ExtensionRegistry() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg := make(map[string][]string, len(r.extensions))
	for name, ext := range r.extensions {
		reg[name] = ext.Methods()
	}
	return reg
}

// List returns all registered extension names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.extensions))
	for name := range r.extensions {
		names = append(names, name)
	}
	return names
}

func hasMethod(methods []string, method string) bool {
	for _, m := range methods {
		if m == method {
			return true
		}
	}
	return false
}
