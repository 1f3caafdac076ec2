// Package executors provides the side-effect implementations the guard runs
// once an intent is confirmed.
package executors

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/haasonsaas/intentgate/internal/guard"
)

// ErrUnknownTool indicates no executor is registered for a tool name.
var ErrUnknownTool = errors.New("unknown tool")

// Registry routes executions by tool name. It is itself a guard.Executor.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]guard.Executor
	fallback  guard.Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]guard.Executor)}
}

// Register binds toolName to e, replacing any previous binding.
func (r *Registry) Register(toolName string, e guard.Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[toolName] = e
}

// SetFallback sets the executor used for tools without a binding.
func (r *Registry) SetFallback(e guard.Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = e
}

// Tools returns the bound tool names, sorted.
func (r *Registry) Tools() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute runs the executor bound to toolName.
func (r *Registry) Execute(ctx context.Context, toolName string, args map[string]any) (any, error) {
	r.mu.RLock()
	e, ok := r.executors[toolName]
	if !ok {
		e = r.fallback
	}
	r.mu.RUnlock()

	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, toolName)
	}
	return e.Execute(ctx, toolName, args)
}
