// Package toolrt is the concrete tool runtime: a registry of named handlers plus the
// filesystem and card tools cardline ships with.
package toolrt

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"cardline/internal/domain"
)

// Handler runs one tool call. A returned error marks the result as failed.
type Handler func(ctx context.Context, args map[string]any, tc domain.TurnContext) (map[string]any, error)

// Registry maps tool names to handlers. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}, now: time.Now}
}

// Register adds or replaces a handler.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names lists registered tools sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Execute runs a tool and reports the outcome as a ToolResult. Unknown tools, handler
// errors, and panics all produce OK=false.
func (r *Registry) Execute(ctx context.Context, tool string, args map[string]any, tc domain.TurnContext) (res domain.ToolResult) {
	h, ok := r.Lookup(tool)
	if !ok {
		return domain.ToolResult{OK: false, Error: fmt.Sprintf("unknown tool %s", tool)}
	}
	start := r.now()
	defer func() {
		if p := recover(); p != nil {
			res = domain.ToolResult{OK: false, Error: fmt.Sprintf("%s panicked: %v", tool, p)}
		}
		res.DurationMs = r.now().Sub(start).Milliseconds()
	}()
	if args == nil {
		args = map[string]any{}
	}
	out, err := h(ctx, args, tc)
	if err != nil {
		return domain.ToolResult{OK: false, Error: err.Error(), Output: out}
	}
	return domain.ToolResult{OK: true, Output: out}
}
