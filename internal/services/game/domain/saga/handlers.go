package saga

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Invocation is what a handler receives for one step attempt or one
// compensation.
type Invocation struct {
	SagaID        string
	SagaType      string
	CorrelationID string
	StepNumber    int
	StepType      string
	Handler       string
	Attempt       int
	Context       map[string]any
	// Compensating is set when the handler is rolling back a completed step;
	// StepResult then holds what that step recorded.
	Compensating bool
	StepResult   any
}

// HandlerFunc executes a step or compensation.
type HandlerFunc func(ctx context.Context, inv Invocation) (map[string]any, error)

// HandlerRegistry resolves handler names used in templates.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]HandlerFunc)}
}

// Register binds a handler name.
func (r *HandlerRegistry) Register(name string, handler HandlerFunc) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("handler name is required")
	}
	if handler == nil {
		return fmt.Errorf("handler %q is nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("handler already registered: %s", name)
	}
	r.handlers[name] = handler
	return nil
}

// Lookup returns the handler bound to name.
func (r *HandlerRegistry) Lookup(name string) (HandlerFunc, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[name]
	return handler, ok
}

// Names lists registered handler names.
func (r *HandlerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Missing lists handler and compensation handler names a template uses that
// are not registered.
func (r *HandlerRegistry) Missing(tmpl Template) []string {
	var missing []string
	seen := make(map[string]bool)
	check := func(name string) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		if _, ok := r.Lookup(name); !ok {
			missing = append(missing, name)
		}
	}
	for _, step := range tmpl.Steps {
		check(step.Handler)
		check(step.CompensationHandler)
	}
	return missing
}
