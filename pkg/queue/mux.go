package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownOperation is returned when a delivery names an operation no
// handler is registered for.
var ErrUnknownOperation = errors.New("unknown operation")

// Mux routes deliveries to handlers by operation name. Registration
// happens at startup and panics on programmer errors; dispatch at runtime
// returns errors.
type Mux struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewMux creates an empty handler registry.
func NewMux() *Mux {
	return &Mux{handlers: make(map[string]Handler)}
}

// Handle registers a handler for an operation. It panics on a duplicate
// operation or a nil handler.
func (m *Mux) Handle(operation string, h Handler) {
	if operation == "" {
		panic("queue: handler has no operation name")
	}
	if h == nil {
		panic(fmt.Sprintf("queue: handler for %s is nil", operation))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.handlers[operation]; exists {
		panic(fmt.Sprintf("queue: handler already registered for operation: %s", operation))
	}
	m.handlers[operation] = h
}

// Dispatch routes a delivery to its handler.
func (m *Mux) Dispatch(ctx context.Context, d *Delivery) error {
	m.mu.RLock()
	h, ok := m.handlers[d.Operation]
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOperation, d.Operation)
	}
	return h(ctx, d)
}

// Operations returns the registered operation names, sorted.
func (m *Mux) Operations() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ops := make([]string, 0, len(m.handlers))
	for op := range m.handlers {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}
