package ledger

import (
	"context"
	"encoding/json"
	"sync"
)

type (
	// Handler processes one committed message. A returned error leaves the
	// message to be retried
	Handler func(context.Context, *Message) error

	// Dispatcher maps message types to the handlers interested in them.
	// Wildcard handlers see every message
	Dispatcher struct {
		registry *Registry
		handlers map[TypeTag][]Handler
		wildcard []Handler
		mu       sync.RWMutex
	}
)

// MakeHandler adapts a function taking a decoded payload
func MakeHandler[T any](
	fn func(context.Context, *Message, T) error,
) Handler {
	return func(ctx context.Context, msg *Message) error {
		var data T
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return err
		}
		return fn(ctx, msg, data)
	}
}

// NewDispatcher returns a Dispatcher whose typed registrations are checked
// against reg
func NewDispatcher(reg *Registry) *Dispatcher {
	return &Dispatcher{
		registry: reg,
		handlers: map[TypeTag][]Handler{},
	}
}

// MakeDispatcher builds a Dispatcher from a static table of handlers
func MakeDispatcher(
	reg *Registry, handlers map[TypeTag]Handler,
) (*Dispatcher, error) {
	d := NewDispatcher(reg)
	for tag, h := range handlers {
		if err := d.Register(tag, h); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Register adds a handler for one message type. The type must be known to
// the Dispatcher's Registry
func (d *Dispatcher) Register(tag TypeTag, h Handler) error {
	if d.registry != nil && !d.registry.Known(tag) {
		return configErrorf("handler registered for unknown message %q", tag)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[tag] = append(d.handlers[tag], h)
	return nil
}

// RegisterAll adds a handler that receives every message
func (d *Dispatcher) RegisterAll(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.wildcard = append(d.wildcard, h)
}

// Interested reports whether any handler would receive a message of tag
func (d *Dispatcher) Interested(tag TypeTag) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.wildcard) > 0 || len(d.handlers[tag]) > 0
}

// Types returns the message types with typed handlers
func (d *Dispatcher) Types() []TypeTag {
	d.mu.RLock()
	defer d.mu.RUnlock()
	res := make([]TypeTag, 0, len(d.handlers))
	for tag := range d.handlers {
		res = append(res, tag)
	}
	return res
}

// Dispatch invokes the typed handlers for msg, then the wildcard handlers,
// stopping at the first error
func (d *Dispatcher) Dispatch(ctx context.Context, msg *Message) error {
	d.mu.RLock()
	hs := make([]Handler, 0, len(d.handlers[msg.Type])+len(d.wildcard))
	hs = append(hs, d.handlers[msg.Type]...)
	hs = append(hs, d.wildcard...)
	d.mu.RUnlock()

	for _, h := range hs {
		if err := h(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}
