package ledger

import (
	"context"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

type (
	// Transport hands committed messages to an external broker. Publish
	// returns the broker's delivery id
	Transport interface {
		Publish(ctx context.Context, stream string, msg *Message) (string, error)
	}

	// Delivery records one message published through a MemoryTransport
	Delivery struct {
		Message *Message
		ID      string
		Stream  string
	}

	// MemoryTransport is a Transport that keeps every delivery in memory
	MemoryTransport struct {
		deliveries []Delivery
		mu         sync.Mutex
	}
)

var _ Transport = (*MemoryTransport)(nil)

// NewMemoryTransport returns an empty MemoryTransport
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{}
}

// Publish implements Transport
func (t *MemoryTransport) Publish(
	ctx context.Context, stream string, msg *Message,
) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id, err := gonanoid.New()
	if err != nil {
		return "", err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.deliveries = append(t.deliveries, Delivery{
		ID:      id,
		Stream:  stream,
		Message: msg.Clone(),
	})
	return id, nil
}

// Deliveries returns every delivery in publish order
func (t *MemoryTransport) Deliveries() []Delivery {
	t.mu.Lock()
	defer t.mu.Unlock()
	res := make([]Delivery, len(t.deliveries))
	copy(res, t.deliveries)
	return res
}
