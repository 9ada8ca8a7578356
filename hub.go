package ledger

import "sync"

type (
	// Hub fans committed messages out to in-process consumers. Delivery is
	// best effort: a consumer whose buffer is full misses the message and
	// must catch up by reading the log
	Hub struct {
		consumers map[*Consumer]struct{}
		mu        sync.RWMutex
	}

	// Consumer receives the committed messages matching its interests
	Consumer struct {
		hub       *Hub
		ch        chan *Message
		interests interests
		closeOnce sync.Once
	}

	interests struct {
		types    map[TypeTag]bool // empty = all message types
		category string           // AllStream = all categories
	}
)

const consumerBuffer = 64

// NewHub returns a Hub with no consumers
func NewHub() *Hub {
	return &Hub{
		consumers: map[*Consumer]struct{}{},
	}
}

// NewConsumer registers a consumer for messages of a category, or of every
// category when category is AllStream. If no types are given, every type
// matches
func (h *Hub) NewConsumer(category string, types ...TypeTag) *Consumer {
	i := interests{category: category}
	if len(types) > 0 {
		i.types = make(map[TypeTag]bool, len(types))
		for _, t := range types {
			i.types[t] = true
		}
	}

	c := &Consumer{
		hub:       h,
		ch:        make(chan *Message, consumerBuffer),
		interests: i,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.consumers[c] = struct{}{}
	return c
}

// Publish offers msgs to every interested consumer without blocking
func (h *Hub) Publish(msgs ...*Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.consumers {
		for _, m := range msgs {
			if !c.interests.matches(m) {
				continue
			}
			select {
			case c.ch <- m:
			default:
			}
		}
	}
}

// HasSubscribers reports whether any consumer is interested in msg
func (h *Hub) HasSubscribers(msg *Message) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.consumers {
		if c.interests.matches(msg) {
			return true
		}
	}
	return false
}

// Receive returns the channel of matching messages. It is closed by Close
func (c *Consumer) Receive() <-chan *Message {
	return c.ch
}

// Close unregisters the consumer and closes its channel
func (c *Consumer) Close() error {
	c.closeOnce.Do(func() {
		c.hub.mu.Lock()
		defer c.hub.mu.Unlock()
		delete(c.hub.consumers, c)
		close(c.ch)
	})
	return nil
}

func (i interests) matches(msg *Message) bool {
	if i.category != AllStream && CategoryOf(msg.Stream) != i.category {
		return false
	}
	return len(i.types) == 0 || i.types[msg.Type]
}
