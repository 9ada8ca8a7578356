package ledger_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kode4food/ledger"
)

func TestHubInterests(t *testing.T) {
	hub := ledger.NewHub()
	counters := hub.NewConsumer("counter")
	resets := hub.NewConsumer("counter", EventReset)
	all := hub.NewConsumer(ledger.AllStream)
	defer func() {
		_ = counters.Close()
		_ = resets.Close()
		_ = all.Close()
	}()

	inc := &ledger.Message{Stream: "counter-1", Type: EventIncremented}
	reset := &ledger.Message{Stream: "counter-2", Type: EventReset}
	opened := &ledger.Message{Stream: "account-1", Type: EventOpened}
	hub.Publish(inc, reset, opened)

	assert.Same(t, inc, <-counters.Receive())
	assert.Same(t, reset, <-counters.Receive())
	assert.Len(t, counters.Receive(), 0)

	assert.Same(t, reset, <-resets.Receive())
	assert.Len(t, resets.Receive(), 0)

	assert.Len(t, all.Receive(), 3)

	assert.True(t, hub.HasSubscribers(opened))
	assert.NoError(t, all.Close())
	assert.False(t, hub.HasSubscribers(opened))
	assert.True(t, hub.HasSubscribers(inc))
}

func TestHubDropsWhenFull(t *testing.T) {
	hub := ledger.NewHub()
	c := hub.NewConsumer(ledger.AllStream)

	for range 100 {
		hub.Publish(&ledger.Message{Stream: "counter-1"})
	}
	assert.Len(t, c.Receive(), 64)

	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())
	hub.Publish(&ledger.Message{Stream: "counter-1"})

	n := 0
	for range c.Receive() {
		n++
	}
	assert.Equal(t, 64, n)
}
