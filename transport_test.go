package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kode4food/ledger"
)

func TestMemoryTransport(t *testing.T) {
	tr := ledger.NewMemoryTransport()
	msg := &ledger.Message{Type: EventIncremented, Data: []byte(`1`)}

	id, err := tr.Publish(context.Background(), "counter-1", msg)
	assert.NoError(t, err)
	assert.NotEmpty(t, id)

	msg.Data = []byte(`2`)
	ds := tr.Deliveries()
	require.Len(t, ds, 1)
	assert.Equal(t, id, ds[0].ID)
	assert.Equal(t, "counter-1", ds[0].Stream)
	assert.JSONEq(t, `1`, string(ds[0].Message.Data))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = tr.Publish(ctx, "counter-1", msg)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, tr.Deliveries(), 1)
}

func TestRedisTransportPublishAndPoll(t *testing.T) {
	_, client := newRedisClient(t)
	tr := ledger.NewRedisTransport(client, "test")
	ctx := context.Background()

	id, err := tr.Publish(ctx, "counter-1", &ledger.Message{
		Type:     EventIncremented,
		Data:     []byte(`7`),
		Stream:   "counter-1",
		Position: 0,
	})
	assert.NoError(t, err)
	assert.NotEmpty(t, id)

	var got *ledger.Delivery
	err = tr.Poll(ctx, "counter", 10*time.Millisecond,
		func(_ context.Context, d *ledger.Delivery) error {
			got = d
			return nil
		},
	)
	assert.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "counter-1", got.Stream)
	assert.Equal(t, EventIncremented, got.Message.Type)
	assert.JSONEq(t, `7`, string(got.Message.Data))

	n, err := client.XLen(ctx, "test:outbox:counter").Result()
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)

	called := false
	err = tr.Poll(ctx, "counter", 10*time.Millisecond,
		func(context.Context, *ledger.Delivery) error {
			called = true
			return nil
		},
	)
	assert.NoError(t, err)
	assert.False(t, called)
}

func TestRedisTransportRecoversPending(t *testing.T) {
	server, client := newRedisClient(t)
	first := ledger.NewRedisTransport(client, "test")
	second := ledger.NewRedisTransport(client, "test")
	ctx := context.Background()

	_, err := first.Publish(ctx, "counter-1", &ledger.Message{
		Type: EventIncremented, Stream: "counter-1", Data: []byte(`1`),
	})
	require.NoError(t, err)

	failure := errors.New("consumer crashed")
	err = first.Poll(ctx, "counter", 10*time.Millisecond,
		func(context.Context, *ledger.Delivery) error {
			return failure
		},
	)
	assert.ErrorIs(t, err, failure)

	var got []*ledger.Delivery
	collect := func(_ context.Context, d *ledger.Delivery) error {
		got = append(got, d)
		return nil
	}

	assert.NoError(t, second.Poll(ctx, "counter", 10*time.Millisecond, collect))
	assert.Empty(t, got)

	server.SetTime(time.Now().Add(time.Minute))
	assert.NoError(t, second.Poll(ctx, "counter", 10*time.Millisecond, collect))
	require.Len(t, got, 1)
	assert.Equal(t, "counter-1", got[0].Stream)

	pending, err := client.XPending(ctx, "test:outbox:counter", "ledger").Result()
	assert.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
}

func TestRedisTransportMalformed(t *testing.T) {
	_, client := newRedisClient(t)
	tr := ledger.NewRedisTransport(client, "test")
	ctx := context.Background()

	err := tr.Poll(ctx, "counter", time.Millisecond, nil)
	assert.Error(t, err)

	require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{
		Stream: "test:outbox:counter",
		Values: map[string]any{"stream": "counter-1"},
	}).Err())

	unexpected := func(context.Context, *ledger.Delivery) error {
		t.Fatal("handler should not be called")
		return nil
	}
	err = tr.Poll(ctx, "counter", 10*time.Millisecond, unexpected)
	assert.ErrorIs(t, err, ledger.ErrDeliveryMalformed)

	require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{
		Stream: "test:outbox:counter",
		Values: map[string]any{"stream": "counter-1", "payload": "{"},
	}).Err())
	err = tr.Poll(ctx, "counter", 10*time.Millisecond, unexpected)
	assert.ErrorIs(t, err, ledger.ErrDeliveryMalformed)

	length, err := client.XLen(ctx, "test:outbox:counter").Result()
	assert.NoError(t, err)
	assert.Equal(t, int64(0), length)

	pending, err := client.XPending(ctx, "test:outbox:counter", "ledger").Result()
	assert.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)

	_, err = tr.Publish(ctx, "counter-1", &ledger.Message{
		Type: EventIncremented, Data: []byte(`1`),
	})
	require.NoError(t, err)

	var got []*ledger.Delivery
	err = tr.Poll(ctx, "counter", 10*time.Millisecond,
		func(_ context.Context, d *ledger.Delivery) error {
			got = append(got, d)
			return nil
		},
	)
	assert.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "counter-1", got[0].Stream)
}

func TestLedgerPublishesToTransport(t *testing.T) {
	_, client := newRedisClient(t)
	tr := ledger.NewRedisTransport(client, "test")
	l := newTestLedger(t, ledger.NewMemoryLog(), ledger.WithTransport(tr))
	exec := ledger.NewExecutor(newCounterRepo(t, l))
	ctx := context.Background()

	_, err := exec.Exec(ctx, "1",
		func(_ *CounterState, ag *ledger.Aggregator[*CounterState]) error {
			if err := ledger.Raise(ag, EventIncremented, 1); err != nil {
				return err
			}
			return ledger.Raise(ag, EventIncremented, 2)
		},
	)
	require.NoError(t, err)

	var positions []int64
	for range 2 {
		err := tr.Poll(ctx, "counter", 10*time.Millisecond,
			func(_ context.Context, d *ledger.Delivery) error {
				positions = append(positions, d.Message.Position)
				assert.Equal(t, "counter-1", d.Stream)
				return nil
			},
		)
		require.NoError(t, err)
	}
	assert.Equal(t, []int64{0, 1}, positions)
}
