package ledger_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kode4food/ledger"
)

func newRedisClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	server := miniredis.RunT(t)
	client, err := ledger.NewRedisClient(context.Background(), ledger.RedisConfig{
		Addr: server.Addr(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return server, client
}

func TestRedisLog(t *testing.T) {
	testEventLog(t, func(t *testing.T) ledger.EventLog {
		_, client := newRedisClient(t)
		return ledger.NewRedisLog(client, "test")
	})
}

func TestRedisLogPrefixes(t *testing.T) {
	_, client := newRedisClient(t)
	ctx := context.Background()

	a := ledger.NewRedisLog(client, "a")
	b := ledger.NewRedisLog(client, "b")
	appendEvents(t, a, "counter-1", ledger.NoStream, 1, 2)

	msgs, err := b.Read(ctx, ledger.AllStream, 0, 0)
	assert.NoError(t, err)
	assert.Empty(t, msgs)

	res := appendEvents(t, b, "counter-1", ledger.NoStream, 3)
	assert.Equal(t, int64(1), res.Messages[0].GlobalPosition)
}

func TestRedisLedger(t *testing.T) {
	_, client := newRedisClient(t)
	log := ledger.NewRedisLog(client, "ledger")
	store := ledger.NewRedisSnapshotStore(client, "ledger")
	l := newTestLedger(t, log, ledger.WithSnapshotStore(store))
	exec := ledger.NewExecutor(newCounterRepo(t, l))
	ctx := context.Background()

	for range 3 {
		_, err := exec.Exec(ctx, "1", increment(2))
		require.NoError(t, err)
	}
	require.NoError(t, exec.SaveSnapshot(ctx, "1"))

	ag, err := newCounterRepo(t, l).Load(ctx, "1")
	assert.NoError(t, err)
	assert.Equal(t, 6, ag.Value().Value)
	assert.Equal(t, int64(2), ag.Position())
	assert.Equal(t, int64(3), ag.Version())
}

func TestNewRedisClientUnreachable(t *testing.T) {
	server, err := miniredis.Run()
	assert.NoError(t, err)
	addr := server.Addr()
	server.Close()

	_, err = ledger.NewRedisClient(context.Background(), ledger.RedisConfig{
		Addr: addr,
	})
	assert.Error(t, err)
}

func TestRedisSnapshotStore(t *testing.T) {
	_, client := newRedisClient(t)
	store := ledger.NewRedisSnapshotStore(client, "test")
	ctx := context.Background()

	snap, err := store.Get(ctx, "counter-1")
	assert.NoError(t, err)
	assert.Nil(t, snap)

	assert.NoError(t, store.Put(ctx, &ledger.Snapshot{
		Stream:   "counter-1",
		State:    []byte(`{"value":5}`),
		Position: 5,
		Version:  6,
	}))
	assert.NoError(t, store.Put(ctx, &ledger.Snapshot{
		Stream:   "counter-1",
		State:    []byte(`{"value":2}`),
		Position: 2,
		Version:  3,
	}))

	snap, err = store.Get(ctx, "counter-1")
	assert.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, int64(5), snap.Position)
	assert.Equal(t, int64(6), snap.Version)
	assert.JSONEq(t, `{"value":5}`, string(snap.State))
}

func TestRedisCheckpointStore(t *testing.T) {
	server, client := newRedisClient(t)
	cps := ledger.NewRedisCheckpointStore(client, "test")
	ctx := context.Background()

	pos, err := cps.Load(ctx, "projector")
	assert.NoError(t, err)
	assert.Equal(t, int64(0), pos)

	assert.NoError(t, cps.Save(ctx, "projector", 42))
	pos, err = cps.Load(ctx, "projector")
	assert.NoError(t, err)
	assert.Equal(t, int64(42), pos)
	assert.Equal(t, "42", server.HGet("test:checkpoints", "projector"))
}

func TestRedisSubscription(t *testing.T) {
	_, client := newRedisClient(t)
	log := ledger.NewRedisLog(client, "test")
	appendEvents(t, log, "counter-1", ledger.NoStream, 1, 2)
	appendEvents(t, log, "counter-2", ledger.NoStream, 3)

	rec := &recorder{}
	d := ledger.NewDispatcher(nil)
	d.RegisterAll(rec.handle)
	cps := ledger.NewRedisCheckpointStore(client, "test")
	s := newSubscription(t, log, "counter", d, cps, ledger.SubscriptionConfig{})

	n, err := s.Tick(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t,
		[]string{"counter-1", "counter-1", "counter-2"}, rec.streams(),
	)

	pos, err := cps.Load(context.Background(), s.Name())
	assert.NoError(t, err)
	assert.Equal(t, int64(3), pos)
}
