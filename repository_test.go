package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kode4food/ledger"
)

func TestRepositoryNotFound(t *testing.T) {
	l := newTestLedger(t, ledger.NewMemoryLog())
	ctx := context.Background()

	_, err := newCounterRepo(t, l).Load(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	_, err = newAccountRepo(t, l).Load(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestRepositoryLoadFromSnapshot(t *testing.T) {
	store := ledger.NewMemorySnapshotStore()
	log := ledger.NewMemoryLog()
	l := newTestLedger(t, log, ledger.WithSnapshotStore(store))
	repo := newCounterRepo(t, l)
	ctx := context.Background()

	appendEvents(t, log, "counter-1", ledger.NoStream, 1, 2, 3)

	// the stored state deliberately disagrees with the events it covers
	require.NoError(t, store.Put(ctx, &ledger.Snapshot{
		Stream:   "counter-1",
		State:    []byte(`{"value":100}`),
		Position: 1,
		Version:  2,
	}))

	ag, err := repo.Load(ctx, "1")
	assert.NoError(t, err)
	assert.Equal(t, 103, ag.Value().Value)
	assert.Equal(t, int64(2), ag.Position())
	assert.Equal(t, int64(3), ag.Version())

	require.NoError(t, store.Put(ctx, &ledger.Snapshot{
		Stream:   "counter-1",
		State:    []byte(`{"value":200}`),
		Position: 2,
		Version:  3,
	}))
	ag, err = repo.Load(ctx, "1")
	assert.NoError(t, err)
	assert.Equal(t, 200, ag.Value().Value)
	assert.Equal(t, int64(2), ag.Position())
}

func TestRepositorySnapshotPastTail(t *testing.T) {
	store := ledger.NewMemorySnapshotStore()
	log := ledger.NewMemoryLog()
	l := newTestLedger(t, log, ledger.WithSnapshotStore(store))
	ctx := context.Background()

	appendEvents(t, log, "counter-1", ledger.NoStream, 1, 2)
	require.NoError(t, store.Put(ctx, &ledger.Snapshot{
		Stream:   "counter-1",
		State:    []byte(`{"value":999}`),
		Position: 10,
		Version:  10,
	}))

	ag, err := newCounterRepo(t, l).Load(ctx, "1")
	assert.NoError(t, err)
	assert.Equal(t, 3, ag.Value().Value)
	assert.Equal(t, int64(1), ag.Position())
}

func TestRepositoryBadSnapshot(t *testing.T) {
	store := ledger.NewMemorySnapshotStore()
	log := ledger.NewMemoryLog()
	l := newTestLedger(t, log, ledger.WithSnapshotStore(store))
	ctx := context.Background()

	appendEvents(t, log, "counter-1", ledger.NoStream, 1, 2)
	require.NoError(t, store.Put(ctx, &ledger.Snapshot{
		Stream:   "counter-1",
		State:    []byte(`not json`),
		Position: 0,
	}))

	_, err := newCounterRepo(t, l).Load(ctx, "1")
	assert.Error(t, err)
}

func TestRepositorySaveSnapshot(t *testing.T) {
	ctx := context.Background()

	l := newTestLedger(t, ledger.NewMemoryLog())
	repo := newCounterRepo(t, l)
	err := repo.SaveSnapshot(ctx, repo.New("1"))
	assert.ErrorIs(t, err, ledger.ErrConfiguration)

	store := ledger.NewMemorySnapshotStore()
	l = newTestLedger(t, ledger.NewMemoryLog(), ledger.WithSnapshotStore(store))
	repo = newCounterRepo(t, l)

	ag := repo.New("1")
	require.NoError(t, ledger.Raise(ag, EventIncremented, 1))
	assert.ErrorIs(t, repo.SaveSnapshot(ctx, ag), ledger.ErrPendingMessages)
}

func TestRepositoryAutoSnapshot(t *testing.T) {
	cfg := testConfig(t)
	cfg.Snapshot.Threshold = 2
	store := ledger.NewMemorySnapshotStore()
	log := ledger.NewMemoryLog()
	l := newTestLedgerWithConfig(t, log, cfg, ledger.WithSnapshotStore(store))
	repo := newCounterRepo(t, l)
	ctx := context.Background()

	appendEvents(t, log, "counter-1", ledger.NoStream, 1, 2)
	_, err := repo.Load(ctx, "1")
	require.NoError(t, err)

	appendEvents(t, log, "counter-1", ledger.Exact(1), 3)
	_, err = repo.Load(ctx, "1")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		snap, err := store.Get(ctx, "counter-1")
		return err == nil && snap != nil && snap.Position == 2
	}, time.Second, 10*time.Millisecond)

	snap, err := store.Get(ctx, "counter-1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.JSONEq(t, `{"value":6}`, string(snap.State))
	assert.Equal(t, int64(3), snap.Version)
}

func TestRepositoryAutoSnapshotDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Snapshot.Enabled = false
	cfg.Snapshot.Threshold = 1
	store := ledger.NewMemorySnapshotStore()
	log := ledger.NewMemoryLog()
	l := newTestLedgerWithConfig(t, log, cfg, ledger.WithSnapshotStore(store))

	appendEvents(t, log, "counter-1", ledger.NoStream, 1, 2, 3)
	ag, err := newCounterRepo(t, l).Load(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, 6, ag.Value().Value)

	snap, err := store.Get(context.Background(), "counter-1")
	assert.NoError(t, err)
	assert.Nil(t, snap)
}

func TestRepositoryStateStored(t *testing.T) {
	log := ledger.NewMemoryLog()
	l := newTestLedger(t, log)
	repo := newAccountRepo(t, l)
	ctx := context.Background()

	err := l.Transact(ctx, func(ctx context.Context, _ *ledger.UnitOfWork) error {
		ag := repo.New("a1")
		if err := ledger.Raise(ag, EventOpened, "bob"); err != nil {
			return err
		}
		if err := ledger.Raise(ag, EventDeposited, 20); err != nil {
			return err
		}
		return repo.Add(ctx, ag)
	})
	require.NoError(t, err)

	ag, err := repo.Load(ctx, "a1")
	assert.NoError(t, err)
	assert.Equal(t, "bob", ag.Value().Owner)
	assert.Equal(t, 20, ag.Value().Balance)
	assert.Equal(t, int64(1), ag.Version())
	assert.Equal(t, int64(1), ag.Position())

	err = l.Transact(ctx, func(ctx context.Context, _ *ledger.UnitOfWork) error {
		ag, err := repo.Get(ctx, "a1")
		if err != nil {
			return err
		}
		again, err := repo.Load(ctx, "a1")
		if err != nil {
			return err
		}
		assert.Same(t, ag, again)
		return ledger.Raise(ag, EventDeposited, 5)
	})
	require.NoError(t, err)

	ag, err = repo.Load(ctx, "a1")
	assert.NoError(t, err)
	assert.Equal(t, 25, ag.Value().Balance)
	assert.Equal(t, int64(2), ag.Version())
	assert.Equal(t, int64(2), ag.Position())

	msgs, err := log.Read(ctx, "account-a1", 0, 0)
	assert.NoError(t, err)
	assert.Len(t, msgs, 3)
}

func TestRepositoryOutsideUnitOfWork(t *testing.T) {
	l := newTestLedger(t, ledger.NewMemoryLog())
	repo := newCounterRepo(t, l)
	ctx := context.Background()

	assert.ErrorIs(t, repo.Add(ctx, repo.New("1")), ledger.ErrNoUnitOfWork)
	_, err := repo.Get(ctx, "1")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}
