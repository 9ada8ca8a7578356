package ledger_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kode4food/ledger"
)

func newCounter(
	t *testing.T, reg *ledger.Registry, id string,
) *ledger.Aggregator[*CounterState] {
	t.Helper()
	k, ok := reg.Kind("Counter")
	require.True(t, ok)
	return ledger.NewAggregator(reg, k, id, appliers, newCounterState())
}

func TestNewID(t *testing.T) {
	a := ledger.NewID()
	b := ledger.NewID()
	assert.Len(t, a, 36)
	assert.NotEqual(t, a, b)
}

func TestAggregatorRaise(t *testing.T) {
	reg := newRegistry(t)
	ag := newCounter(t, reg, "1")

	assert.Equal(t, "counter-1", ag.Stream())
	assert.Equal(t, int64(0), ag.Version())
	assert.Equal(t, int64(-1), ag.Position())

	assert.NoError(t, ledger.Raise(ag, EventIncremented, 5))
	assert.NoError(t, ledger.Raise(ag, EventDecremented, 2))
	assert.Equal(t, 3, ag.Value().Value)

	pending := ag.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, int64(0), pending[0].Position)
	assert.Equal(t, int64(1), pending[1].Position)
	assert.Equal(t, ledger.SequenceID("0.1"), pending[0].Metadata.SequenceID)
	assert.Equal(t, ledger.SequenceID("0.2"), pending[1].Metadata.SequenceID)

	err := ledger.Raise(ag, EventOpened, "bob")
	assert.ErrorIs(t, err, ledger.ErrConfiguration)
	err = ledger.Raise(ag, CommandIncrement, 1)
	assert.ErrorIs(t, err, ledger.ErrConfiguration)
	assert.Len(t, ag.Pending(), 2)

	_, err = ledger.TakeSnapshot(ag)
	assert.ErrorIs(t, err, ledger.ErrPendingMessages)
}

func TestAggregatorWithoutRegistry(t *testing.T) {
	k := &ledger.Kind{Name: "Counter", Category: "counter"}
	ag := ledger.NewAggregator(nil, k, "1", appliers, newCounterState())
	assert.NoError(t, ledger.Raise(ag, "Anything.Goes.v1", 1))
	assert.Equal(t, 0, ag.Value().Value)
	assert.Len(t, ag.Pending(), 1)
}

func TestReplayDeterminism(t *testing.T) {
	reg := newRegistry(t)
	k, _ := reg.Kind("Counter")
	log := ledger.NewMemoryLog()
	appendEvents(t, log, "counter-1", ledger.NoStream, 1, 2, 3, 4)

	msgs, err := log.Read(context.Background(), "counter-1", 0, 0)
	require.NoError(t, err)

	a := ledger.Replay(reg, k, "1", appliers, newCounterState(), msgs)
	b := ledger.Replay(reg, k, "1", appliers, newCounterState(), msgs)
	assert.Equal(t, a.Value(), b.Value())
	assert.Equal(t, 10, a.Value().Value)
	assert.Equal(t, int64(3), a.Position())
	assert.Equal(t, int64(4), a.Version())
	assert.Empty(t, a.Pending())

	incremental := ledger.Replay(
		reg, k, "1", appliers, newCounterState(), msgs[:2],
	)
	incremental.Advance(msgs[2:])
	assert.Equal(t, a.Value(), incremental.Value())
	assert.Equal(t, a.Position(), incremental.Position())
	assert.Equal(t, a.Version(), incremental.Version())

	folded := ledger.Fold(appliers, newCounterState(), msgs)
	assert.Equal(t, 10, folded.Value)
}

func TestReplayIgnoresUnknownTypes(t *testing.T) {
	reg := newRegistry(t)
	k, _ := reg.Kind("Counter")
	msgs := []*ledger.Message{
		{Type: "Counter.Renamed.v1", Data: []byte(`"x"`), Position: 0},
		{Type: EventIncremented, Data: []byte(`2`), Position: 1},
	}
	ag := ledger.Replay(reg, k, "1", appliers, newCounterState(), msgs)
	assert.Equal(t, 2, ag.Value().Value)
	assert.Equal(t, int64(1), ag.Position())
}

func TestFromSnapshot(t *testing.T) {
	reg := newRegistry(t)
	k, _ := reg.Kind("Counter")

	snap := &ledger.Snapshot{
		Stream:   "counter-1",
		State:    []byte(`{"value":7}`),
		Position: 4,
		Version:  3,
	}
	more := []*ledger.Message{{
		Type:     EventIncremented,
		Data:     []byte(`3`),
		Position: 5,
		Metadata: ledger.Metadata{SequenceID: "3.1"},
	}}

	ag, err := ledger.FromSnapshot(
		reg, k, "1", appliers, newCounterState(), snap, more,
	)
	assert.NoError(t, err)
	assert.Equal(t, 10, ag.Value().Value)
	assert.Equal(t, int64(5), ag.Position())
	assert.Equal(t, int64(4), ag.Version())

	taken, err := ledger.TakeSnapshot(ag)
	assert.NoError(t, err)
	assert.Equal(t, "counter-1", taken.Stream)
	assert.Equal(t, int64(5), taken.Position)
	assert.Equal(t, int64(4), taken.Version)
	assert.JSONEq(t, `{"value":10}`, string(taken.State))

	snap.State = []byte(`not json`)
	_, err = ledger.FromSnapshot(
		reg, k, "1", appliers, newCounterState(), snap, nil,
	)
	assert.Error(t, err)
}

func TestAggregatorOnSuccess(t *testing.T) {
	l := newTestLedger(t, ledger.NewMemoryLog())
	repo := newCounterRepo(t, l)

	var seen []int
	err := l.Transact(context.Background(),
		func(ctx context.Context, _ *ledger.UnitOfWork) error {
			ag := repo.New("1")
			ag.OnSuccess(func(s *CounterState) {
				seen = append(seen, s.Value)
			})
			if err := ledger.Raise(ag, EventIncremented, 4); err != nil {
				return err
			}
			return repo.Add(ctx, ag)
		},
	)
	assert.NoError(t, err)
	assert.Equal(t, []int{4}, seen)
}
