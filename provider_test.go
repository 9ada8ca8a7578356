package ledger_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kode4food/ledger"
)

// versionsOnly hides ApplyBatch so ApplyStateOps writes one op at a time
type versionsOnly struct {
	ledger.Provider
}

func TestMemoryProvider(t *testing.T) {
	testProvider(t, func(*testing.T) ledger.Provider {
		return ledger.NewMemoryProvider()
	})
}

func TestApplyStateOpsSequential(t *testing.T) {
	mem := ledger.NewMemoryProvider()
	p := versionsOnly{Provider: mem}
	ctx := context.Background()

	err := ledger.ApplyStateOps(ctx, p, []ledger.StateOp{
		saveOp("a1", `{"balance":1}`, 1, 0),
		saveOp("a2", `{"balance":2}`, 1, 0),
	})
	assert.NoError(t, err)

	err = ledger.ApplyStateOps(ctx, p, []ledger.StateOp{
		{Category: "account", ID: "a1", Delete: true},
		saveOp("a2", `{"balance":3}`, 2, 1),
	})
	assert.NoError(t, err)

	_, err = mem.Load(ctx, "account", "a1")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	rec, err := mem.Load(ctx, "account", "a2")
	assert.NoError(t, err)
	assert.Equal(t, int64(2), rec.Version)
}

func saveOp(id, data string, version, expected int64) ledger.StateOp {
	return ledger.StateOp{
		Category: "account",
		ID:       id,
		Expected: expected,
		Record: &ledger.StateRecord{
			Category: "account",
			ID:       id,
			Data:     []byte(data),
			Version:  version,
		},
	}
}

// testProvider checks the behavior every Provider backend shares
func testProvider(t *testing.T, open func(*testing.T) ledger.Provider) {
	t.Run("SaveAndLoad", func(t *testing.T) {
		p := open(t)
		ctx := context.Background()

		_, err := p.Load(ctx, "account", "a1")
		assert.ErrorIs(t, err, ledger.ErrNotFound)

		op := saveOp("a1", `{"owner":"bob","balance":10}`, 1, 0)
		op.Record.Position = 3
		require.NoError(t, p.Save(ctx, op.Record, 0))

		rec, err := p.Load(ctx, "account", "a1")
		assert.NoError(t, err)
		assert.Equal(t, "account", rec.Category)
		assert.Equal(t, "a1", rec.ID)
		assert.Equal(t, int64(1), rec.Version)
		assert.Equal(t, int64(3), rec.Position)
		assert.JSONEq(t, `{"owner":"bob","balance":10}`, string(rec.Data))

		_, err = p.Load(ctx, "other", "a1")
		assert.ErrorIs(t, err, ledger.ErrNotFound)
	})

	t.Run("VersionConflict", func(t *testing.T) {
		p := open(t)
		ctx := context.Background()

		require.NoError(t, p.Save(ctx, saveOp("a1", `{}`, 1, 0).Record, 0))

		err := p.Save(ctx, saveOp("a1", `{}`, 1, 0).Record, 0)
		assert.ErrorIs(t, err, ledger.ErrConcurrencyConflict)
		assert.True(t, ledger.IsConflict(err))

		err = p.Save(ctx, saveOp("a1", `{}`, 3, 2).Record, 2)
		assert.ErrorIs(t, err, ledger.ErrConcurrencyConflict)

		assert.NoError(t, p.Save(ctx, saveOp("a1", `{}`, 2, 1).Record, 1))
		rec, err := p.Load(ctx, "account", "a1")
		assert.NoError(t, err)
		assert.Equal(t, int64(2), rec.Version)
	})

	t.Run("Delete", func(t *testing.T) {
		p := open(t)
		ctx := context.Background()

		require.NoError(t, p.Save(ctx, saveOp("a1", `{}`, 1, 0).Record, 0))
		assert.NoError(t, p.Delete(ctx, "account", "a1"))
		assert.NoError(t, p.Delete(ctx, "account", "a1"))

		_, err := p.Load(ctx, "account", "a1")
		assert.ErrorIs(t, err, ledger.ErrNotFound)
	})

	t.Run("Batch", func(t *testing.T) {
		p := open(t)
		ctx := context.Background()

		require.NoError(t, p.Save(ctx, saveOp("a1", `{"balance":1}`, 1, 0).Record, 0))

		err := ledger.ApplyStateOps(ctx, p, []ledger.StateOp{
			saveOp("a2", `{"balance":2}`, 1, 0),
			saveOp("a1", `{"balance":9}`, 1, 0),
		})
		var cc *ledger.ConcurrencyConflictError
		require.True(t, errors.As(err, &cc))
		assert.Equal(t, "account-a1", cc.Stream)
		assert.Equal(t, int64(1), cc.Actual)

		_, err = p.Load(ctx, "account", "a2")
		assert.ErrorIs(t, err, ledger.ErrNotFound)

		err = ledger.ApplyStateOps(ctx, p, []ledger.StateOp{
			saveOp("a2", `{"balance":2}`, 1, 0),
			saveOp("a1", `{"balance":9}`, 2, 1),
		})
		assert.NoError(t, err)

		rec, err := p.Load(ctx, "account", "a1")
		assert.NoError(t, err)
		assert.JSONEq(t, `{"balance":9}`, string(rec.Data))
		rec, err = p.Load(ctx, "account", "a2")
		assert.NoError(t, err)
		assert.Equal(t, int64(1), rec.Version)
	})
}
