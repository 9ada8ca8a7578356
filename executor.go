package ledger

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

type (
	// Executor runs commands against aggregates of one Kind, each in its own
	// UnitOfWork, retrying the whole load, mutate and commit cycle when the
	// commit hits a concurrency conflict. Committed states of event-sourced
	// aggregates are cached so that a retry or a later command only replays
	// what it missed
	Executor[T any] struct {
		repo       *Repository[T]
		ledger     *Ledger
		cache      *snapshotCache[*Snapshot]
		logger     *zap.Logger
		maxRetries int
	}

	// Command mutates an aggregate by raising messages on it
	Command[T any] func(T, *Aggregator[T]) error
)

// NewExecutor creates an Executor over repo
func NewExecutor[T any](repo *Repository[T]) *Executor[T] {
	l := repo.ledger
	return &Executor[T]{
		repo:       repo,
		ledger:     l,
		cache:      newSnapshotCache[*Snapshot](l.config.CacheSize),
		logger:     l.logger.Named("executor"),
		maxRetries: l.config.MaxRetries,
	}
}

// Repository returns the Repository the Executor loads through
func (e *Executor[T]) Repository() *Repository[T] {
	return e.repo
}

// Exec runs cmd against the aggregate identified by id, creating it if it
// was never stored, and returns the committed state. ctx must not carry an
// active UnitOfWork
func (e *Executor[T]) Exec(
	ctx context.Context, id string, cmd Command[T],
) (T, error) {
	var zero T
	var lastErr error

	for attempt := range e.maxRetries {
		var ag *Aggregator[T]
		err := e.ledger.Transact(ctx,
			func(ctx context.Context, u *UnitOfWork) error {
				var err error
				ag, err = e.load(ctx, id)
				if err != nil {
					return err
				}
				if err := cmd(ag.Value(), ag); err != nil {
					return err
				}
				return u.Register(ag)
			},
		)
		if err == nil {
			e.remember(ag)
			return ag.Value(), nil
		}
		if !IsConflict(err) {
			return zero, err
		}

		lastErr = err
		e.handleConflict(id, err)
		e.logger.Debug("retrying command after conflict",
			zap.String("id", id),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return zero, fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, lastErr)
}

// SaveSnapshot loads the aggregate and stores its snapshot immediately
func (e *Executor[T]) SaveSnapshot(ctx context.Context, id string) error {
	ag, err := e.load(ctx, id)
	if err != nil {
		return err
	}
	return e.repo.SaveSnapshot(ctx, ag)
}

func (e *Executor[T]) load(
	ctx context.Context, id string,
) (*Aggregator[T], error) {
	var ag *Aggregator[T]
	var err error
	if snap, ok := e.cache.entry(id).get(); ok && e.repo.kind.EventSourced {
		ag, err = e.repo.replayFrom(ctx, id, snap)
	} else {
		ag, err = e.repo.Load(ctx, id)
	}
	if errors.Is(err, ErrNotFound) {
		return e.repo.New(id), nil
	}
	return ag, err
}

func (e *Executor[T]) remember(ag *Aggregator[T]) {
	if !e.repo.kind.EventSourced || ag.Position() < 0 {
		return
	}
	snap, err := TakeSnapshot(ag)
	if err != nil {
		return
	}
	e.cache.entry(ag.ID()).update(func(cur *Snapshot, ok bool) *Snapshot {
		if ok && cur.Position > snap.Position {
			return cur
		}
		return snap
	})
}

// handleConflict folds the messages a conflicting commit missed into the
// cached state, or clears the entry when they don't line up with it
func (e *Executor[T]) handleConflict(id string, err error) {
	cc, ok := asConflict(err)
	entry := e.cache.entry(id)
	cur, cached := entry.get()
	if !ok || !cached || len(cc.Missed) == 0 ||
		cc.Missed[0].Position != cur.Position+1 {
		entry.clear()
		return
	}

	ag, ferr := FromSnapshot(
		e.ledger.registry, e.repo.kind, id, e.repo.appliers,
		e.repo.construct(), cur, cc.Missed,
	)
	if ferr != nil {
		entry.clear()
		return
	}
	e.remember(ag)
}
