package ledger

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Repository loads and tracks aggregates of one Kind. Event-sourced kinds
// are rebuilt from their snapshot and event stream, state-stored kinds are
// loaded from their Provider
type Repository[T any] struct {
	ledger    *Ledger
	kind      *Kind
	appliers  Appliers[T]
	construct func() T
}

// NewRepository creates a Repository for the named Kind. construct returns
// the initial state of a new aggregate
func NewRepository[T any](
	l *Ledger, kind string, apps Appliers[T], construct func() T,
) (*Repository[T], error) {
	k, ok := l.registry.Kind(kind)
	if !ok {
		return nil, configErrorf("kind %q is not registered", kind)
	}
	if !k.EventSourced {
		if _, err := l.provider(k); err != nil {
			return nil, err
		}
	}
	return &Repository[T]{
		ledger:    l,
		kind:      k,
		appliers:  apps,
		construct: construct,
	}, nil
}

// Kind returns the repository's aggregate Kind
func (r *Repository[T]) Kind() *Kind {
	return r.kind
}

// New creates an aggregate with no history
func (r *Repository[T]) New(id string) *Aggregator[T] {
	return NewAggregator(
		r.ledger.registry, r.kind, id, r.appliers, r.construct(),
	)
}

// Load returns the aggregate identified by id. Within a UnitOfWork the
// tracked instance is returned if there is one. An id that was never stored
// fails with a *NotFoundError
func (r *Repository[T]) Load(
	ctx context.Context, id string,
) (*Aggregator[T], error) {
	if u, err := ActiveFromContext(ctx); err == nil {
		if ag, ok := u.Lookup(r.kind, id); ok {
			if res, ok := ag.(*Aggregator[T]); ok {
				return res, nil
			}
			return nil, configErrorf(
				"aggregate %q is tracked with a different state type", id,
			)
		}
	}
	if r.kind.EventSourced {
		return r.loadEvents(ctx, id)
	}
	return r.loadState(ctx, id)
}

// Get loads the aggregate and registers it with the UnitOfWork in ctx
func (r *Repository[T]) Get(
	ctx context.Context, id string,
) (*Aggregator[T], error) {
	ag, err := r.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := r.Add(ctx, ag); err != nil {
		return nil, err
	}
	return ag, nil
}

// Add registers ag with the UnitOfWork in ctx
func (r *Repository[T]) Add(ctx context.Context, ag *Aggregator[T]) error {
	u, err := ActiveFromContext(ctx)
	if err != nil {
		return err
	}
	return u.Register(ag)
}

// Remove schedules a state-stored aggregate for deletion in the UnitOfWork
// in ctx
func (r *Repository[T]) Remove(ctx context.Context, ag *Aggregator[T]) error {
	u, err := ActiveFromContext(ctx)
	if err != nil {
		return err
	}
	return u.Remove(ag)
}

// SaveSnapshot stores a snapshot of ag immediately, bypassing the
// SnapshotWorker
func (r *Repository[T]) SaveSnapshot(
	ctx context.Context, ag *Aggregator[T],
) error {
	if r.ledger.snapshots == nil {
		return configErrorf("no snapshot store configured")
	}
	snap, err := TakeSnapshot(ag)
	if err != nil {
		return err
	}
	return r.ledger.snapshots.Put(ctx, snap)
}

func (r *Repository[T]) loadEvents(
	ctx context.Context, id string,
) (*Aggregator[T], error) {
	stream := EventStream(r.kind.Category, id)
	snap, err := r.snapshot(ctx, stream)
	if err != nil {
		return nil, err
	}
	return r.replayFrom(ctx, id, snap)
}

// replayFrom rebuilds the aggregate from snap, or from the start of its
// stream when snap is nil. A snapshot past the stream's tail is discarded
func (r *Repository[T]) replayFrom(
	ctx context.Context, id string, snap *Snapshot,
) (*Aggregator[T], error) {
	stream := EventStream(r.kind.Category, id)
	from := int64(0)
	if snap != nil {
		from = snap.Position + 1
	}
	msgs, err := r.ledger.log.Read(ctx, stream, from, 0)
	if err != nil {
		return nil, err
	}

	if snap != nil && len(msgs) == 0 {
		last, err := r.ledger.log.ReadLast(ctx, stream)
		if err != nil {
			return nil, err
		}
		if last == nil || last.Position < snap.Position {
			r.ledger.logger.Warn("discarding snapshot past stream tail",
				zap.String("stream", stream),
				zap.Int64("position", snap.Position),
			)
			return r.replayFrom(ctx, id, nil)
		}
	}

	if snap == nil {
		if len(msgs) == 0 {
			return nil, &NotFoundError{Category: r.kind.Category, ID: id}
		}
		ag := Replay(
			r.ledger.registry, r.kind, id, r.appliers, r.construct(), msgs,
		)
		r.maybeSnapshot(ag, len(msgs))
		return ag, nil
	}

	ag, err := FromSnapshot(
		r.ledger.registry, r.kind, id, r.appliers, r.construct(), snap, msgs,
	)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot of %s: %w", stream, err)
	}
	r.maybeSnapshot(ag, len(msgs))
	return ag, nil
}

func (r *Repository[T]) snapshot(
	ctx context.Context, stream string,
) (*Snapshot, error) {
	if r.ledger.snapshots == nil {
		return nil, nil
	}
	return r.ledger.snapshots.Get(ctx, stream)
}

func (r *Repository[T]) maybeSnapshot(ag *Aggregator[T], folded int) {
	w := r.ledger.worker
	if w == nil || folded <= r.ledger.config.Snapshot.Threshold {
		return
	}
	if snap, err := TakeSnapshot(ag); err == nil {
		w.Enqueue(snap)
	}
}

func (r *Repository[T]) loadState(
	ctx context.Context, id string,
) (*Aggregator[T], error) {
	p, err := r.ledger.provider(r.kind)
	if err != nil {
		return nil, err
	}
	rec, err := p.Load(ctx, r.kind.Category, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, &NotFoundError{Category: r.kind.Category, ID: id}
		}
		return nil, err
	}
	state, err := decodeState(rec.Data, r.construct())
	if err != nil {
		return nil, fmt.Errorf("decode state of %s-%s: %w",
			r.kind.Category, id, err)
	}
	return newAggregator(
		r.ledger.registry, r.kind, id, r.appliers, state,
		rec.Version, rec.Position,
	), nil
}
