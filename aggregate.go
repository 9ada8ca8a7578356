package ledger

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type (
	// Aggregate is the non-generic view of an Aggregator that a UnitOfWork
	// tracks
	Aggregate interface {
		ID() string
		Kind() *Kind
		Stream() string
		Version() int64
		Position() int64
		Pending() []*Message
		StateRecord() (*StateRecord, error)

		markCommitted(tail int64)
		succeed()
	}

	// Aggregator maintains aggregate state and tracks messages raised during
	// a commit cycle. It is not safe for concurrent use
	Aggregator[T any] struct {
		value    T
		appliers Appliers[T]
		kind     *Kind
		registry *Registry
		id       string
		pending  []*Message
		success  []SuccessAction[T]
		version  int64
		position int64
	}

	// SuccessAction receives the Aggregator's final value once the commit
	// that persisted it has fully succeeded
	SuccessAction[T any] func(T)
)

var _ Aggregate = (*Aggregator[any])(nil)

// NewID issues a random aggregate id
func NewID() string {
	return uuid.NewString()
}

// NewAggregator creates an Aggregator with no history: version 0 and no
// stream. A non-nil registry validates every raised message
func NewAggregator[T any](
	reg *Registry, kind *Kind, id string, appliers Appliers[T], init T,
) *Aggregator[T] {
	return newAggregator(reg, kind, id, appliers, init, 0, -1)
}

func newAggregator[T any](
	reg *Registry, kind *Kind, id string, appliers Appliers[T], init T,
	version, position int64,
) *Aggregator[T] {
	return &Aggregator[T]{
		registry: reg,
		kind:     kind,
		id:       id,
		appliers: appliers,
		value:    init,
		version:  version,
		position: position,
		pending:  []*Message{},
	}
}

// ID returns the aggregate's identifier
func (a *Aggregator[_]) ID() string {
	return a.id
}

// Kind returns the aggregate's registered Kind
func (a *Aggregator[_]) Kind() *Kind {
	return a.kind
}

// Stream returns the name of the aggregate's event stream
func (a *Aggregator[_]) Stream() string {
	return EventStream(a.kind.Category, a.id)
}

// Value returns the aggregate's current state
func (a *Aggregator[T]) Value() T {
	return a.value
}

// Version returns the number of successful commits of the aggregate
func (a *Aggregator[_]) Version() int64 {
	return a.version
}

// Position returns the tail of the aggregate's event stream as last seen by
// this Aggregator, or -1 if it has none
func (a *Aggregator[_]) Position() int64 {
	return a.position
}

// Pending returns the messages raised since the last commit
func (a *Aggregator[_]) Pending() []*Message {
	return a.pending
}

// OnSuccess registers an action to run once the aggregate's commit succeeds
func (a *Aggregator[T]) OnSuccess(fn SuccessAction[T]) {
	a.success = append(a.success, fn)
}

// Apply updates the aggregate state using the applier for the message
func (a *Aggregator[T]) Apply(msg *Message) {
	if apply, ok := a.appliers[msg.Type]; ok {
		a.value = apply(a.value, msg)
	}
}

// StateRecord serializes the aggregate's state for a storage Provider
func (a *Aggregator[_]) StateRecord() (*StateRecord, error) {
	data, err := json.Marshal(a.value)
	if err != nil {
		return nil, err
	}
	return &StateRecord{
		Category: a.kind.Category,
		ID:       a.id,
		Version:  a.version,
		Position: a.position,
		Data:     data,
	}, nil
}

func (a *Aggregator[T]) raise(tag TypeTag, value any) error {
	if a.registry != nil {
		if err := a.registry.Check(a.kind, tag, EventKind); err != nil {
			return err
		}
	}
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	env := Envelope{
		Category:    a.kind.Category,
		AggregateID: a.id,
		Version:     a.version,
		Position:    a.position,
	}
	msg := env.Stamp(EventKind, tag, data, len(a.pending)+1, time.Now())
	a.pending = append(a.pending, msg)
	a.Apply(msg)
	return nil
}

func (a *Aggregator[_]) markCommitted(tail int64) {
	if len(a.pending) > 0 {
		a.position = tail
	}
	a.version++
	a.pending = []*Message{}
}

func (a *Aggregator[T]) succeed() {
	for _, fn := range a.success {
		fn(a.value)
	}
	a.success = nil
}

// Raise marshals the value, applies it to the aggregate's state and queues it
// for the next commit
func Raise[T, V any](ag *Aggregator[T], tag TypeTag, value V) error {
	return ag.raise(tag, value)
}
