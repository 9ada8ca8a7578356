package ledger

import (
	"context"
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"go.uber.org/zap"
)

type (
	// UnitOfWork coordinates the mutation of aggregates, the append of their
	// messages, and the dispatch of outbound messages as one commit. It is
	// confined to a single goroutine and is used exactly once
	UnitOfWork struct {
		ledger  *Ledger
		logger  *zap.Logger
		tracked map[identity]*tracked
		id      string
		queue   []*outbound
		state   UnitOfWorkState
	}

	// UnitOfWorkState is a step in a UnitOfWork's lifecycle
	UnitOfWorkState uint8

	// ChangeSet lists the aggregates a UnitOfWork will write to one
	// storage provider
	ChangeSet struct {
		Added   []Aggregate
		Updated []Aggregate
		Removed []Aggregate
	}

	identity struct {
		provider string
		category string
		id       string
	}

	tracked struct {
		ag Aggregate
		op changeOp
	}

	// outbound is one entry of the FIFO queue: either a tracked aggregate
	// whose messages are expanded at commit, or a single message
	outbound struct {
		key    *identity
		msg    *Message
		stream string
		logged bool
		index  int
	}

	changeOp uint8

	uowKey struct{}
)

const (
	Inactive UnitOfWorkState = iota
	Active
	Committing
	Committed
	RollingBack
	RolledBack
)

const (
	opAdded changeOp = iota
	opUpdated
	opRemoved
)

var stateNames = map[UnitOfWorkState]string{
	Inactive:    "inactive",
	Active:      "active",
	Committing:  "committing",
	Committed:   "committed",
	RollingBack: "rolling back",
	RolledBack:  "rolled back",
}

func (s UnitOfWorkState) String() string {
	return stateNames[s]
}

// WithUnitOfWork returns a context carrying u
func WithUnitOfWork(ctx context.Context, u *UnitOfWork) context.Context {
	return context.WithValue(ctx, uowKey{}, u)
}

// FromContext returns the UnitOfWork carried by ctx
func FromContext(ctx context.Context) (*UnitOfWork, bool) {
	u, ok := ctx.Value(uowKey{}).(*UnitOfWork)
	return u, ok
}

// ActiveFromContext returns the UnitOfWork carried by ctx if it is active
func ActiveFromContext(ctx context.Context) (*UnitOfWork, error) {
	u, ok := FromContext(ctx)
	if !ok || u.state != Active {
		return nil, ErrNoUnitOfWork
	}
	return u, nil
}

func newUnitOfWork(l *Ledger) *UnitOfWork {
	id := gonanoid.Must()
	return &UnitOfWork{
		ledger:  l,
		id:      id,
		logger:  l.logger.With(zap.String("uow", id)),
		tracked: map[identity]*tracked{},
		state:   Inactive,
	}
}

// ID returns the unit of work's identifier, used in logs
func (u *UnitOfWork) ID() string {
	return u.id
}

// State returns the current lifecycle state
func (u *UnitOfWork) State() UnitOfWorkState {
	return u.state
}

func (u *UnitOfWork) begin() error {
	if u.state != Inactive {
		return u.stateError("begin")
	}
	u.state = Active
	return nil
}

// Register tracks ag so that its pending messages are appended and, for
// state-stored kinds, its state is saved on commit. Registering the same
// identity again replaces the tracked instance
func (u *UnitOfWork) Register(ag Aggregate) error {
	if u.state != Active {
		return u.stateError("register")
	}
	op := opUpdated
	if ag.Version() == 0 && ag.Position() < 0 {
		op = opAdded
	}
	u.track(ag, op)
	return nil
}

// Remove tracks ag for deletion from its storage provider. Event-sourced
// aggregates can't be removed
func (u *UnitOfWork) Remove(ag Aggregate) error {
	if u.state != Active {
		return u.stateError("remove")
	}
	if ag.Kind().EventSourced {
		return configErrorf(
			"event-sourced kind %q can't be removed", ag.Kind().Name,
		)
	}
	u.track(ag, opRemoved)
	return nil
}

func (u *UnitOfWork) track(ag Aggregate, op changeOp) {
	key := identityOf(ag)
	if t, ok := u.tracked[key]; ok {
		t.ag = ag
		if op == opRemoved || t.op != opAdded {
			t.op = op
		}
		return
	}
	u.tracked[key] = &tracked{ag: ag, op: op}
	u.queue = append(u.queue, &outbound{key: &key})
}

// Lookup returns the aggregate tracked under kind and id
func (u *UnitOfWork) Lookup(kind *Kind, id string) (Aggregate, bool) {
	key := identity{provider: kind.Provider, category: kind.Category, id: id}
	if t, ok := u.tracked[key]; ok {
		return t.ag, true
	}
	return nil, false
}

// RegisterMessage queues a message that is not written to the log. It is
// handed to the Transport only if the commit succeeds
func (u *UnitOfWork) RegisterMessage(stream string, msg *Message) error {
	if u.state != Active {
		return u.stateError("register message")
	}
	u.queue = append(u.queue, &outbound{stream: stream, msg: msg})
	return nil
}

// RegisterCommand queues a command to be appended to its command stream and
// then dispatched
func (u *UnitOfWork) RegisterCommand(msg *Message) error {
	if u.state != Active {
		return u.stateError("register command")
	}
	if msg.Metadata.Kind != CommandKind || !IsCommandStream(msg.Stream) {
		return configErrorf("%q is not addressed as a command", msg.Type)
	}
	u.queue = append(u.queue, &outbound{
		stream: msg.Stream,
		msg:    msg,
		logged: true,
	})
	return nil
}

// Changes returns the change set of every storage provider touched so far
func (u *UnitOfWork) Changes() map[string]ChangeSet {
	res := map[string]ChangeSet{}
	for _, e := range u.queue {
		if e.key == nil {
			continue
		}
		t := u.tracked[*e.key]
		cs := res[e.key.provider]
		switch t.op {
		case opAdded:
			cs.Added = append(cs.Added, t.ag)
		case opUpdated:
			cs.Updated = append(cs.Updated, t.ag)
		case opRemoved:
			cs.Removed = append(cs.Removed, t.ag)
		}
		res[e.key.provider] = cs
	}
	return res
}

// Rollback discards everything tracked without touching storage
func (u *UnitOfWork) Rollback() error {
	if u.state != Active {
		return u.stateError("roll back")
	}
	u.state = RollingBack
	u.discard()
	u.state = RolledBack
	u.logger.Debug("unit of work rolled back")
	return nil
}

// Commit appends every pending message, saves state-stored aggregates, and
// dispatches the outbound queue in registration order. A concurrency
// conflict aborts before anything is written. Failures after the log was
// written are returned as *CommitError
func (u *UnitOfWork) Commit(ctx context.Context) error {
	if u.state != Active {
		return u.stateError("commit")
	}
	u.state = Committing

	start := time.Now()
	err := u.commit(ctx)
	u.ledger.metrics.Committed(time.Since(start), err)

	if err != nil {
		u.discard()
		u.state = RolledBack
		u.logger.Debug("unit of work commit failed", zap.Error(err))
		return err
	}
	u.state = Committed
	for _, e := range u.queue {
		if e.key != nil {
			u.tracked[*e.key].ag.succeed()
		}
	}
	return nil
}

func (u *UnitOfWork) commit(ctx context.Context) error {
	reqs, err := u.plan(ctx)
	if err != nil {
		return err
	}
	if err := u.checkProviders(); err != nil {
		return err
	}

	start := time.Now()
	results, err := AppendAll(ctx, u.ledger.log, reqs)
	if err != nil {
		u.recordConflict(err)
		return err
	}

	committed := make(map[string][]*Message, len(results))
	appended := make([]string, 0, len(results))
	for _, r := range results {
		committed[r.Stream] = r.Messages
		appended = append(appended, r.Stream)
		u.ledger.metrics.Appended(
			CategoryOf(r.Stream), len(r.Messages), time.Since(start),
		)
	}

	if err := u.flushProviders(ctx, committed); err != nil {
		if len(appended) == 0 {
			return err
		}
		return &CommitError{Appended: appended, Err: err}
	}

	for _, e := range u.queue {
		if e.key == nil {
			continue
		}
		ag := u.tracked[*e.key].ag
		if msgs, ok := committed[ag.Stream()]; ok {
			ag.markCommitted(tailOf(msgs))
		} else if !ag.Kind().EventSourced {
			ag.markCommitted(ag.Position())
		}
	}

	if err := u.dispatch(ctx, committed); err != nil {
		return &CommitError{Appended: appended, Err: err}
	}

	u.logger.Debug("unit of work committed",
		zap.Int("streams", len(appended)),
		zap.Int("outbound", len(u.queue)),
	)
	return nil
}

// plan builds one append request per stream, in queue order
func (u *UnitOfWork) plan(ctx context.Context) ([]AppendRequest, error) {
	var reqs []AppendRequest
	byStream := map[string]int{}

	for _, e := range u.queue {
		switch {
		case e.key != nil:
			ag := u.tracked[*e.key].ag
			pending := ag.Pending()
			if len(pending) == 0 {
				continue
			}
			byStream[ag.Stream()] = len(reqs)
			reqs = append(reqs, AppendRequest{
				Stream:   ag.Stream(),
				Expected: ExpectTail(ag.Position()),
				Messages: pending,
			})

		case e.logged:
			if i, ok := byStream[e.stream]; ok {
				e.index = len(reqs[i].Messages)
				reqs[i].Messages = append(reqs[i].Messages, e.msg)
				continue
			}
			last, err := u.ledger.log.ReadLast(ctx, e.stream)
			if err != nil {
				return nil, err
			}
			tail := int64(-1)
			if last != nil {
				tail = last.Position
			}
			byStream[e.stream] = len(reqs)
			reqs = append(reqs, AppendRequest{
				Stream:   e.stream,
				Expected: ExpectTail(tail),
				Messages: []*Message{e.msg},
			})
		}
	}
	return reqs, nil
}

func (u *UnitOfWork) checkProviders() error {
	for _, e := range u.queue {
		if e.key == nil {
			continue
		}
		k := u.tracked[*e.key].ag.Kind()
		if k.EventSourced {
			continue
		}
		if _, err := u.ledger.provider(k); err != nil {
			return err
		}
	}
	return nil
}

func (u *UnitOfWork) flushProviders(
	ctx context.Context, committed map[string][]*Message,
) error {
	var names []string
	ops := map[string][]StateOp{}

	for _, e := range u.queue {
		if e.key == nil {
			continue
		}
		t := u.tracked[*e.key]
		k := t.ag.Kind()
		if k.EventSourced {
			continue
		}
		op, err := stateOpFor(t, committed)
		if err != nil {
			return err
		}
		if _, ok := ops[k.Provider]; !ok {
			names = append(names, k.Provider)
		}
		ops[k.Provider] = append(ops[k.Provider], op)
	}

	for _, name := range names {
		p := u.ledger.providers[name]
		if err := ApplyStateOps(ctx, p, ops[name]); err != nil {
			return fmt.Errorf("provider %q: %w", name, err)
		}
	}
	return nil
}

func stateOpFor(
	t *tracked, committed map[string][]*Message,
) (StateOp, error) {
	ag := t.ag
	if t.op == opRemoved {
		return StateOp{
			Category: ag.Kind().Category,
			ID:       ag.ID(),
			Expected: ag.Version(),
			Delete:   true,
		}, nil
	}
	rec, err := ag.StateRecord()
	if err != nil {
		return StateOp{}, err
	}
	rec.Version = ag.Version() + 1
	if msgs, ok := committed[ag.Stream()]; ok {
		rec.Position = tailOf(msgs)
	}
	return StateOp{
		Category: rec.Category,
		ID:       rec.ID,
		Record:   rec,
		Expected: ag.Version(),
	}, nil
}

func (u *UnitOfWork) dispatch(
	ctx context.Context, committed map[string][]*Message,
) error {
	var out []*outbound
	var logged []*Message
	for _, e := range u.queue {
		switch {
		case e.key != nil:
			ag := u.tracked[*e.key].ag
			for _, m := range committed[ag.Stream()] {
				out = append(out, &outbound{stream: m.Stream, msg: m})
				logged = append(logged, m)
			}
		case e.logged:
			m := committed[e.stream][e.index]
			out = append(out, &outbound{stream: m.Stream, msg: m})
			logged = append(logged, m)
		default:
			out = append(out, e)
		}
	}

	if u.ledger.hub != nil && len(logged) > 0 {
		u.ledger.hub.Publish(logged...)
	}

	for _, e := range out {
		if t := u.ledger.transport; t != nil {
			id, err := t.Publish(ctx, e.stream, e.msg)
			if err != nil {
				return fmt.Errorf("publish %s: %w", e.msg.Metadata.ID, err)
			}
			u.logger.Debug("message published",
				zap.String("stream", e.stream),
				zap.String("type", string(e.msg.Type)),
				zap.String("delivery_id", id),
			)
		}
		if d := u.ledger.dispatcher; d != nil &&
			u.ledger.config.Dispatch == DispatchSync {
			if err := d.Dispatch(ctx, e.msg); err != nil {
				return fmt.Errorf("dispatch %s: %w", e.msg.Metadata.ID, err)
			}
		}
		u.ledger.metrics.Dispatched(CategoryOf(e.stream), 1)
	}
	return nil
}

func (u *UnitOfWork) recordConflict(err error) {
	if cc, ok := asConflict(err); ok {
		u.ledger.metrics.Conflict(CategoryOf(cc.Stream))
		u.logger.Debug("concurrency conflict",
			zap.String("stream", cc.Stream),
			zap.Stringer("expected", cc.Expected),
			zap.Int64("actual", cc.Actual),
		)
	}
}

func (u *UnitOfWork) discard() {
	u.tracked = map[identity]*tracked{}
	u.queue = nil
}

func (u *UnitOfWork) stateError(op string) error {
	return fmt.Errorf("%w: can't %s while %s", ErrUnitOfWorkState, op, u.state)
}

func identityOf(ag Aggregate) identity {
	k := ag.Kind()
	return identity{provider: k.Provider, category: k.Category, id: ag.ID()}
}
