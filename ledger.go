package ledger

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

type (
	// Ledger ties an EventLog to the registry, storage providers, transport
	// and dispatcher that a UnitOfWork commits through
	Ledger struct {
		log        EventLog
		registry   *Registry
		providers  map[string]Provider
		transport  Transport
		dispatcher *Dispatcher
		hub        *Hub
		snapshots  SnapshotStore
		worker     *SnapshotWorker
		logger     *zap.Logger
		metrics    Metrics
		config     Config
	}

	// Option configures a Ledger
	Option func(*Ledger)

	// TransactFunc is the body of a Transact call
	TransactFunc func(ctx context.Context, uow *UnitOfWork) error
)

// WithProvider registers a storage provider under name
func WithProvider(name string, p Provider) Option {
	return func(l *Ledger) {
		l.providers[name] = p
	}
}

// WithTransport sets the Transport outbound messages are published to
func WithTransport(t Transport) Option {
	return func(l *Ledger) {
		l.transport = t
	}
}

// WithDispatcher sets the Dispatcher used in DispatchSync mode
func WithDispatcher(d *Dispatcher) Option {
	return func(l *Ledger) {
		l.dispatcher = d
	}
}

// WithSnapshotStore enables snapshots for event-sourced aggregates
func WithSnapshotStore(s SnapshotStore) Option {
	return func(l *Ledger) {
		l.snapshots = s
	}
}

// WithHub replaces the Hub that committed messages are announced on
func WithHub(h *Hub) Option {
	return func(l *Ledger) {
		l.hub = h
	}
}

// NewLedger creates a Ledger around log. Missing Config fields take their
// defaults
func NewLedger(
	log EventLog, reg *Registry, cfg Config, opts ...Option,
) (*Ledger, error) {
	if log == nil {
		return nil, configErrorf("event log is required")
	}
	if reg == nil {
		return nil, configErrorf("registry is required")
	}
	cfg = cfg.withDefaults()

	l := &Ledger{
		log:       log,
		registry:  reg,
		providers: map[string]Provider{},
		hub:       NewHub(),
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		config:    cfg,
	}
	for _, opt := range opts {
		opt(l)
	}

	if cfg.Dispatch == DispatchSync && l.dispatcher == nil {
		return nil, configErrorf("synchronous dispatch requires a dispatcher")
	}
	if l.snapshots != nil && cfg.Snapshot.Enabled {
		l.worker = NewSnapshotWorker(l.snapshots, cfg.Snapshot, l.logger)
	}
	return l, nil
}

// Log returns the underlying EventLog
func (l *Ledger) Log() EventLog {
	return l.log
}

// Registry returns the message registry
func (l *Ledger) Registry() *Registry {
	return l.registry
}

// Hub returns the Hub committed messages are announced on
func (l *Ledger) Hub() *Hub {
	return l.hub
}

// Config returns the effective configuration
func (l *Ledger) Config() Config {
	return l.config
}

// Begin starts a UnitOfWork and returns a context carrying it. It fails with
// ErrNestedUnitOfWork if ctx already carries an active one
func (l *Ledger) Begin(
	ctx context.Context,
) (context.Context, *UnitOfWork, error) {
	if u, ok := FromContext(ctx); ok && u.state == Active {
		return ctx, nil, ErrNestedUnitOfWork
	}
	u := newUnitOfWork(l)
	if err := u.begin(); err != nil {
		return ctx, nil, err
	}
	return WithUnitOfWork(ctx, u), u, nil
}

// Transact runs fn inside a new UnitOfWork, committing if fn succeeds and
// rolling back if it fails or panics
func (l *Ledger) Transact(ctx context.Context, fn TransactFunc) (err error) {
	ctx, u, err := l.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			_ = u.Rollback()
			panic(r)
		}
	}()

	if err := fn(ctx, u); err != nil {
		if rbErr := u.Rollback(); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	return u.Commit(ctx)
}

// SubmitCommand appends a command to its command stream and dispatches it,
// retrying when another writer appended to the same stream concurrently
func (l *Ledger) SubmitCommand(ctx context.Context, msg *Message) error {
	var err error
	for range l.config.MaxRetries {
		err = l.Transact(ctx, func(_ context.Context, u *UnitOfWork) error {
			return u.RegisterCommand(msg)
		})
		if !IsConflict(err) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, err)
}

// Subscribe creates a Subscription reading source through the Ledger's log,
// woken by the Ledger's Hub
func (l *Ledger) Subscribe(
	name, source string, d *Dispatcher, cps CheckpointStore,
) (*Subscription, error) {
	return NewSubscription(SubscriptionSpec{
		Name:        name,
		Source:      source,
		Log:         l.log,
		Dispatcher:  d,
		Checkpoints: cps,
		Hub:         l.hub,
		Logger:      l.logger,
		Metrics:     l.metrics,
		Config:      l.config.Subscription,
	})
}

// Close stops background work owned by the Ledger
func (l *Ledger) Close() error {
	if l.worker != nil {
		l.worker.Stop()
	}
	return nil
}

func (l *Ledger) provider(k *Kind) (Provider, error) {
	p, ok := l.providers[k.Provider]
	if !ok {
		return nil, configErrorf(
			"kind %q uses unknown provider %q", k.Name, k.Provider,
		)
	}
	return p, nil
}
