package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

type (
	// Subscription binds a Dispatcher to one category (or AllStream) and
	// owns a durable read position. Delivery is at-least-once: the position
	// only advances after a message's handlers have all returned
	Subscription struct {
		log         EventLog
		dispatcher  *Dispatcher
		checkpoints CheckpointStore
		hub         *Hub
		logger      *zap.Logger
		metrics     Metrics
		name        string
		source      string
		config      SubscriptionConfig
	}

	// SubscriptionSpec gathers what NewSubscription needs. Hub, Logger and
	// Metrics are optional
	SubscriptionSpec struct {
		Log         EventLog
		Dispatcher  *Dispatcher
		Checkpoints CheckpointStore
		Hub         *Hub
		Logger      *zap.Logger
		Metrics     Metrics
		Name        string
		Source      string
		Config      SubscriptionConfig
	}
)

// NewSubscription validates spec and creates a Subscription
func NewSubscription(spec SubscriptionSpec) (*Subscription, error) {
	switch {
	case spec.Name == "":
		return nil, configErrorf("subscription name must not be empty")
	case !IsCategory(spec.Source) || spec.Source == "":
		return nil, configErrorf(
			"subscription %q must read a category, not %q",
			spec.Name, spec.Source,
		)
	case spec.Log == nil || spec.Dispatcher == nil || spec.Checkpoints == nil:
		return nil, configErrorf(
			"subscription %q needs a log, dispatcher and checkpoint store",
			spec.Name,
		)
	}

	cfg := spec.Config
	def := DefaultSubscriptionConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxBackoff < cfg.PollInterval {
		cfg.MaxBackoff = max(def.MaxBackoff, cfg.PollInterval)
	}
	logger := spec.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := spec.Metrics
	if metrics == nil {
		metrics = NopMetrics()
	}

	return &Subscription{
		log:         spec.Log,
		dispatcher:  spec.Dispatcher,
		checkpoints: spec.Checkpoints,
		hub:         spec.Hub,
		logger: logger.With(
			zap.String("subscription", spec.Name),
			zap.String("source", spec.Source),
		),
		metrics: metrics,
		name:    spec.Name,
		source:  spec.Source,
		config:  cfg,
	}, nil
}

// Name returns the subscription's checkpoint name
func (s *Subscription) Name() string {
	return s.name
}

// Tick reads up to one batch of messages after the stored position and
// handles them in order. It stops at the first handler error, leaving that
// message to be retried, and stops between messages when ctx is done. It
// returns the number of messages whose position was committed
func (s *Subscription) Tick(ctx context.Context) (int, error) {
	pos, err := s.checkpoints.Load(ctx, s.name)
	if err != nil {
		return 0, fmt.Errorf("load checkpoint: %w", err)
	}
	msgs, err := s.log.Read(ctx, s.source, pos+1, s.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", s.source, err)
	}

	handled := 0
	defer func() {
		s.metrics.Lag(s.name, int64(len(msgs)-handled))
	}()

	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return handled, err
		}
		if s.dispatcher.Interested(msg.Type) {
			err := s.dispatcher.Dispatch(ctx, msg)
			s.metrics.Handled(s.name, err)
			if err != nil {
				return handled, &HandlerError{Message: msg, Err: err}
			}
		}
		if err := s.checkpoints.Save(
			ctx, s.name, msg.GlobalPosition,
		); err != nil {
			return handled, fmt.Errorf("save checkpoint: %w", err)
		}
		handled++
	}
	return handled, nil
}

// Run ticks until ctx is done. It polls every PollInterval, wakes early when
// the Hub announces a message in its source, and backs off exponentially
// after failures. With MaxFailures set, that many consecutive failures end
// Run with the last error
func (s *Subscription) Run(ctx context.Context) error {
	var wake <-chan *Message
	if s.hub != nil {
		c := s.hub.NewConsumer(s.source)
		defer func() { _ = c.Close() }()
		wake = c.Receive()
	}

	s.logger.Info("subscription started")
	defer s.logger.Info("subscription stopped")

	failures := 0
	for {
		n, err := s.Tick(ctx)
		if ctx.Err() != nil {
			return nil
		}

		switch {
		case err != nil:
			failures++
			s.logger.Warn("subscription tick failed",
				zap.Int("failures", failures),
				zap.Error(err),
			)
			if mf := s.config.MaxFailures; mf > 0 && failures >= mf {
				return fmt.Errorf("subscription %s: %w", s.name, err)
			}
			if s.wait(ctx, s.backoff(failures), nil) != nil {
				return nil
			}
		case n == s.config.BatchSize:
			failures = 0
		default:
			failures = 0
			if s.wait(ctx, s.config.PollInterval, wake) != nil {
				return nil
			}
		}
	}
}

func (s *Subscription) backoff(failures int) time.Duration {
	d := s.config.PollInterval
	for range failures - 1 {
		d *= 2
		if d >= s.config.MaxBackoff {
			return s.config.MaxBackoff
		}
	}
	return d
}

func (s *Subscription) wait(
	ctx context.Context, d time.Duration, wake <-chan *Message,
) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	case <-wake:
		return nil
	}
}

// HandlerError reports the message a handler failed on
type HandlerError struct {
	Message *Message
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handle %s: %s", e.Message.Metadata.ID, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// IsHandlerError reports whether err came from a handler rather than from
// the log or checkpoint store
func IsHandlerError(err error) bool {
	var he *HandlerError
	return errors.As(err, &he)
}
