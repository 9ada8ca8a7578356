package ledger

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Runner runs several subscriptions concurrently. The first one to fail
// cancels the rest
type Runner struct {
	subs []*Subscription
}

// NewRunner returns a Runner for subs
func NewRunner(subs ...*Subscription) *Runner {
	return &Runner{subs: subs}
}

// Add appends a subscription to the Runner. It must be called before Run
func (r *Runner) Add(s *Subscription) {
	r.subs = append(r.subs, s)
}

// Run blocks until ctx is done or a subscription fails, returning the first
// failure
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, s := range r.subs {
		g.Go(func() error {
			return s.Run(ctx)
		})
	}
	return g.Wait()
}

// Tick runs one tick of every subscription in order, returning the total
// number of messages handled. Useful for tests and batch catch-up
func (r *Runner) Tick(ctx context.Context) (int, error) {
	total := 0
	for _, s := range r.subs {
		n, err := s.Tick(ctx)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
