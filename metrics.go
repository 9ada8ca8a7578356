package ledger

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type (
	// Metrics receives operational measurements from the Ledger and its
	// subscriptions. Labels are categories rather than streams to keep
	// cardinality bounded
	Metrics interface {
		Appended(category string, count int, elapsed time.Duration)
		Conflict(category string)
		Committed(elapsed time.Duration, err error)
		Dispatched(category string, count int)
		Handled(subscription string, err error)
		Lag(subscription string, lag int64)
	}

	// PrometheusMetrics exports Metrics as Prometheus collectors
	PrometheusMetrics struct {
		appendLatency *prometheus.HistogramVec
		appended      *prometheus.CounterVec
		conflicts     *prometheus.CounterVec
		commits       *prometheus.CounterVec
		commitLatency prometheus.Histogram
		dispatched    *prometheus.CounterVec
		handled       *prometheus.CounterVec
		lag           *prometheus.GaugeVec
	}

	nopMetrics struct{}
)

const metricsNamespace = "ledger"

var (
	_ Metrics = (*PrometheusMetrics)(nil)
	_ Metrics = nopMetrics{}
)

// NopMetrics returns a Metrics that discards everything
func NopMetrics() Metrics {
	return nopMetrics{}
}

func (nopMetrics) Appended(string, int, time.Duration) {}
func (nopMetrics) Conflict(string)                     {}
func (nopMetrics) Committed(time.Duration, error)      {}
func (nopMetrics) Dispatched(string, int)              {}
func (nopMetrics) Handled(string, error)               {}
func (nopMetrics) Lag(string, int64)                   {}

// NewPrometheusMetrics creates the collectors and registers them with reg.
// Collectors already registered by an earlier call are reused
func NewPrometheusMetrics(
	reg prometheus.Registerer,
) (*PrometheusMetrics, error) {
	m := &PrometheusMetrics{
		appendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "append_duration_seconds",
			Help:      "Latency of appends to the event log",
			Buckets:   prometheus.DefBuckets,
		}, []string{"category"}),
		appended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_appended_total",
			Help:      "Messages appended to the event log",
		}, []string{"category"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "concurrency_conflicts_total",
			Help:      "Appends rejected by the expected version check",
		}, []string{"category"}),
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "commits_total",
			Help:      "Unit of work commits by outcome",
		}, []string{"outcome"}),
		commitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "commit_duration_seconds",
			Help:      "Latency of unit of work commits",
			Buckets:   prometheus.DefBuckets,
		}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_dispatched_total",
			Help:      "Committed messages handed to transport or handlers",
		}, []string{"category"}),
		handled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "subscription_handled_total",
			Help:      "Messages handled by subscriptions by outcome",
		}, []string{"subscription", "outcome"}),
		lag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "subscription_lag",
			Help:      "Messages read but not yet checkpointed",
		}, []string{"subscription"}),
	}

	errs := []error{
		register(reg, &m.appendLatency),
		register(reg, &m.appended),
		register(reg, &m.conflicts),
		register(reg, &m.commits),
		register(reg, &m.commitLatency),
		register(reg, &m.dispatched),
		register(reg, &m.handled),
		register(reg, &m.lag),
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *PrometheusMetrics) Appended(
	category string, count int, elapsed time.Duration,
) {
	m.appendLatency.WithLabelValues(category).Observe(elapsed.Seconds())
	m.appended.WithLabelValues(category).Add(float64(count))
}

func (m *PrometheusMetrics) Conflict(category string) {
	m.conflicts.WithLabelValues(category).Inc()
}

func (m *PrometheusMetrics) Committed(elapsed time.Duration, err error) {
	m.commitLatency.Observe(elapsed.Seconds())
	m.commits.WithLabelValues(outcome(err)).Inc()
}

func (m *PrometheusMetrics) Dispatched(category string, count int) {
	m.dispatched.WithLabelValues(category).Add(float64(count))
}

func (m *PrometheusMetrics) Handled(subscription string, err error) {
	m.handled.WithLabelValues(subscription, outcome(err)).Inc()
}

func (m *PrometheusMetrics) Lag(subscription string, lag int64) {
	m.lag.WithLabelValues(subscription).Set(float64(lag))
}

func register[C prometheus.Collector](reg prometheus.Registerer, c *C) error {
	if reg == nil {
		return nil
	}
	err := reg.Register(*c)
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			*c = existing
			return nil
		}
	}
	return err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case IsConflict(err):
		return "conflict"
	default:
		return "error"
	}
}
