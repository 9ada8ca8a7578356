package ledger_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"github.com/kode4food/ledger"
)

// Simple counter state for testing
type CounterState struct {
	Value int `json:"value"`
}

// State-stored account for testing providers
type AccountState struct {
	Owner   string `json:"owner"`
	Balance int    `json:"balance"`
}

var (
	EventIncremented = ledger.NewTypeTag("Counter", "Incremented", "v1")
	EventDecremented = ledger.NewTypeTag("Counter", "Decremented", "v1")
	EventReset       = ledger.NewTypeTag("Counter", "Reset", "v1")
	CommandIncrement = ledger.NewTypeTag("Counter", "Increment", "v1")

	EventOpened    = ledger.NewTypeTag("Account", "Opened", "v1")
	EventDeposited = ledger.NewTypeTag("Account", "Deposited", "v1")
)

var appliers = ledger.Appliers[*CounterState]{
	EventIncremented: ledger.MakeApplier(
		func(s *CounterState, _ *ledger.Message, delta int) *CounterState {
			res := *s
			res.Value += delta
			return &res
		},
	),
	EventDecremented: ledger.MakeApplier(
		func(s *CounterState, _ *ledger.Message, delta int) *CounterState {
			res := *s
			res.Value -= delta
			return &res
		},
	),
	EventReset: func(s *CounterState, _ *ledger.Message) *CounterState {
		return &CounterState{}
	},
}

var accountAppliers = ledger.Appliers[*AccountState]{
	EventOpened: ledger.MakeApplier(
		func(s *AccountState, _ *ledger.Message, owner string) *AccountState {
			res := *s
			res.Owner = owner
			return &res
		},
	),
	EventDeposited: ledger.MakeApplier(
		func(s *AccountState, _ *ledger.Message, amt int) *AccountState {
			res := *s
			res.Balance += amt
			return &res
		},
	),
}

func newCounterState() *CounterState {
	return &CounterState{}
}

func newAccountState() *AccountState {
	return &AccountState{}
}

func newRegistry(t *testing.T) *ledger.Registry {
	t.Helper()
	reg := ledger.NewRegistry()
	reg.MustRegisterKind(ledger.Kind{
		Name:         "Counter",
		Namespace:    "Counter",
		Category:     "counter",
		EventSourced: true,
	})
	reg.MustRegisterKind(ledger.Kind{
		Name:      "Account",
		Namespace: "Account",
		Category:  "account",
	})
	assert.NoError(t, reg.RegisterEvent("Counter",
		EventIncremented, EventDecremented, EventReset,
	))
	assert.NoError(t, reg.RegisterCommand("Counter", CommandIncrement))
	assert.NoError(t, reg.RegisterEvent("Account", EventOpened, EventDeposited))
	return reg
}

func testConfig(t *testing.T) ledger.Config {
	cfg := ledger.DefaultConfig()
	cfg.Logger = zaptest.NewLogger(t)
	return cfg
}

func newTestLedger(
	t *testing.T, log ledger.EventLog, opts ...ledger.Option,
) *ledger.Ledger {
	return newTestLedgerWithConfig(t, log, testConfig(t), opts...)
}

func newTestLedgerWithConfig(
	t *testing.T, log ledger.EventLog, cfg ledger.Config,
	opts ...ledger.Option,
) *ledger.Ledger {
	t.Helper()
	opts = append([]ledger.Option{
		ledger.WithProvider(ledger.DefaultProvider, ledger.NewMemoryProvider()),
	}, opts...)
	l, err := ledger.NewLedger(log, newRegistry(t), cfg, opts...)
	assert.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func newCounterRepo(
	t *testing.T, l *ledger.Ledger,
) *ledger.Repository[*CounterState] {
	t.Helper()
	repo, err := ledger.NewRepository(l, "Counter", appliers, newCounterState)
	assert.NoError(t, err)
	return repo
}

func newAccountRepo(
	t *testing.T, l *ledger.Ledger,
) *ledger.Repository[*AccountState] {
	t.Helper()
	repo, err := ledger.NewRepository(
		l, "Account", accountAppliers, newAccountState,
	)
	assert.NoError(t, err)
	return repo
}

func increment(n int) ledger.Command[*CounterState] {
	return func(_ *CounterState, ag *ledger.Aggregator[*CounterState]) error {
		return ledger.Raise(ag, EventIncremented, n)
	}
}

// appendEvents writes raw events to a counter stream outside of any
// aggregate
func appendEvents(
	t *testing.T, log ledger.EventLog, stream string,
	expected ledger.ExpectedVersion, deltas ...int,
) *ledger.AppendResult {
	t.Helper()
	res, err := log.Append(
		context.Background(), stream, expected, rawEvents(t, deltas...),
	)
	assert.NoError(t, err)
	return res
}

func rawEvents(t *testing.T, deltas ...int) []*ledger.Message {
	t.Helper()
	msgs := make([]*ledger.Message, len(deltas))
	for i, d := range deltas {
		msgs[i] = &ledger.Message{
			Type: EventIncremented,
			Data: mustJSON(t, d),
		}
	}
	return msgs
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	assert.NoError(t, err)
	return data
}

func TestNewLedgerValidation(t *testing.T) {
	reg := newRegistry(t)

	_, err := ledger.NewLedger(nil, reg, ledger.DefaultConfig())
	assert.ErrorIs(t, err, ledger.ErrConfiguration)

	_, err = ledger.NewLedger(ledger.NewMemoryLog(), nil, ledger.DefaultConfig())
	assert.ErrorIs(t, err, ledger.ErrConfiguration)

	cfg := ledger.DefaultConfig()
	cfg.Dispatch = ledger.DispatchSync
	_, err = ledger.NewLedger(ledger.NewMemoryLog(), reg, cfg)
	assert.ErrorIs(t, err, ledger.ErrConfiguration)

	cfg.MaxRetries = 0
	l, err := ledger.NewLedger(ledger.NewMemoryLog(), reg, cfg,
		ledger.WithDispatcher(ledger.NewDispatcher(reg)),
	)
	assert.NoError(t, err)
	assert.Equal(t, ledger.DefaultMaxRetries, l.Config().MaxRetries)
	assert.Same(t, reg, l.Registry())
	assert.NotNil(t, l.Hub())
	assert.NoError(t, l.Close())
}

func TestRepositoryNeedsProvider(t *testing.T) {
	reg := newRegistry(t)
	l, err := ledger.NewLedger(ledger.NewMemoryLog(), reg, testConfig(t))
	assert.NoError(t, err)
	defer func() { _ = l.Close() }()

	_, err = ledger.NewRepository(l, "Account", accountAppliers, newAccountState)
	assert.ErrorIs(t, err, ledger.ErrConfiguration)

	_, err = ledger.NewRepository(l, "Missing", appliers, newCounterState)
	assert.ErrorIs(t, err, ledger.ErrConfiguration)
}
