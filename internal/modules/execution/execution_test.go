package execution

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/helmsman/internal/clients/paper"
	"github.com/quantfold/helmsman/internal/domain"
	"github.com/quantfold/helmsman/internal/events"
	"github.com/quantfold/helmsman/internal/modules/ledger"
)

// fakeRuns is an in-memory RunStore with the same CAS semantics as the
// SQLite-backed store.
type fakeRuns struct {
	mu      sync.Mutex
	runs    map[string]*domain.RunRecord
	trades  map[string][]*domain.TradeStatus
	day     map[string]decimal.Decimal
	claimed map[string]bool
}

var _ RunStore = (*fakeRuns)(nil)

func newFakeRuns() *fakeRuns {
	return &fakeRuns{
		runs:    make(map[string]*domain.RunRecord),
		trades:  make(map[string][]*domain.TradeStatus),
		day:     make(map[string]decimal.Decimal),
		claimed: make(map[string]bool),
	}
}

func (f *fakeRuns) create(runID string, trades ...domain.TradeStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[runID] = &domain.RunRecord{
		RunID:         runID,
		PlanID:        "plan-1",
		CorrelationID: "corr-1",
		Status:        domain.RunPending,
		TotalTrades:   len(trades),
		CreatedAt:     time.Now().UTC(),
		ExpiresAt:     time.Now().UTC().Add(domain.RunRecordTTL),
	}
	for i := range trades {
		t := trades[i]
		t.RunID = runID
		if t.Status == "" {
			t.Status = domain.TradePending
		}
		f.trades[runID] = append(f.trades[runID], &t)
	}
	f.day[runID] = decimal.Zero
}

func (f *fakeRuns) find(runID, tradeID string) *domain.TradeStatus {
	for _, t := range f.trades[runID] {
		if t.TradeID == tradeID {
			return t
		}
	}
	return nil
}

func (f *fakeRuns) GetRun(_ context.Context, runID string) (*domain.RunRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
	}
	snapshot := *run
	snapshot.DayTradedValue = f.day[runID]
	for _, t := range f.trades[runID] {
		switch t.Status {
		case domain.TradePending:
			snapshot.PendingTradeIDs = append(snapshot.PendingTradeIDs, t.TradeID)
		case domain.TradeRunning:
			snapshot.RunningTradeIDs = append(snapshot.RunningTradeIDs, t.TradeID)
		case domain.TradeCompleted:
			snapshot.CompletedIDs = append(snapshot.CompletedIDs, t.TradeID)
		case domain.TradeFailed:
			snapshot.FailedIDs = append(snapshot.FailedIDs, t.TradeID)
		}
	}
	return &snapshot, nil
}

func (f *fakeRuns) GetTrade(_ context.Context, runID, tradeID string) (*domain.TradeStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.find(runID, tradeID)
	if t == nil {
		return nil, fmt.Errorf("%w: %s/%s", domain.ErrTradeNotFound, runID, tradeID)
	}
	snapshot := *t
	return &snapshot, nil
}

func (f *fakeRuns) ListTrades(_ context.Context, runID string) ([]domain.TradeStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var sells, buys []domain.TradeStatus
	for _, t := range f.trades[runID] {
		if t.Phase == domain.PhaseSell {
			sells = append(sells, *t)
		} else {
			buys = append(buys, *t)
		}
	}
	return append(sells, buys...), nil
}

func (f *fakeRuns) MarkStarted(_ context.Context, runID, tradeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.find(runID, tradeID)
	if t == nil {
		return fmt.Errorf("%w: %s/%s", domain.ErrTradeNotFound, runID, tradeID)
	}
	if t.Status != domain.TradePending {
		return fmt.Errorf("%w: trade %s is not PENDING", domain.ErrCASConflict, tradeID)
	}
	now := time.Now().UTC()
	t.Status = domain.TradeRunning
	t.StartedAt = &now
	if run := f.runs[runID]; run.Status == domain.RunPending {
		run.Status = domain.RunRunning
	}
	return nil
}

func (f *fakeRuns) MarkCompleted(_ context.Context, runID, tradeID string, success bool, orderID, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.find(runID, tradeID)
	if t == nil {
		return fmt.Errorf("%w: %s/%s", domain.ErrTradeNotFound, runID, tradeID)
	}
	if t.Status.IsTerminal() {
		return fmt.Errorf("%w: trade %s already terminal", domain.ErrCASConflict, tradeID)
	}
	now := time.Now().UTC()
	t.OrderID = orderID
	t.Error = errMsg
	t.CompletedAt = &now
	run := f.runs[runID]
	run.CompletedTrades++
	if success {
		t.Status = domain.TradeCompleted
		run.SucceededTrades++
	} else {
		t.Status = domain.TradeFailed
		run.FailedTrades++
	}
	return nil
}

func (f *fakeRuns) AddDayTradedValue(_ context.Context, runID string, delta, cap decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.runs[runID]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
	}
	next := f.day[runID].Add(delta.Abs())
	if next.GreaterThan(cap) {
		return fmt.Errorf("%w: adding %s would exceed %s", domain.ErrDailyLimitExceeded, delta.Abs(), cap)
	}
	f.day[runID] = next
	return nil
}

func (f *fakeRuns) GetDailyTradedValue(_ context.Context, runID string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.day[runID], nil
}

func (f *fakeRuns) TryClaimCompletion(_ context.Context, runID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimed[runID] {
		return false, nil
	}
	f.claimed[runID] = true
	return true, nil
}

func (f *fakeRuns) SetRunStatus(_ context.Context, runID string, status domain.RunStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
	}
	run.Status = status
	return nil
}

// fakeQuotes never has a streamed quote, so pricing exercises the REST
// snapshot fallback against the simulator. Seed entries to test the
// streamed path.
type fakeQuotes struct {
	mu     sync.Mutex
	quotes map[string]domain.Quote
	pins   map[string]int
}

var _ QuoteSource = (*fakeQuotes)(nil)

func newFakeQuotes() *fakeQuotes {
	return &fakeQuotes{
		quotes: make(map[string]domain.Quote),
		pins:   make(map[string]int),
	}
}

func (q *fakeQuotes) Subscribe(context.Context, string) error { return nil }

func (q *fakeQuotes) WaitFresh(_ context.Context, symbol string, _, _ time.Duration) (*domain.Quote, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	quote, ok := q.quotes[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: no streamed quote for %s", domain.ErrDataUnavailable, symbol)
	}
	return &quote, nil
}

func (q *fakeQuotes) Pin(symbol string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pins[symbol]++
}

func (q *fakeQuotes) Unpin(symbol string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pins[symbol]--
}

// fakeLedger captures appended entries
type fakeLedger struct {
	mu      sync.Mutex
	entries []ledger.Entry
}

var _ LedgerWriter = (*fakeLedger)(nil)

func (l *fakeLedger) Append(_ context.Context, e ledger.Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	return nil
}

func (l *fakeLedger) all() []ledger.Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ledger.Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// stubGate is a market-hours gate with a fixed answer
type stubGate struct{ err error }

func (g *stubGate) Check(context.Context) error { return g.err }

// captureBus records published envelopes
type captureBus struct {
	mu        sync.Mutex
	published []*events.Envelope
}

var _ events.Bus = (*captureBus)(nil)

func (b *captureBus) Publish(_ context.Context, env *events.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, env)
	return nil
}

func (b *captureBus) Subscribe(events.EventType, string, events.Handler) error { return nil }
func (b *captureBus) Close() error                                             { return nil }

func (b *captureBus) ofType(t events.EventType) []*events.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*events.Envelope
	for _, env := range b.published {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

// fixture wires an engine over the paper simulator
type fixture struct {
	engine *Engine
	sim    *paper.Simulator
	runs   *fakeRuns
	quotes *fakeQuotes
	ledger *fakeLedger
	bus    *captureBus
	gate   *stubGate
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BuyTimeout = 100 * time.Millisecond
	cfg.SellTimeout = 100 * time.Millisecond
	cfg.RepegInterval = time.Millisecond
	cfg.MaxRepegs = 2
	cfg.QuoteTimeout = 10 * time.Millisecond
	cfg.QuoteMaxStaleness = time.Minute
	cfg.SettlementTimeout = 500 * time.Millisecond
	cfg.SafetyMargin = 0
	return cfg
}

func newFixture(t *testing.T, cfg Config, startingCash int64) *fixture {
	t.Helper()
	log := zerolog.New(nil).Level(zerolog.Disabled)

	sim := paper.NewSimulator(decimal.NewFromInt(startingCash), log)
	monitor := NewMonitor(sim.TradeStream(), sim, log)
	require.NoError(t, monitor.Start(context.Background()))
	t.Cleanup(func() { _ = monitor.Stop() })

	f := &fixture{
		sim:    sim,
		runs:   newFakeRuns(),
		quotes: newFakeQuotes(),
		ledger: &fakeLedger{},
		bus:    &captureBus{},
		gate:   &stubGate{},
	}
	f.engine = NewEngine(cfg, sim, f.quotes, monitor, f.runs, f.ledger, f.gate, f.bus, log)
	return f
}

func (f *fixture) pushQuote(symbol string, bid, ask float64) {
	f.sim.PushQuote(domain.Quote{
		Symbol:    symbol,
		BidPrice:  decimal.NewFromFloat(bid),
		AskPrice:  decimal.NewFromFloat(ask),
		BidSize:   decimal.NewFromInt(500),
		AskSize:   decimal.NewFromInt(500),
		Timestamp: time.Now().UTC(),
	})
}

// seedPosition buys shares directly on the simulator so engine tests
// start from a held position.
func (f *fixture) seedPosition(t *testing.T, symbol string, qty int64) {
	t.Helper()
	q := decimal.NewFromInt(qty)
	_, err := f.sim.SubmitOrder(context.Background(), domain.OrderRequest{
		Symbol:      symbol,
		Side:        domain.SideBuy,
		Type:        domain.OrderTypeMarket,
		Quantity:    &q,
		TimeInForce: "day",
	})
	require.NoError(t, err)
}

func tradeMsg(runID, tradeID, symbol string, action domain.TradeAction, amount float64) domain.TradeMessage {
	phase := domain.PhaseBuy
	if action == domain.ActionSell {
		phase = domain.PhaseSell
	}
	signed := decimal.NewFromFloat(amount)
	if action == domain.ActionSell {
		signed = signed.Neg()
	}
	return domain.TradeMessage{
		RunID:               runID,
		TradeID:             tradeID,
		PlanID:              "plan-1",
		CorrelationID:       "corr-1",
		CausationID:         "cause-1",
		Symbol:              symbol,
		Action:              action,
		TradeAmount:         signed,
		Phase:               phase,
		SequenceNumber:      domain.SequenceNumber(phase, 2),
		Priority:            2,
		TotalPortfolioValue: decimal.NewFromInt(100000),
		RunTimestamp:        time.Now().UTC(),
		SchemaVersion:       domain.SchemaVersion,
	}
}

func pendingTrade(tradeID, symbol string, action domain.TradeAction) domain.TradeStatus {
	phase := domain.PhaseBuy
	if action == domain.ActionSell {
		phase = domain.PhaseSell
	}
	return domain.TradeStatus{
		TradeID: tradeID,
		Symbol:  symbol,
		Action:  action,
		Phase:   phase,
		Status:  domain.TradePending,
	}
}
