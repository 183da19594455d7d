package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/helmsman/internal/domain"
	"github.com/quantfold/helmsman/internal/events"
)

type fakeRuns struct {
	runs   []domain.RunRecord
	trades map[string][]domain.TradeStatus
}

var _ RunDirectory = (*fakeRuns)(nil)

func (f *fakeRuns) ListRecentRuns(_ context.Context, limit int) ([]domain.RunRecord, error) {
	if limit > len(f.runs) {
		limit = len(f.runs)
	}
	return f.runs[:limit], nil
}

func (f *fakeRuns) GetRun(_ context.Context, runID string) (*domain.RunRecord, error) {
	for i := range f.runs {
		if f.runs[i].RunID == runID {
			return &f.runs[i], nil
		}
	}
	return nil, domain.ErrRunNotFound
}

func (f *fakeRuns) ListTrades(_ context.Context, runID string) ([]domain.TradeStatus, error) {
	return f.trades[runID], nil
}

type fakeBroker struct {
	err       error
	positions []domain.Position
}

var _ Broker = (*fakeBroker)(nil)

func (f *fakeBroker) GetAccount(context.Context) (*domain.AccountSnapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &domain.AccountSnapshot{
		Cash:           decimal.NewFromInt(1000),
		BuyingPower:    decimal.NewFromInt(2000),
		PortfolioValue: decimal.NewFromInt(5000),
		Positions:      f.positions,
		Timestamp:      time.Now().UTC(),
	}, nil
}

func (f *fakeBroker) GetPositions(context.Context) ([]domain.Position, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.positions, nil
}

type fakePinger struct {
	name string
	err  error
}

func (f *fakePinger) Name() string                     { return f.name }
func (f *fakePinger) HealthCheck(context.Context) error { return f.err }

type serverFixture struct {
	srv    *Server
	bus    *events.MemoryBus
	runs   *fakeRuns
	broker *fakeBroker
	dbs    []*fakePinger
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	log := zerolog.New(nil).Level(zerolog.Disabled)

	bus := events.NewMemoryBus(events.DeliveryConfig{
		MaxAttempts: 2,
		Backoff:     []time.Duration{time.Millisecond},
		DedupWindow: time.Minute,
	}, log)
	t.Cleanup(func() { _ = bus.Close() })

	runs := &fakeRuns{trades: make(map[string][]domain.TradeStatus)}
	broker := &fakeBroker{}
	dbs := []*fakePinger{{name: "runstate"}, {name: "ledger"}}

	srv, err := New(Config{
		Log:       log,
		Port:      0,
		DataDir:   t.TempDir(),
		Mode:      domain.ModePaper,
		Runs:      runs,
		Broker:    broker,
		Bus:       bus,
		Databases: []Pinger{dbs[0], dbs[1]},
	})
	require.NoError(t, err)

	return &serverFixture{srv: srv, bus: bus, runs: runs, broker: broker, dbs: dbs}
}

func (f *serverFixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealth_AllChecksPass(t *testing.T) {
	f := newServerFixture(t)

	rec := f.get(t, "/api/health")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "paper", body["mode"])
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "ok", checks["db_runstate"])
	assert.Equal(t, "ok", checks["db_ledger"])
	assert.Equal(t, "ok", checks["broker"])
}

func TestHealth_DegradedWhenDatabaseDown(t *testing.T) {
	f := newServerFixture(t)
	f.dbs[1].err = errors.New("database is locked")

	rec := f.get(t, "/api/health")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "degraded", body["status"])
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "ok", checks["db_runstate"])
	assert.Contains(t, checks["db_ledger"], "locked")
}

func TestHealth_DegradedWhenBrokerUnreachable(t *testing.T) {
	f := newServerFixture(t)
	f.broker.err = errors.New("connection refused")

	rec := f.get(t, "/api/health")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestListRuns(t *testing.T) {
	f := newServerFixture(t)
	now := time.Now().UTC()
	f.runs.runs = []domain.RunRecord{
		{RunID: "run-2", PlanID: "plan-2", Status: domain.RunRunning, TotalTrades: 4, CreatedAt: now},
		{RunID: "run-1", PlanID: "plan-1", Status: domain.RunCompleted, TotalTrades: 2, CompletedTrades: 2, SucceededTrades: 2, CreatedAt: now.Add(-time.Hour)},
	}

	rec := f.get(t, "/api/runs")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	runs := body["runs"].([]any)
	require.Len(t, runs, 2)
	first := runs[0].(map[string]any)
	assert.Equal(t, "run-2", first["run_id"])
	assert.Equal(t, "RUNNING", first["status"])
}

func TestListRuns_RespectsLimit(t *testing.T) {
	f := newServerFixture(t)
	f.runs.runs = []domain.RunRecord{{RunID: "run-2"}, {RunID: "run-1"}}

	rec := f.get(t, "/api/runs?limit=1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["runs"], 1)
}

func TestListRuns_RejectsBadLimit(t *testing.T) {
	f := newServerFixture(t)

	assert.Equal(t, http.StatusBadRequest, f.get(t, "/api/runs?limit=zero").Code)
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/api/runs?limit=-1").Code)
}

func TestGetRun_WithTrades(t *testing.T) {
	f := newServerFixture(t)
	f.runs.runs = []domain.RunRecord{{RunID: "run-1", Status: domain.RunCompleted, TotalTrades: 1}}
	f.runs.trades["run-1"] = []domain.TradeStatus{
		{RunID: "run-1", TradeID: "t1", Symbol: "AAPL", Status: domain.TradeCompleted},
	}

	rec := f.get(t, "/api/runs/run-1")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	run := body["run"].(map[string]any)
	assert.Equal(t, "run-1", run["run_id"])
	trades := body["trades"].([]any)
	require.Len(t, trades, 1)
	assert.Equal(t, "AAPL", trades[0].(map[string]any)["symbol"])
}

func TestGetRun_NotFound(t *testing.T) {
	f := newServerFixture(t)
	assert.Equal(t, http.StatusNotFound, f.get(t, "/api/runs/missing").Code)
}

func TestPositions(t *testing.T) {
	f := newServerFixture(t)
	f.broker.positions = []domain.Position{
		{Symbol: "AAPL", Quantity: decimal.NewFromInt(10)},
	}

	rec := f.get(t, "/api/positions")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "1000", body["cash"])
	positions := body["positions"].([]any)
	require.Len(t, positions, 1)
}

func TestPositions_BrokerDown(t *testing.T) {
	f := newServerFixture(t)
	f.broker.err = errors.New("connection refused")

	assert.Equal(t, http.StatusBadGateway, f.get(t, "/api/positions").Code)
}

func TestSystem_ReportsHostMetrics(t *testing.T) {
	f := newServerFixture(t)

	rec := f.get(t, "/api/system")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Contains(t, body, "uptime_seconds")
	assert.Contains(t, body, "goroutines")
	assert.Contains(t, body, "go_version")
}

func TestEventsStream_MirrorsPipelineEvents(t *testing.T) {
	f := newServerFixture(t)

	ts := httptest.NewServer(f.srv.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)

	// First event is the connection handshake
	readEvent := func() (string, string) {
		var event, data string
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			if line == "" && data != "" {
				return event, data
			}
			if v, ok := strings.CutPrefix(line, "event: "); ok {
				event = v
			}
			if v, ok := strings.CutPrefix(line, "data: "); ok {
				data = v
			}
		}
	}

	event, _ := readEvent()
	assert.Equal(t, "connected", event)

	env := events.NewEnvelope("corr-1", "", &events.TradeCompletedData{
		RunID:   "run-1",
		TradeID: "t1",
		Symbol:  "AAPL",
		Success: true,
	})
	require.NoError(t, f.bus.Publish(context.Background(), env))

	event, data := readEvent()
	assert.Equal(t, "TRADE_COMPLETED", event)
	assert.Contains(t, data, `"run-1"`)
	assert.Contains(t, data, "corr-1")
}
