package prelive

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Stratton1/SOLATv3.1-sub000/broker"
	"github.com/Stratton1/SOLATv3.1-sub000/gates"
	"github.com/Stratton1/SOLATv3.1-sub000/risk"
	"github.com/Stratton1/SOLATv3.1-sub000/storage"
	"github.com/Stratton1/SOLATv3.1-sub000/types"
)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

type fakeStore struct {
	summaries []storage.SymbolSummary
	err       error
}

func (f *fakeStore) Summary() ([]storage.SymbolSummary, error) { return f.summaries, f.err }

type fakeAdapter struct {
	sessionErr error
	details    broker.MarketDetails
	detailsErr error
}

func (f *fakeAdapter) VerifySession(context.Context) error                    { return f.sessionErr }
func (f *fakeAdapter) ListAccounts(context.Context) ([]broker.Account, error) { return nil, nil }
func (f *fakeAdapter) ListPositions(context.Context) ([]types.PositionView, error) {
	return nil, nil
}
func (f *fakeAdapter) PlaceMarketOrder(context.Context, broker.OrderRequest) (broker.OrderResponse, error) {
	return broker.OrderResponse{}, nil
}
func (f *fakeAdapter) ClosePosition(context.Context, string, types.Direction, decimal.Decimal) (broker.OrderResponse, error) {
	return broker.OrderResponse{}, nil
}
func (f *fakeAdapter) GetWorkingOrders(context.Context) ([]broker.WorkingOrder, error) {
	return nil, nil
}
func (f *fakeAdapter) CancelWorkingOrder(context.Context, string) error { return nil }
func (f *fakeAdapter) GetMarketDetails(context.Context, string) (broker.MarketDetails, error) {
	return f.details, f.detailsErr
}

type fixture struct {
	store   *fakeStore
	adapter *fakeAdapter
	gates   *gates.Gates
	checker *Checker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := &fakeStore{summaries: []storage.SymbolSummary{
		{Symbol: "EURUSD", Timeframe: string(types.TFM1), BarCount: 5000},
		{Symbol: "EURUSD", Timeframe: string(types.TFH1), BarCount: 80},
	}}
	adapter := &fakeAdapter{details: broker.MarketDetails{
		Epic: "CS.D.EURUSD.MINI.IP",
		Bid:  d(1.0999),
		Ask:  d(1.1001),
	}}
	engine := risk.NewEngine(risk.Config{
		MaxPositionSize:        d(10),
		MaxConcurrentPositions: 3,
		RequireSL:              true,
	})
	g := gates.New(gates.Config{})

	checker := NewChecker(Config{
		Mode:   types.ModeDemo,
		Symbol: "EURUSD",
		Epic:   "CS.D.EURUSD.MINI.IP",
	}, store, adapter, engine, g)
	return &fixture{store: store, adapter: adapter, gates: g, checker: checker}
}

func names(results []CheckResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.Name
	}
	return out
}

func find(t *testing.T, results []CheckResult, name string) CheckResult {
	t.Helper()
	for _, r := range results {
		if r.Name == name {
			return r
		}
	}
	t.Fatalf("check %s missing", name)
	return CheckResult{}
}

func TestChecklistPassesAndRecordsOnGates(t *testing.T) {
	f := newFixture(t)
	ranAt := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	f.checker.SetClock(func() time.Time { return ranAt })

	report := f.checker.Run(context.Background())

	require.True(t, report.Passed)
	assert.Equal(t, ranAt, report.RanAt)
	assert.Equal(t,
		[]string{"bar_store", "quote_fetch", "demo_mode", "risk_engine", "broker_auth"},
		names(report.Results), "checks run in a fixed order")
	for _, r := range report.Results {
		assert.True(t, r.Passed, "%s: %s", r.Name, r.Message)
		assert.NotEmpty(t, r.Message)
	}

	// The pass lands on the gates.
	status := f.gates.Evaluate(types.ModeLive)
	assert.NotContains(t, status.Blockers, "no prelive check recorded")
}

func TestChecklistFailsWithoutM1Bars(t *testing.T) {
	f := newFixture(t)
	f.store.summaries = []storage.SymbolSummary{
		{Symbol: "EURUSD", Timeframe: string(types.TFH1), BarCount: 80},
	}

	report := f.checker.Run(context.Background())
	assert.False(t, report.Passed)
	assert.Contains(t, find(t, report.Results, "bar_store").Message, "no symbol has M1 bars")
}

func TestChecklistFailsOnUnreadableStore(t *testing.T) {
	f := newFixture(t)
	f.store.err = errors.New("database is locked")

	report := f.checker.Run(context.Background())
	assert.False(t, report.Passed)
	assert.False(t, find(t, report.Results, "bar_store").Passed)
	// Later checks still run so the operator sees the whole picture.
	assert.True(t, find(t, report.Results, "broker_auth").Passed)
}

func TestChecklistFailsOnMissingQuote(t *testing.T) {
	f := newFixture(t)
	f.adapter.details = broker.MarketDetails{Epic: "CS.D.EURUSD.MINI.IP"}

	report := f.checker.Run(context.Background())
	assert.False(t, report.Passed)
	assert.Contains(t, find(t, report.Results, "quote_fetch").Message, "no prices")
}

func TestChecklistFailsInLiveMode(t *testing.T) {
	f := newFixture(t)
	f.checker.cfg.Mode = types.ModeLive

	report := f.checker.Run(context.Background())
	assert.False(t, report.Passed)
	assert.Contains(t, find(t, report.Results, "demo_mode").Message, "must run in DEMO")
}

func TestChecklistCatchesPermissiveRiskEngine(t *testing.T) {
	f := newFixture(t)
	// No caps at all: the oversize probe must flag it.
	f.checker.engine = risk.NewEngine(risk.Config{})

	report := f.checker.Run(context.Background())
	assert.False(t, report.Passed)
	assert.Contains(t, find(t, report.Results, "risk_engine").Message, "full size")
}

func TestChecklistFailsOnBrokerAuth(t *testing.T) {
	f := newFixture(t)
	f.adapter.sessionErr = errors.New("invalid credentials")

	report := f.checker.Run(context.Background())
	assert.False(t, report.Passed)
	assert.Contains(t, find(t, report.Results, "broker_auth").Message, "invalid credentials")
}

func TestFailureDoesNotRecordPrelivePass(t *testing.T) {
	f := newFixture(t)
	f.adapter.sessionErr = errors.New("invalid credentials")
	f.checker.Run(context.Background())

	status := f.gates.Evaluate(types.ModeLive)
	assert.Contains(t, status.Blockers, "no prelive check recorded")
}
