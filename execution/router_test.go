package execution

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Stratton1/SOLATv3.1-sub000/allowlist"
	"github.com/Stratton1/SOLATv3.1-sub000/bus"
	"github.com/Stratton1/SOLATv3.1-sub000/gates"
	"github.com/Stratton1/SOLATv3.1-sub000/risk"
	"github.com/Stratton1/SOLATv3.1-sub000/storage"
	"github.com/Stratton1/SOLATv3.1-sub000/types"
)

type routerFixture struct {
	router  *Router
	adapter *fakeAdapter
	ledger  *Ledger
	events  *bus.Bus
	allow   *allowlist.Store
	kill    *KillSwitch
	guard   *risk.SafetyGuard
}

func newRouterFixture(t *testing.T, mode types.Mode, demoArm bool) *routerFixture {
	t.Helper()
	layout := storage.NewLayout(t.TempDir())
	events := bus.New(256)
	t.Cleanup(events.Close)

	ledger, err := NewLedger(layout, "sess_router", mode)
	require.NoError(t, err)
	allow, err := allowlist.NewStore(layout.AllowlistPath(), 0)
	require.NoError(t, err)

	adapter := newFakeAdapter()
	positions := NewPositionStore()
	kill := NewKillSwitch(layout, false, adapter, positions, ledger, events)
	guard := risk.NewSafetyGuard(
		risk.NewIdempotencyGuard(time.Hour, 1000),
		risk.NewCircuitBreaker(3, time.Minute, time.Hour),
		risk.NewSizeValidator(decimal.NewFromInt(50)),
	)
	engine := risk.NewEngine(risk.Config{
		MaxPositionSize:        decimal.NewFromInt(10),
		MaxConcurrentPositions: 3,
		MaxDailyLossPct:        decimal.NewFromInt(5),
		MaxTradesPerHour:       100,
		RequireSL:              true,
	})

	r := NewRouter(
		RouterConfig{
			Mode:           mode,
			AccountID:      "ACC-1",
			EpicBySymbol:   map[string]string{"EURUSD": "CS.D.EURUSD.MINI.IP"},
			DemoArmEnabled: demoArm,
		},
		gates.New(gates.Config{}),
		guard,
		engine,
		NewRegistry(),
		ledger,
		kill,
		allow,
		positions,
		adapter,
		events,
	)
	return &routerFixture{router: r, adapter: adapter, ledger: ledger, events: events, allow: allow, kill: kill, guard: guard}
}

func routeIntent(id string) types.OrderIntent {
	in := testIntent(id)
	return in
}

func TestRouteIntentFillsWhenArmed(t *testing.T) {
	f := newRouterFixture(t, types.ModeDemo, true)
	f.router.SetConnected(true)
	require.NoError(t, f.router.Arm(true, false))

	res, err := f.router.RouteIntent(context.Background(), routeIntent("i-fill"))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, types.OrderStatusFilled, res.Status)
	assert.Equal(t, "deal-1", res.DealID)
	assert.NotEmpty(t, res.DealReference)

	// Fill lands in the local position store until reconciliation.
	status := f.router.Status()
	assert.Equal(t, 1, status.OpenPositionCount)
	assert.Equal(t, 1, status.TradesThisHour)

	entries, _, err := f.ledger.Read()
	require.NoError(t, err)
	kinds := make([]EntryType, 0, len(entries))
	for _, e := range entries {
		kinds = append(kinds, e.EntryType)
	}
	assert.Equal(t, []EntryType{EntryIntent, EntrySubmission, EntryAck}, kinds)
}

func TestRouteIntentPendingWhenNotArmed(t *testing.T) {
	f := newRouterFixture(t, types.ModeDemo, true)
	f.router.SetConnected(true)
	// Never armed: intents stop at PENDING, no broker call.

	res, err := f.router.RouteIntent(context.Background(), routeIntent("i-pend"))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, types.OrderStatusPending, res.Status)
	assert.Empty(t, f.adapter.placed)
}

func TestRouteIntentDemoWithoutDemoArmStaysPending(t *testing.T) {
	f := newRouterFixture(t, types.ModeDemo, false)
	f.router.SetConnected(true)
	require.NoError(t, f.router.Arm(true, false))

	res, err := f.router.RouteIntent(context.Background(), routeIntent("i-demo"))
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusPending, res.Status)
	assert.Empty(t, f.adapter.placed, "DEMO without demo_arm_enabled never reaches the broker")
}

func TestRouteIntentRejectedByKillSwitch(t *testing.T) {
	f := newRouterFixture(t, types.ModeDemo, true)
	f.router.SetConnected(true)
	require.NoError(t, f.router.Arm(true, false))
	f.kill.Activate(context.Background(), "test", "stop")

	res, err := f.router.RouteIntent(context.Background(), routeIntent("i-ks"))
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusRejected, res.Status)
	assert.Contains(t, res.Reason, "kill switch")
	assert.Empty(t, f.adapter.placed)
}

func TestRouteIntentRejectedByAllowlist(t *testing.T) {
	f := newRouterFixture(t, types.ModeDemo, true)
	f.router.SetConnected(true)
	require.NoError(t, f.router.Arm(true, false))

	require.NoError(t, f.allow.Upsert(allowlist.Entry{
		Key:     types.ComboKey{Symbol: "GBPUSD", Bot: "tk_cross_sniper", Timeframe: types.TFH1},
		Enabled: true,
	}))

	res, err := f.router.RouteIntent(context.Background(), routeIntent("i-al"))
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusRejected, res.Status)
	assert.Contains(t, res.Reason, "not in allowlist")
}

func TestRouteIntentDuplicateRejected(t *testing.T) {
	f := newRouterFixture(t, types.ModeDemo, true)
	f.router.SetConnected(true)
	require.NoError(t, f.router.Arm(true, false))

	_, err := f.router.RouteIntent(context.Background(), routeIntent("i-dup"))
	require.NoError(t, err)

	res, err := f.router.RouteIntent(context.Background(), routeIntent("i-dup"))
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusRejected, res.Status)
	assert.Contains(t, res.Reason, "Duplicate")
}

func TestRouteIntentRiskRejectionCarriesCodes(t *testing.T) {
	f := newRouterFixture(t, types.ModeDemo, true)
	f.router.SetConnected(true)
	require.NoError(t, f.router.Arm(true, false))

	in := routeIntent("i-nosl")
	in.StopLoss = decimal.Zero
	res, err := f.router.RouteIntent(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusRejected, res.Status)
	assert.Contains(t, res.ReasonCodes, "require_sl")
}

func TestRouteIntentBrokerErrorTripsBreaker(t *testing.T) {
	f := newRouterFixture(t, types.ModeDemo, true)
	f.router.SetConnected(true)
	require.NoError(t, f.router.Arm(true, false))
	f.adapter.placeErr = fmt.Errorf("connection reset")

	for i := 0; i < 3; i++ {
		_, err := f.router.RouteIntent(context.Background(), routeIntent(fmt.Sprintf("i-err-%d", i)))
		require.Error(t, err)
	}
	assert.True(t, f.guard.Breaker.IsTripped(), "three broker errors trip the breaker")

	res, err := f.router.RouteIntent(context.Background(), routeIntent("i-after-trip"))
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusRejected, res.Status)
	assert.Contains(t, res.Reason, "Circuit breaker")
}

func TestRouteIntentLiveBlockedByGates(t *testing.T) {
	f := newRouterFixture(t, types.ModeLive, true)
	f.router.SetConnected(true)

	res, err := f.router.RouteIntent(context.Background(), routeIntent("i-live"))
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusRejected, res.Status)
	assert.Contains(t, res.Reason, "trading gates blocked")
	assert.Empty(t, f.adapter.placed)
}

func TestArmRequiresConnectionAndConfirmation(t *testing.T) {
	f := newRouterFixture(t, types.ModeDemo, true)

	err := f.router.Arm(true, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")

	f.router.SetConnected(true)
	err = f.router.Arm(false, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "confirmation required")

	// LIVE arming is fail-closed on an unconfigured gate stack.
	err = f.router.Arm(true, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot arm LIVE")

	require.NoError(t, f.router.Arm(true, false))
	assert.True(t, f.router.Status().Armed)

	f.router.Disarm()
	assert.False(t, f.router.Status().Armed)
}

func TestClosePositionFullAndPartial(t *testing.T) {
	f := newRouterFixture(t, types.ModeDemo, true)
	f.router.SetConnected(true)
	require.NoError(t, f.router.Arm(true, false))

	_, err := f.router.RouteIntent(context.Background(), routeIntent("i-open"))
	require.NoError(t, err)

	// Partial close shrinks the local view.
	res, err := f.router.ClosePosition(context.Background(), "deal-1", decimal.NewFromFloat(0.4))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	pos, ok := f.router.positions.Get("deal-1")
	require.True(t, ok)
	assert.True(t, pos.Size.Equal(decimal.NewFromFloat(0.6)), "got %s", pos.Size)

	// Full close removes it.
	_, err = f.router.ClosePosition(context.Background(), "deal-1", decimal.Zero)
	require.NoError(t, err)
	_, ok = f.router.positions.Get("deal-1")
	assert.False(t, ok)

	_, err = f.router.ClosePosition(context.Background(), "deal-1", decimal.Zero)
	require.Error(t, err, "unknown deal_id after full close")
}

func TestRouterRefreshesBalance(t *testing.T) {
	f := newRouterFixture(t, types.ModeDemo, true)
	f.router.SetConnected(true)
	require.NoError(t, f.router.Arm(true, false))

	f.router.RefreshBalance(context.Background())
	assert.True(t, f.router.Status().Balance.Equal(decimal.NewFromInt(10000)))
}
