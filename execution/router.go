package execution

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/Stratton1/SOLATv3.1-sub000/allowlist"
	"github.com/Stratton1/SOLATv3.1-sub000/broker"
	"github.com/Stratton1/SOLATv3.1-sub000/bus"
	"github.com/Stratton1/SOLATv3.1-sub000/gates"
	"github.com/Stratton1/SOLATv3.1-sub000/risk"
	"github.com/Stratton1/SOLATv3.1-sub000/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXECUTION ROUTER - Central state machine for live trading
// ═══════════════════════════════════════════════════════════════════════════════
//
// Intent → gates → safety guard → allowlist → ledger → kill switch →
// risk engine → arm/connection checks → broker
//
// Every rejection is ledgered and published. Nothing reaches the broker
// without passing the full stack.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	balanceStaleAfter   = 5 * time.Minute
	refreshBalanceFills = 10
)

// RouterConfig wires the router's identity and defaults.
type RouterConfig struct {
	Mode           types.Mode
	AccountID      string
	CurrencyCode   string
	EpicBySymbol   map[string]string
	DemoArmEnabled bool // DEMO intents reach the broker only when true
}

// RouteResult is the router's verdict on one intent.
type RouteResult struct {
	Accepted      bool
	Status        types.OrderStatus
	DealReference string
	DealID        string
	Reason        string
	ReasonCodes   []string
	AdjustedSize  decimal.Decimal
}

// RouterStatus is a snapshot of the router's observable state.
type RouterStatus struct {
	Connected         bool            `json:"connected"`
	Armed             bool            `json:"armed"`
	KillSwitchActive  bool            `json:"kill_switch_active"`
	SignalsEnabled    bool            `json:"signals_enabled"`
	DemoArmEnabled    bool            `json:"demo_arm_enabled"`
	Mode              types.Mode      `json:"mode"`
	AccountID         string          `json:"account_id"`
	Balance           decimal.Decimal `json:"balance"`
	OpenPositionCount int             `json:"open_position_count"`
	RealizedPnLToday  decimal.Decimal `json:"realized_pnl_today"`
	TradesThisHour    int             `json:"trades_this_hour"`
}

// Router drives intents through the safety stack to the broker.
type Router struct {
	mu  sync.Mutex
	cfg RouterConfig

	gates     *gates.Gates
	guard     *risk.SafetyGuard
	engine    *risk.Engine
	registry  *Registry
	ledger    *Ledger
	kill      *KillSwitch
	allow     *allowlist.Store
	positions *PositionStore
	broker    broker.Adapter
	events    *bus.Bus

	connected      bool
	armed          bool
	signalsEnabled bool
	balance        decimal.Decimal
	balanceAt      time.Time
	realizedToday  decimal.Decimal
	fillCount      int
	now            func() time.Time
}

func NewRouter(
	cfg RouterConfig,
	g *gates.Gates,
	guard *risk.SafetyGuard,
	engine *risk.Engine,
	registry *Registry,
	ledger *Ledger,
	kill *KillSwitch,
	allow *allowlist.Store,
	positions *PositionStore,
	adapter broker.Adapter,
	events *bus.Bus,
) *Router {
	return &Router{
		cfg:            cfg,
		gates:          g,
		guard:          guard,
		engine:         engine,
		registry:       registry,
		ledger:         ledger,
		kill:           kill,
		allow:          allow,
		positions:      positions,
		broker:         adapter,
		events:         events,
		signalsEnabled: true,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the router clock, for tests.
func (r *Router) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// SetConnected flips the broker connection flag.
func (r *Router) SetConnected(connected bool) {
	r.mu.Lock()
	r.connected = connected
	r.mu.Unlock()
	if connected {
		r.events.Publish(bus.NewEvent(bus.EventBrokerConnected, nil))
	} else {
		r.events.Publish(bus.NewEvent(bus.EventBrokerDisconnected, nil))
	}
}

// SetSignalsEnabled toggles signal routing.
func (r *Router) SetSignalsEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signalsEnabled = enabled
}

// AddRealizedPnL accumulates today's realized PnL for the risk state.
func (r *Router) AddRealizedPnL(pnl decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.realizedToday = r.realizedToday.Add(pnl)
}

// Status snapshots the router state.
func (r *Router) Status() RouterStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RouterStatus{
		Connected:         r.connected,
		Armed:             r.armed,
		KillSwitchActive:  r.kill.IsActive(),
		SignalsEnabled:    r.signalsEnabled,
		DemoArmEnabled:    r.cfg.DemoArmEnabled,
		Mode:              r.cfg.Mode,
		AccountID:         r.cfg.AccountID,
		Balance:           r.balance,
		OpenPositionCount: r.positions.Count(),
		RealizedPnLToday:  r.realizedToday,
		TradesThisHour:    r.engine.TradesLastHour(),
	}
}

// Arm enables order submission. LIVE arming additionally requires the full
// gate stack to pass.
func (r *Router) Arm(confirmed bool, liveMode bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.connected {
		return fmt.Errorf("cannot arm: broker not connected")
	}
	if !confirmed {
		return fmt.Errorf("cannot arm: confirmation required")
	}
	if liveMode {
		status := r.gates.Evaluate(types.ModeLive)
		if !status.Allowed {
			return fmt.Errorf("cannot arm LIVE: %s", strings.Join(status.Blockers, "; "))
		}
		r.cfg.Mode = types.ModeLive
	}
	r.armed = true
	log.Info().Str("mode", string(r.cfg.Mode)).Msg("⚡ Execution router armed")
	return nil
}

// Disarm stops order submission. Disarming from LIVE revokes the UI
// confirmation so re-arming requires a fresh one.
func (r *Router) Disarm() {
	r.mu.Lock()
	wasLive := r.cfg.Mode == types.ModeLive
	r.armed = false
	r.mu.Unlock()

	if wasLive {
		r.gates.RevokeConfirmation()
	}
	log.Info().Msg("Execution router disarmed")
}

func newDealReference() string {
	return "SLT" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:18]
}

func (r *Router) reject(intent types.OrderIntent, reason string, codes []string) RouteResult {
	log.Warn().
		Str("intent_id", intent.IntentID).
		Str("symbol", intent.Symbol).
		Str("reason", reason).
		Msg("Intent rejected")
	r.ledger.Append(Entry{
		EntryType: EntryRejection,
		IntentID:  intent.IntentID,
		Symbol:    intent.Symbol,
		Side:      string(intent.Side),
		Size:      intent.Size,
		Reason:    reason,
	})
	r.events.Publish(bus.NewEvent(bus.EventOrderRejected, map[string]any{
		"intent_id": intent.IntentID,
		"symbol":    intent.Symbol,
		"reason":    reason,
	}))
	return RouteResult{Status: types.OrderStatusRejected, Reason: reason, ReasonCodes: codes}
}

// RouteIntent runs one intent through the full routing sequence.
func (r *Router) RouteIntent(ctx context.Context, intent types.OrderIntent) (RouteResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// 1. LIVE gates.
	if r.cfg.Mode == types.ModeLive {
		status := r.gates.Evaluate(types.ModeLive)
		if !status.Allowed {
			return r.reject(intent, "trading gates blocked: "+strings.Join(status.Blockers, "; "), nil), nil
		}
	}

	// 2. Safety guard: idempotency, circuit breaker, DEMO size cap.
	size, guardCodes, err := r.guard.PreOrderCheck(intent, r.cfg.Mode)
	if err != nil {
		return r.reject(intent, err.Error(), guardCodes), nil
	}
	intent.Size = size

	// 3. Allowlist.
	if r.allow != nil {
		if active := r.allow.ActiveSymbols(); len(active) > 0 && !contains(active, intent.Symbol) {
			return r.reject(intent, fmt.Sprintf("symbol %s not in allowlist", intent.Symbol), guardCodes), nil
		}
	}

	// 4. Ledger the intent.
	r.ledger.Append(Entry{
		EntryType: EntryIntent,
		IntentID:  intent.IntentID,
		Symbol:    intent.Symbol,
		Side:      string(intent.Side),
		Size:      intent.Size,
		Details:   map[string]any{"bot": intent.Bot, "quoted_mid": intent.QuotedMid.String()},
	})
	r.events.Publish(bus.NewEvent(bus.EventIntentCreated, map[string]any{
		"intent_id": intent.IntentID,
		"symbol":    intent.Symbol,
		"side":      string(intent.Side),
	}))

	// 5. Kill switch.
	if r.kill.IsActive() {
		return r.reject(intent, "kill switch active", guardCodes), nil
	}

	// 6. Stale balance refresh.
	if r.connected && r.now().Sub(r.balanceAt) > balanceStaleAfter {
		r.refreshBalanceLocked(ctx)
	}

	// 7. Risk engine.
	approval := r.engine.Evaluate(intent, risk.State{
		OpenPositions:  r.positions.Count(),
		SymbolExposure: r.positions.SymbolNotional(intent.Symbol),
		Balance:        r.balance,
		TodayPnL:       r.realizedToday,
	})
	codes := append(guardCodes, approval.ReasonCodes...)
	if !approval.Allowed {
		return r.reject(intent, "risk engine: "+approval.RejectionReason, codes), nil
	}
	intent.Size = approval.AdjustedSize

	// 8-9. Intent-only modes record as PENDING without a broker call.
	if (r.cfg.Mode == types.ModeDemo && !r.cfg.DemoArmEnabled) || !r.armed {
		ref := newDealReference()
		if _, err := r.registry.Register(intent, ref); err != nil {
			return r.reject(intent, err.Error(), codes), nil
		}
		log.Info().Str("intent_id", intent.IntentID).Msg("Intent recorded PENDING (not armed for submission)")
		return RouteResult{
			Accepted:      true,
			Status:        types.OrderStatusPending,
			DealReference: ref,
			ReasonCodes:   codes,
			AdjustedSize:  intent.Size,
		}, nil
	}

	// 10. Hard requirement past this point.
	if !r.connected {
		return r.reject(intent, "broker not connected", codes), nil
	}

	// 11. Submit.
	return r.submitLocked(ctx, intent, codes)
}

func (r *Router) submitLocked(ctx context.Context, intent types.OrderIntent, codes []string) (RouteResult, error) {
	ref := newDealReference()
	if _, err := r.registry.Register(intent, ref); err != nil {
		return r.reject(intent, err.Error(), codes), nil
	}
	if err := r.registry.Transition(ref, types.OrderStatusSubmitted, ""); err != nil {
		return r.reject(intent, err.Error(), codes), nil
	}

	r.ledger.Append(Entry{
		EntryType:     EntrySubmission,
		IntentID:      intent.IntentID,
		DealReference: ref,
		Symbol:        intent.Symbol,
		Side:          string(intent.Side),
		Size:          intent.Size,
	})
	r.events.Publish(bus.NewEvent(bus.EventOrderSubmitted, map[string]any{
		"intent_id":      intent.IntentID,
		"deal_reference": ref,
		"symbol":         intent.Symbol,
	}))

	epic := intent.Epic
	if epic == "" {
		epic = r.cfg.EpicBySymbol[intent.Symbol]
	}
	resp, err := r.broker.PlaceMarketOrder(ctx, broker.OrderRequest{
		Epic:          epic,
		Direction:     intent.Side,
		Size:          intent.Size,
		StopLevel:     intent.StopLoss,
		LimitLevel:    intent.TakeProfit,
		DealReference: ref,
		CurrencyCode:  r.cfg.CurrencyCode,
	})
	if err != nil {
		r.registry.Transition(ref, types.OrderStatusRejected, err.Error())
		r.guard.Breaker.RecordError(err.Error())
		r.ledger.Append(Entry{
			EntryType:     EntryError,
			IntentID:      intent.IntentID,
			DealReference: ref,
			Symbol:        intent.Symbol,
			Reason:        err.Error(),
		})
		r.events.Publish(bus.NewEvent(bus.EventOrderRejected, map[string]any{
			"intent_id":      intent.IntentID,
			"deal_reference": ref,
			"reason":         err.Error(),
		}))
		return RouteResult{Status: types.OrderStatusRejected, DealReference: ref, Reason: err.Error(), ReasonCodes: codes}, err
	}

	switch resp.Status {
	case broker.DealAccepted:
		r.registry.Acknowledge(ref, resp.DealID)
		r.registry.Transition(ref, types.OrderStatusFilled, "")
		r.engine.RecordTrade()
		r.guard.Breaker.RecordSuccess()
		r.fillCount++
		r.positions.Upsert(types.PositionView{
			DealID:     resp.DealID,
			Symbol:     intent.Symbol,
			Epic:       epic,
			Side:       sideFor(intent.Side),
			Size:       intent.Size,
			EntryPrice: resp.Level,
			OpenedAt:   r.now(),
		})
		r.ledger.Append(Entry{
			EntryType:     EntryAck,
			IntentID:      intent.IntentID,
			DealReference: ref,
			DealID:        resp.DealID,
			Symbol:        intent.Symbol,
			Status:        string(types.OrderStatusFilled),
		})
		r.events.Publish(bus.NewEvent(bus.EventOrderFilled, map[string]any{
			"intent_id":      intent.IntentID,
			"deal_reference": ref,
			"deal_id":        resp.DealID,
			"symbol":         intent.Symbol,
		}))

		// 12. Periodic balance refresh keeps risk checks honest.
		if r.fillCount%refreshBalanceFills == 0 {
			r.refreshBalanceLocked(ctx)
		}
		return RouteResult{
			Accepted:      true,
			Status:        types.OrderStatusFilled,
			DealReference: ref,
			DealID:        resp.DealID,
			ReasonCodes:   codes,
			AdjustedSize:  intent.Size,
		}, nil

	case broker.DealPending:
		r.registry.Acknowledge(ref, resp.DealID)
		r.ledger.Append(Entry{
			EntryType:     EntryAck,
			IntentID:      intent.IntentID,
			DealReference: ref,
			DealID:        resp.DealID,
			Status:        string(types.OrderStatusAcknowledged),
		})
		r.events.Publish(bus.NewEvent(bus.EventOrderAcknowledged, map[string]any{
			"intent_id":      intent.IntentID,
			"deal_reference": ref,
			"deal_id":        resp.DealID,
		}))
		return RouteResult{
			Accepted:      true,
			Status:        types.OrderStatusAcknowledged,
			DealReference: ref,
			DealID:        resp.DealID,
			ReasonCodes:   codes,
			AdjustedSize:  intent.Size,
		}, nil

	default: // broker rejection
		r.registry.Transition(ref, types.OrderStatusRejected, resp.Reason)
		r.guard.Breaker.RecordError(resp.Reason)
		reason := "broker rejected: " + resp.Reason
		r.ledger.Append(Entry{
			EntryType:     EntryRejection,
			IntentID:      intent.IntentID,
			DealReference: ref,
			Symbol:        intent.Symbol,
			Reason:        reason,
		})
		r.events.Publish(bus.NewEvent(bus.EventOrderRejected, map[string]any{
			"intent_id":      intent.IntentID,
			"deal_reference": ref,
			"reason":         reason,
		}))
		return RouteResult{Status: types.OrderStatusRejected, DealReference: ref, Reason: reason, ReasonCodes: codes}, nil
	}
}

// ClosePosition sends a market close for a tracked position. A zero size
// closes the full position.
func (r *Router) ClosePosition(ctx context.Context, dealID string, size decimal.Decimal) (RouteResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pos, ok := r.positions.Get(dealID)
	if !ok {
		return RouteResult{}, fmt.Errorf("unknown deal_id %s", dealID)
	}
	if size.IsZero() || size.GreaterThan(pos.Size) {
		size = pos.Size
	}
	direction := types.DirectionSell
	if pos.Side == types.SideShort {
		direction = types.DirectionBuy
	}

	resp, err := r.broker.ClosePosition(ctx, dealID, direction, size)
	if err != nil {
		r.guard.Breaker.RecordError(err.Error())
		r.ledger.Append(Entry{
			EntryType: EntryError,
			DealID:    dealID,
			Symbol:    pos.Symbol,
			Reason:    err.Error(),
		})
		return RouteResult{Status: types.OrderStatusRejected, Reason: err.Error()}, err
	}
	if resp.Status != broker.DealAccepted {
		return RouteResult{Status: types.OrderStatusRejected, Reason: resp.Reason}, nil
	}

	if size.Equal(pos.Size) {
		r.positions.Remove(dealID)
	} else {
		pos.Size = pos.Size.Sub(size)
		r.positions.Upsert(pos)
	}
	r.ledger.Append(Entry{
		EntryType: EntrySubmission,
		DealID:    dealID,
		Symbol:    pos.Symbol,
		Side:      string(direction),
		Size:      size,
		Status:    "close",
	})
	return RouteResult{Accepted: true, Status: types.OrderStatusFilled, DealID: resp.DealID}, nil
}

// RefreshBalance forces an account balance refresh.
func (r *Router) RefreshBalance(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshBalanceLocked(ctx)
}

func (r *Router) refreshBalanceLocked(ctx context.Context) {
	accounts, err := r.broker.ListAccounts(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Balance refresh failed")
		return
	}
	for _, a := range accounts {
		if a.ID == r.cfg.AccountID || (r.cfg.AccountID == "" && a.Preferred) {
			r.balance = a.Available
			r.balanceAt = r.now()
			log.Debug().Str("account_id", a.ID).Str("balance", a.Available.String()).Msg("Balance refreshed")
			return
		}
	}
	log.Warn().Str("account_id", r.cfg.AccountID).Msg("Configured account not in broker account list")
}

func sideFor(direction types.Direction) types.Side {
	if direction == types.DirectionSell {
		return types.SideShort
	}
	return types.SideLong
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
