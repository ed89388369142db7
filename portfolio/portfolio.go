package portfolio

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/Stratton1/SOLATv3.1-sub000/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PORTFOLIO - Positions, equity curve, MAE/MFE, SL/TP exits
// ═══════════════════════════════════════════════════════════════════════════════
//
// Invariant: equity = cash + Σ unrealized PnL. The high-water mark is monotone
// non-decreasing; drawdown = max(0, HWM - equity).
//
// ═══════════════════════════════════════════════════════════════════════════════

// Position is an open trade owned by the portfolio, keyed (symbol, bot).
type Position struct {
	Symbol        string
	Bot           string
	Side          types.Side
	Size          decimal.Decimal
	EntryPrice    decimal.Decimal
	EntryTime     time.Time
	StopLoss      decimal.Decimal
	TakeProfit    decimal.Decimal
	UnrealizedPnL decimal.Decimal
	MAE           decimal.Decimal // worst unrealized PnL observed
	MFE           decimal.Decimal // best unrealized PnL observed
	BarsHeld      int
	EntryFees     decimal.Decimal
}

// EquityPoint is one appended sample of the equity curve.
type EquityPoint struct {
	Timestamp     time.Time       `json:"timestamp"`
	Equity        decimal.Decimal `json:"equity"`
	Cash          decimal.Decimal `json:"cash"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	Drawdown      decimal.Decimal `json:"drawdown"`
	DrawdownPct   decimal.Decimal `json:"drawdown_pct"`
	HighWaterMark decimal.Decimal `json:"high_water_mark"`
}

// FeeFunc computes closing fees for a position at an exit price.
type FeeFunc func(size, price decimal.Decimal) decimal.Decimal

// Portfolio tracks cash, positions and the equity curve for one run.
type Portfolio struct {
	mu sync.Mutex

	initialCash decimal.Decimal
	cash        decimal.Decimal
	realizedPnL decimal.Decimal
	hwm         decimal.Decimal

	positions map[string]*Position // key symbol|bot
	curve     []EquityPoint
	trades    []types.TradeRecord
	closeFees FeeFunc
}

func posKey(symbol, bot string) string { return symbol + "|" + bot }

// New creates a portfolio with the given starting cash.
func New(initialCash decimal.Decimal) *Portfolio {
	return &Portfolio{
		initialCash: initialCash,
		cash:        initialCash,
		hwm:         initialCash,
		positions:   make(map[string]*Position),
		closeFees:   func(_, _ decimal.Decimal) decimal.Decimal { return decimal.Zero },
	}
}

// SetCloseFees installs the closing-fee model.
func (p *Portfolio) SetCloseFees(fn FeeFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if fn != nil {
		p.closeFees = fn
	}
}

// Open opens a position. Entry fees are deducted from cash immediately.
func (p *Portfolio) Open(symbol, bot string, side types.Side, size, entryPrice decimal.Decimal, entryTime time.Time, stopLoss, takeProfit, fees decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := posKey(symbol, bot)
	if _, exists := p.positions[key]; exists {
		return fmt.Errorf("position already open for %s/%s", symbol, bot)
	}

	p.positions[key] = &Position{
		Symbol:     symbol,
		Bot:        bot,
		Side:       side,
		Size:       size,
		EntryPrice: entryPrice,
		EntryTime:  entryTime,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
		EntryFees:  fees,
	}
	p.cash = p.cash.Sub(fees)
	return nil
}

// Get returns a copy of the open position for (symbol, bot), if any.
func (p *Portfolio) Get(symbol, bot string) (Position, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[posKey(symbol, bot)]
	if !ok {
		return Position{}, false
	}
	return *pos, true
}

// OpenCount returns the number of open positions.
func (p *Portfolio) OpenCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.positions)
}

func unrealized(pos *Position, price decimal.Decimal) decimal.Decimal {
	if pos.Side == types.SideShort {
		return pos.EntryPrice.Sub(price).Mul(pos.Size)
	}
	return price.Sub(pos.EntryPrice).Mul(pos.Size)
}

// UpdatePrices recomputes unrealized PnL for positions whose symbol appears
// in prices, tracking MAE and MFE as running extremes.
func (p *Portfolio) UpdatePrices(prices map[string]decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, pos := range p.positions {
		price, ok := prices[pos.Symbol]
		if !ok {
			continue
		}
		pos.UnrealizedPnL = unrealized(pos, price)
		if pos.UnrealizedPnL.LessThan(pos.MAE) {
			pos.MAE = pos.UnrealizedPnL
		}
		if pos.UnrealizedPnL.GreaterThan(pos.MFE) {
			pos.MFE = pos.UnrealizedPnL
		}
	}
}

// IncrementBarsHeld bumps the held-bar counter on every open position.
func (p *Portfolio) IncrementBarsHeld() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pos := range p.positions {
		pos.BarsHeld++
	}
}

// CheckExits closes every position whose stop-loss or take-profit triggers at
// the supplied price, at the SL/TP level itself. Returns the trades generated.
func (p *Portfolio) CheckExits(prices map[string]decimal.Decimal, now time.Time) []types.TradeRecord {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Sorted key order keeps multi-exit bars deterministic.
	keys := make([]string, 0, len(p.positions))
	for key := range p.positions {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var closed []types.TradeRecord
	for _, key := range keys {
		pos := p.positions[key]
		price, ok := prices[pos.Symbol]
		if !ok {
			continue
		}

		exitPrice := decimal.Zero
		reason := ""
		switch pos.Side {
		case types.SideLong:
			if !pos.StopLoss.IsZero() && price.LessThanOrEqual(pos.StopLoss) {
				exitPrice, reason = pos.StopLoss, "STOP_LOSS"
			} else if !pos.TakeProfit.IsZero() && price.GreaterThanOrEqual(pos.TakeProfit) {
				exitPrice, reason = pos.TakeProfit, "TAKE_PROFIT"
			}
		case types.SideShort:
			if !pos.StopLoss.IsZero() && price.GreaterThanOrEqual(pos.StopLoss) {
				exitPrice, reason = pos.StopLoss, "STOP_LOSS"
			} else if !pos.TakeProfit.IsZero() && price.LessThanOrEqual(pos.TakeProfit) {
				exitPrice, reason = pos.TakeProfit, "TAKE_PROFIT"
			}
		}
		if reason == "" {
			continue
		}

		closed = append(closed, p.closeLocked(key, pos, exitPrice, now, reason))
	}
	return closed
}

// Close closes the (symbol, bot) position at exitPrice and returns the trade.
func (p *Portfolio) Close(symbol, bot string, exitPrice decimal.Decimal, now time.Time, reason string) (types.TradeRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := posKey(symbol, bot)
	pos, ok := p.positions[key]
	if !ok {
		return types.TradeRecord{}, fmt.Errorf("no open position for %s/%s", symbol, bot)
	}
	return p.closeLocked(key, pos, exitPrice, now, reason), nil
}

func (p *Portfolio) closeLocked(key string, pos *Position, exitPrice decimal.Decimal, now time.Time, reason string) types.TradeRecord {
	pnl := unrealized(pos, exitPrice)
	fees := p.closeFees(pos.Size, exitPrice)

	// Final excursion update at the exit price.
	if pnl.LessThan(pos.MAE) {
		pos.MAE = pnl
	}
	if pnl.GreaterThan(pos.MFE) {
		pos.MFE = pnl
	}

	p.cash = p.cash.Add(pnl).Sub(fees)
	p.realizedPnL = p.realizedPnL.Add(pnl).Sub(fees)
	delete(p.positions, key)

	trade := types.TradeRecord{
		Symbol:     pos.Symbol,
		Bot:        pos.Bot,
		Side:       pos.Side,
		Size:       pos.Size,
		EntryPrice: pos.EntryPrice,
		ExitPrice:  exitPrice,
		EntryTime:  pos.EntryTime,
		ExitTime:   now,
		PnL:        pnl,
		Fees:       pos.EntryFees.Add(fees),
		Reason:     reason,
		MAE:        pos.MAE,
		MFE:        pos.MFE,
		BarsHeld:   pos.BarsHeld,
	}
	p.trades = append(p.trades, trade)

	log.Debug().
		Str("symbol", pos.Symbol).
		Str("bot", pos.Bot).
		Str("pnl", pnl.StringFixed(2)).
		Str("reason", reason).
		Msg("Position closed")

	return trade
}

// RecordEquity appends an equity point at ts. The HWM never decreases.
func (p *Portfolio) RecordEquity(ts time.Time) EquityPoint {
	p.mu.Lock()
	defer p.mu.Unlock()

	unreal := decimal.Zero
	for _, pos := range p.positions {
		unreal = unreal.Add(pos.UnrealizedPnL)
	}
	equity := p.cash.Add(unreal)

	if equity.GreaterThan(p.hwm) {
		p.hwm = equity
	}
	drawdown := p.hwm.Sub(equity)
	if drawdown.IsNegative() {
		drawdown = decimal.Zero
	}
	ddPct := decimal.Zero
	if p.hwm.IsPositive() {
		ddPct = drawdown.Div(p.hwm).Mul(decimal.NewFromInt(100))
	}

	point := EquityPoint{
		Timestamp:     ts,
		Equity:        equity,
		Cash:          p.cash,
		UnrealizedPnL: unreal,
		RealizedPnL:   p.realizedPnL,
		Drawdown:      drawdown,
		DrawdownPct:   ddPct,
		HighWaterMark: p.hwm,
	}
	p.curve = append(p.curve, point)
	return point
}

// Equity returns cash + unrealized PnL.
func (p *Portfolio) Equity() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	equity := p.cash
	for _, pos := range p.positions {
		equity = equity.Add(pos.UnrealizedPnL)
	}
	return equity
}

// Cash returns the current cash balance.
func (p *Portfolio) Cash() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cash
}

// Curve returns a copy of the equity curve.
func (p *Portfolio) Curve() []EquityPoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]EquityPoint, len(p.curve))
	copy(out, p.curve)
	return out
}

// Trades returns a copy of all closed trades.
func (p *Portfolio) Trades() []types.TradeRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.TradeRecord, len(p.trades))
	copy(out, p.trades)
	return out
}

// Reset restores the exact initial state.
func (p *Portfolio) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cash = p.initialCash
	p.realizedPnL = decimal.Zero
	p.hwm = p.initialCash
	p.positions = make(map[string]*Position)
	p.curve = nil
	p.trades = nil
}
