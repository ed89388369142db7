package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Avoid import cycles
// ═══════════════════════════════════════════════════════════════════════════════

// Timeframe is a fixed bar interval.
type Timeframe string

const (
	TFM1  Timeframe = "M1"
	TFM5  Timeframe = "M5"
	TFM15 Timeframe = "M15"
	TFH1  Timeframe = "H1"
	TFH4  Timeframe = "H4"
)

var timeframeMinutes = map[Timeframe]int{
	TFM1:  1,
	TFM5:  5,
	TFM15: 15,
	TFH1:  60,
	TFH4:  240,
}

// ParseTimeframe validates a timeframe string.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if _, ok := timeframeMinutes[tf]; !ok {
		return "", fmt.Errorf("invalid timeframe %q", s)
	}
	return tf, nil
}

// Minutes returns the bar interval in minutes.
func (tf Timeframe) Minutes() int {
	return timeframeMinutes[tf]
}

// Duration returns the bar interval.
func (tf Timeframe) Duration() time.Duration {
	return time.Duration(timeframeMinutes[tf]) * time.Minute
}

// Valid reports whether the timeframe is one of the supported intervals.
func (tf Timeframe) Valid() bool {
	_, ok := timeframeMinutes[tf]
	return ok
}

// Direction of a signal or order.
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
	DirectionHold Direction = "HOLD"
)

// Opposite returns the reverse direction (HOLD maps to HOLD).
func (d Direction) Opposite() Direction {
	switch d {
	case DirectionBuy:
		return DirectionSell
	case DirectionSell:
		return DirectionBuy
	}
	return DirectionHold
}

// Side of an open position.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
	SideNone  Side = ""
)

// EntryDirection returns the order direction that opens this side.
func (s Side) EntryDirection() Direction {
	if s == SideShort {
		return DirectionSell
	}
	return DirectionBuy
}

// OrderType supported by the router.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeStop   OrderType = "STOP"
)

// OrderStatus is the lifecycle state of a submitted intent.
type OrderStatus string

const (
	OrderStatusPending      OrderStatus = "PENDING"
	OrderStatusSubmitted    OrderStatus = "SUBMITTED"
	OrderStatusAcknowledged OrderStatus = "ACKNOWLEDGED"
	OrderStatusFilled       OrderStatus = "FILLED"
	OrderStatusRejected     OrderStatus = "REJECTED"
	OrderStatusCancelled    OrderStatus = "CANCELLED"
	OrderStatusExpired      OrderStatus = "EXPIRED"
)

// Terminal reports whether the status is final.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusRejected, OrderStatusCancelled, OrderStatusExpired:
		return true
	}
	return false
}

// Mode is the trading mode.
type Mode string

const (
	ModeDemo Mode = "DEMO"
	ModeLive Mode = "LIVE"
)

// Bar is an OHLCV aggregate over one timeframe interval, aligned to the
// timeframe boundary in UTC. Immutable once stored.
type Bar struct {
	Symbol    string          `json:"symbol"`
	Timeframe Timeframe       `json:"timeframe"`
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// Validate checks structural constraints on the bar.
func (b Bar) Validate() error {
	if b.Symbol == "" {
		return fmt.Errorf("bar has no symbol")
	}
	if !b.Timeframe.Valid() {
		return fmt.Errorf("bar %s: invalid timeframe %q", b.Symbol, b.Timeframe)
	}
	if b.Timestamp.IsZero() {
		return fmt.Errorf("bar %s: zero timestamp", b.Symbol)
	}
	if !b.Open.IsPositive() || !b.High.IsPositive() || !b.Low.IsPositive() || !b.Close.IsPositive() {
		return fmt.Errorf("bar %s %s: non-positive price", b.Symbol, b.Timestamp.Format(time.RFC3339))
	}
	if b.High.LessThan(decimal.Max(b.Open, b.Close, b.Low)) {
		return fmt.Errorf("bar %s %s: high below open/close/low", b.Symbol, b.Timestamp.Format(time.RFC3339))
	}
	if b.Low.GreaterThan(decimal.Min(b.Open, b.Close, b.High)) {
		return fmt.Errorf("bar %s %s: low above open/close/high", b.Symbol, b.Timestamp.Format(time.RFC3339))
	}
	return nil
}

// Quote is a single L1 price update.
type Quote struct {
	Symbol    string          `json:"symbol"`
	Epic      string          `json:"epic"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Mid       decimal.Decimal `json:"mid"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewQuote builds a quote with mid = (bid+ask)/2.
func NewQuote(symbol, epic string, bid, ask decimal.Decimal, ts time.Time) Quote {
	return Quote{
		Symbol:    symbol,
		Epic:      epic,
		Bid:       bid,
		Ask:       ask,
		Mid:       bid.Add(ask).Div(decimal.NewFromInt(2)),
		Timestamp: ts.UTC(),
	}
}

// SignalIntent is a pure strategy output. Zero StopLoss/TakeProfit means unset.
type SignalIntent struct {
	Direction  Direction       `json:"direction"`
	StopLoss   decimal.Decimal `json:"stop_loss"`
	TakeProfit decimal.Decimal `json:"take_profit"`
	Confidence decimal.Decimal `json:"confidence"`
	Reasons    []string        `json:"reasons,omitempty"`
	Metadata   map[string]any  `json:"metadata,omitempty"`
}

// Hold is the no-action signal.
func Hold(reasons ...string) SignalIntent {
	return SignalIntent{Direction: DirectionHold, Reasons: reasons}
}

// IsEntry reports whether the signal requests opening a position.
func (s SignalIntent) IsEntry() bool {
	return s.Direction == DirectionBuy || s.Direction == DirectionSell
}

// OrderIntent is a request for the execution router. Discarded after ack.
type OrderIntent struct {
	IntentID   string          `json:"intent_id"`
	Symbol     string          `json:"symbol"`
	Epic       string          `json:"epic,omitempty"`
	Side       Direction       `json:"side"`
	Size       decimal.Decimal `json:"size"`
	StopLoss   decimal.Decimal `json:"stop_loss"`
	TakeProfit decimal.Decimal `json:"take_profit"`
	OrderType  OrderType       `json:"order_type"`
	Bot        string          `json:"bot"`
	QuotedMid  decimal.Decimal `json:"quoted_mid"`
	Reasons    []string        `json:"reasons,omitempty"`
}

// TradeRecord is the result of one closed position.
type TradeRecord struct {
	Symbol     string          `json:"symbol"`
	Bot        string          `json:"bot"`
	Side       Side            `json:"side"`
	Size       decimal.Decimal `json:"size"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	ExitPrice  decimal.Decimal `json:"exit_price"`
	EntryTime  time.Time       `json:"entry_time"`
	ExitTime   time.Time       `json:"exit_time"`
	PnL        decimal.Decimal `json:"pnl"`
	Fees       decimal.Decimal `json:"fees"`
	Reason     string          `json:"reason"`
	MAE        decimal.Decimal `json:"mae"`
	MFE        decimal.Decimal `json:"mfe"`
	BarsHeld   int             `json:"bars_held"`
}

// PositionView is the canonical broker-side position shape used by
// reconciliation and the position store.
type PositionView struct {
	DealID     string          `json:"deal_id"`
	Symbol     string          `json:"symbol"`
	Epic       string          `json:"epic,omitempty"`
	Side       Side            `json:"side"`
	Size       decimal.Decimal `json:"size"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	OpenedAt   time.Time       `json:"opened_at"`
}

// ComboKey identifies a (symbol, bot, timeframe) trading combination.
type ComboKey struct {
	Symbol    string    `json:"symbol"`
	Bot       string    `json:"bot"`
	Timeframe Timeframe `json:"timeframe"`
}

// String renders the canonical "{symbol}:{bot}:{timeframe}" form.
func (k ComboKey) String() string {
	return k.Symbol + ":" + k.Bot + ":" + string(k.Timeframe)
}
