package feeds

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/Stratton1/SOLATv3.1-sub000/cache"
	"github.com/Stratton1/SOLATv3.1-sub000/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BAR BUILDER - Ticks to 1m OHLCV, with higher-timeframe derivation
// ═══════════════════════════════════════════════════════════════════════════════
//
// Quote mids drive OHLC. Bars align to UTC minute boundaries; a tick past
// the current bar's minute finalizes it. At 5/15/60/240 minute boundaries
// the buffered 1m bars are aggregated into higher-timeframe bars.
//
// ═══════════════════════════════════════════════════════════════════════════════

// oneMinuteBuffer bounds the per-symbol 1m history kept for derivation.
const oneMinuteBuffer = 300

var derivedTimeframes = []struct {
	tf      types.Timeframe
	minutes int
}{
	{types.TFM5, 5},
	{types.TFM15, 15},
	{types.TFH1, 60},
	{types.TFH4, 240},
}

type buildingBar struct {
	start time.Time
	open  decimal.Decimal
	high  decimal.Decimal
	low   decimal.Decimal
	close decimal.Decimal
	ticks int
}

// BarBuilder accumulates ticks into bars per symbol.
type BarBuilder struct {
	mu sync.Mutex

	current map[string]*buildingBar
	history map[string]*cache.Ring[types.Bar]
	warned  map[string]bool

	onBar func(types.Bar)
}

func NewBarBuilder() *BarBuilder {
	return &BarBuilder{
		current: make(map[string]*buildingBar),
		history: make(map[string]*cache.Ring[types.Bar]),
		warned:  make(map[string]bool),
	}
}

// OnBar installs the finalized-bar consumer. It receives 1m and derived
// higher-timeframe bars alike.
func (b *BarBuilder) OnBar(fn func(types.Bar)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onBar = fn
}

// OnTick folds one quote into the symbol's current 1m bar, finalizing the
// previous bar when the tick crosses a minute boundary.
func (b *BarBuilder) OnTick(q types.Quote) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.warned[q.Symbol] {
		b.warned[q.Symbol] = true
		log.Warn().Str("symbol", q.Symbol).Msg("Quote feed carries no volume, bars will have zero volume")
	}

	minute := q.Timestamp.UTC().Truncate(time.Minute)
	cur := b.current[q.Symbol]

	if cur != nil && minute.After(cur.start) {
		b.finalizeLocked(q.Symbol, cur)
		cur = nil
	}
	if cur == nil {
		b.current[q.Symbol] = &buildingBar{
			start: minute,
			open:  q.Mid,
			high:  q.Mid,
			low:   q.Mid,
			close: q.Mid,
			ticks: 1,
		}
		return
	}

	if q.Mid.GreaterThan(cur.high) {
		cur.high = q.Mid
	}
	if q.Mid.LessThan(cur.low) {
		cur.low = q.Mid
	}
	cur.close = q.Mid
	cur.ticks++
}

// ForceFinalize closes the in-progress bar for a symbol, if any.
func (b *BarBuilder) ForceFinalize(symbol string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur := b.current[symbol]; cur != nil {
		b.finalizeLocked(symbol, cur)
	}
}

// History returns the buffered 1m bars for a symbol, oldest first.
func (b *BarBuilder) History(symbol string) []types.Bar {
	b.mu.Lock()
	defer b.mu.Unlock()
	ring, ok := b.history[symbol]
	if !ok {
		return nil
	}
	return ring.Items()
}

func (b *BarBuilder) finalizeLocked(symbol string, cur *buildingBar) {
	bar := types.Bar{
		Symbol:    symbol,
		Timeframe: types.TFM1,
		Timestamp: cur.start,
		Open:      cur.open,
		High:      cur.high,
		Low:       cur.low,
		Close:     cur.close,
		Volume:    decimal.Zero,
	}
	delete(b.current, symbol)

	ring, ok := b.history[symbol]
	if !ok {
		ring = cache.NewRing[types.Bar](oneMinuteBuffer)
		b.history[symbol] = ring
	}
	ring.Append(bar)

	b.emitLocked(bar)
	b.deriveLocked(symbol, ring, cur.start)
}

// deriveLocked aggregates higher-timeframe bars when the finalized 1m bar
// closes a timeframe boundary.
func (b *BarBuilder) deriveLocked(symbol string, ring *cache.Ring[types.Bar], finalizedStart time.Time) {
	closeTime := finalizedStart.Add(time.Minute)

	for _, d := range derivedTimeframes {
		span := time.Duration(d.minutes) * time.Minute
		if !closeTime.Truncate(span).Equal(closeTime) {
			continue
		}
		windowStart := closeTime.Add(-span)

		var window []types.Bar
		for _, bar := range ring.Items() {
			if !bar.Timestamp.Before(windowStart) && bar.Timestamp.Before(closeTime) {
				window = append(window, bar)
			}
		}
		if len(window) == 0 {
			continue
		}

		agg := types.Bar{
			Symbol:    symbol,
			Timeframe: d.tf,
			Timestamp: windowStart,
			Open:      window[0].Open,
			High:      window[0].High,
			Low:       window[0].Low,
			Close:     window[len(window)-1].Close,
			Volume:    decimal.Zero,
		}
		for _, bar := range window[1:] {
			if bar.High.GreaterThan(agg.High) {
				agg.High = bar.High
			}
			if bar.Low.LessThan(agg.Low) {
				agg.Low = bar.Low
			}
			agg.Volume = agg.Volume.Add(bar.Volume)
		}
		agg.Volume = agg.Volume.Add(window[0].Volume)
		b.emitLocked(agg)
	}
}

func (b *BarBuilder) emitLocked(bar types.Bar) {
	if b.onBar != nil {
		b.onBar(bar)
	}
}
