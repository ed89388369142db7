package feeds

import (
	"sync"
	"time"

	"github.com/Stratton1/SOLATv3.1-sub000/bus"
	"github.com/Stratton1/SOLATv3.1-sub000/types"
)

// Publisher fans quotes and bars out to the event bus, rate-limiting quotes
// per symbol. A quote arriving inside the min interval replaces the pending
// one (last-write-wins) instead of being delivered. Bars are never
// throttled.
type Publisher struct {
	mu sync.Mutex

	minInterval time.Duration
	events      *bus.Bus

	lastSent map[string]time.Time
	pending  map[string]types.Quote
	now      func() time.Time
}

// NewPublisher derives the per-symbol min interval from maxQuotesPerSec.
// Zero disables quote throttling.
func NewPublisher(events *bus.Bus, maxQuotesPerSec int) *Publisher {
	var interval time.Duration
	if maxQuotesPerSec > 0 {
		interval = time.Second / time.Duration(maxQuotesPerSec)
	}
	return &Publisher{
		minInterval: interval,
		events:      events,
		lastSent:    make(map[string]time.Time),
		pending:     make(map[string]types.Quote),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the publisher clock, for tests.
func (p *Publisher) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

// PublishQuote delivers the quote unless the symbol's interval has not
// elapsed, in which case the quote parks in the pending slot.
func (p *Publisher) PublishQuote(q types.Quote) bool {
	p.mu.Lock()
	now := p.now()
	if p.minInterval > 0 && now.Sub(p.lastSent[q.Symbol]) < p.minInterval {
		p.pending[q.Symbol] = q
		p.mu.Unlock()
		return false
	}
	p.lastSent[q.Symbol] = now
	delete(p.pending, q.Symbol)
	p.mu.Unlock()

	p.deliverQuote(q)
	return true
}

// FlushPending delivers parked quotes whose interval has elapsed. Called
// from a periodic tick so a quiet symbol still gets its last quote out.
func (p *Publisher) FlushPending() int {
	p.mu.Lock()
	now := p.now()
	var due []types.Quote
	for symbol, q := range p.pending {
		if now.Sub(p.lastSent[symbol]) >= p.minInterval {
			due = append(due, q)
			p.lastSent[symbol] = now
			delete(p.pending, symbol)
		}
	}
	p.mu.Unlock()

	for _, q := range due {
		p.deliverQuote(q)
	}
	return len(due)
}

// PublishBar always delivers.
func (p *Publisher) PublishBar(bar types.Bar) {
	p.events.Publish(bus.NewEvent(bus.EventBarReceived, map[string]any{
		"symbol":    bar.Symbol,
		"timeframe": string(bar.Timeframe),
		"bar":       bar,
	}))
}

func (p *Publisher) deliverQuote(q types.Quote) {
	p.events.Publish(bus.NewEvent(bus.EventQuoteReceived, map[string]any{
		"symbol": q.Symbol,
		"quote":  q,
	}))
}
