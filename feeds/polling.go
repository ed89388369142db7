package feeds

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Stratton1/SOLATv3.1-sub000/broker"
	"github.com/Stratton1/SOLATv3.1-sub000/types"
)

// PollingSource fetches REST market details at a fixed cadence for each
// subscribed symbol. It is the fallback when streaming is unhealthy.
type PollingSource struct {
	mu sync.Mutex

	adapter  broker.Adapter
	interval time.Duration

	subs        map[string]string // epic -> symbol
	subscribers []chan types.Quote
	running     bool
	stopCh      chan struct{}
}

func NewPollingSource(adapter broker.Adapter, interval time.Duration) *PollingSource {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &PollingSource{
		adapter:  adapter,
		interval: interval,
		subs:     make(map[string]string),
	}
}

func (p *PollingSource) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	stopCh := p.stopCh
	p.mu.Unlock()

	go p.loop(stopCh)
	log.Info().Dur("interval", p.interval).Msg("Polling source started")
}

func (p *PollingSource) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.running = false
	close(p.stopCh)
	log.Info().Msg("Polling source stopped")
}

func (p *PollingSource) Subscribe(symbol, epic string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs[epic] = symbol
}

func (p *PollingSource) Unsubscribe(epic string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.subs, epic)
}

func (p *PollingSource) UnsubscribeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs = make(map[string]string)
}

func (p *PollingSource) Quotes() chan types.Quote {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan types.Quote, 1000)
	p.subscribers = append(p.subscribers, ch)
	return ch
}

func (p *PollingSource) loop(stopCh chan struct{}) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			p.pollOnce()
		}
	}
}

func (p *PollingSource) pollOnce() {
	p.mu.Lock()
	subs := make(map[string]string, len(p.subs))
	for epic, symbol := range p.subs {
		subs[epic] = symbol
	}
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), p.interval)
	defer cancel()

	for epic, symbol := range subs {
		details, err := p.adapter.GetMarketDetails(ctx, epic)
		if err != nil {
			log.Warn().Err(err).Str("epic", epic).Msg("Market details poll failed")
			continue
		}
		if !details.Bid.IsPositive() || !details.Ask.IsPositive() {
			continue
		}
		ts := details.UpdateTime
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		p.deliver(types.NewQuote(symbol, epic, details.Bid, details.Ask, ts))
	}
}

func (p *PollingSource) deliver(q types.Quote) {
	p.mu.Lock()
	subscribers := p.subscribers
	p.mu.Unlock()

	for _, ch := range subscribers {
		select {
		case ch <- q:
		default: // slow consumer, drop
		}
	}
}
