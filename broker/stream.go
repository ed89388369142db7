package broker

import (
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/Stratton1/SOLATv3.1-sub000/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STREAMING QUOTE CLIENT
// ═══════════════════════════════════════════════════════════════════════════════
//
// Connects to the broker's push endpoint, parses L1 updates into canonical
// quotes, and fans them out. On disconnect it reconnects with exponential
// backoff 1s -> 60s plus up to 10% jitter, giving up after max attempts.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	streamBackoffMin = time.Second
	streamBackoffMax = 60 * time.Second
	streamPingEvery  = 30 * time.Second
)

// StreamConfig tunes the quote stream.
type StreamConfig struct {
	URL         string
	APIKey      string
	MaxAttempts int // consecutive reconnect attempts before giving up; 0 = 10
}

// l1Update is the broker's wire format for a level-1 price push.
type l1Update struct {
	Epic      string          `json:"epic"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"offer"`
	Timestamp int64           `json:"updateTimeMs"`
}

// Stream is the push-quote client.
type Stream struct {
	mu sync.RWMutex

	cfg       StreamConfig
	conn      *websocket.Conn
	connected bool
	running   bool
	stopCh    chan struct{}

	// epic -> symbol for the active subscriptions
	subs map[string]string

	subscribers []chan types.Quote
	onGiveUp    func()
}

func NewStream(cfg StreamConfig) *Stream {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	return &Stream{
		cfg:    cfg,
		stopCh: make(chan struct{}),
		subs:   make(map[string]string),
	}
}

// OnGiveUp installs a callback invoked when reconnection attempts are
// exhausted. The controller uses it to fall back to polling.
func (s *Stream) OnGiveUp(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onGiveUp = fn
}

// Start launches the connection loop.
func (s *Stream) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	go s.connectionLoop()
	log.Info().Str("url", s.cfg.URL).Msg("📡 Quote stream started")
}

// Stop closes the connection and halts reconnection.
func (s *Stream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.stopCh)
	if s.conn != nil {
		s.conn.Close()
	}
	log.Info().Msg("Quote stream stopped")
}

// Subscribe registers a symbol/epic pair and resends subscriptions if
// connected.
func (s *Stream) Subscribe(symbol, epic string) {
	s.mu.Lock()
	s.subs[epic] = symbol
	conn := s.conn
	connected := s.connected
	s.mu.Unlock()

	if connected {
		s.sendSubscribe(conn, epic)
	}
}

// Unsubscribe removes one epic.
func (s *Stream) Unsubscribe(epic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, epic)
}

// UnsubscribeAll clears every subscription.
func (s *Stream) UnsubscribeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = make(map[string]string)
}

// Quotes returns a buffered channel receiving parsed quotes.
func (s *Stream) Quotes() chan types.Quote {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan types.Quote, 1000)
	s.subscribers = append(s.subscribers, ch)
	return ch
}

// Connected reports the current socket state.
func (s *Stream) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// Backoff returns the reconnect delay for one attempt: exponential from 1s,
// capped at 60s, plus up to 10% jitter.
func Backoff(attempt int) time.Duration {
	d := streamBackoffMin << uint(attempt)
	if d > streamBackoffMax || d <= 0 {
		d = streamBackoffMax
	}
	jitter := time.Duration(rand.Int63n(int64(d)/10 + 1))
	return d + jitter
}

func (s *Stream) connectionLoop() {
	attempts := 0
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		if err := s.connect(); err != nil {
			attempts++
			if attempts >= s.cfg.MaxAttempts {
				log.Error().Int("attempts", attempts).Msg("🚨 Quote stream giving up after max reconnect attempts")
				s.mu.RLock()
				giveUp := s.onGiveUp
				s.mu.RUnlock()
				if giveUp != nil {
					giveUp()
				}
				return
			}
			delay := Backoff(attempts - 1)
			log.Warn().Err(err).Int("attempt", attempts).Dur("backoff", delay).Msg("Quote stream reconnecting")
			select {
			case <-time.After(delay):
			case <-s.stopCh:
				return
			}
			continue
		}

		attempts = 0
		s.readLoop()

		s.mu.Lock()
		s.connected = false
		running := s.running
		s.mu.Unlock()
		if !running {
			return
		}
	}
}

func (s *Stream) connect() error {
	header := map[string][]string{}
	if s.cfg.APIKey != "" {
		header["X-IG-API-KEY"] = []string{s.cfg.APIKey}
	}
	conn, _, err := websocket.DefaultDialer.Dial(s.cfg.URL, header)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.connected = true
	epics := make([]string, 0, len(s.subs))
	for epic := range s.subs {
		epics = append(epics, epic)
	}
	s.mu.Unlock()

	for _, epic := range epics {
		s.sendSubscribe(conn, epic)
	}
	log.Info().Int("subscriptions", len(epics)).Msg("Quote stream connected")
	return nil
}

func (s *Stream) sendSubscribe(conn *websocket.Conn, epic string) {
	msg := map[string]any{"op": "subscribe", "epic": epic, "fields": []string{"bid", "offer"}}
	if err := conn.WriteJSON(msg); err != nil {
		log.Warn().Err(err).Str("epic", epic).Msg("Subscribe send failed")
	}
}

func (s *Stream) readLoop() {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()

	pinger := time.NewTicker(streamPingEvery)
	defer pinger.Stop()
	go func() {
		for {
			select {
			case <-pinger.C:
				conn.WriteMessage(websocket.PingMessage, nil)
			case <-s.stopCh:
				return
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			log.Warn().Err(err).Msg("Quote stream read error")
			conn.Close()
			return
		}
		s.handleMessage(raw)
	}
}

func (s *Stream) handleMessage(raw []byte) {
	var update l1Update
	if err := json.Unmarshal(raw, &update); err != nil || update.Epic == "" {
		return
	}
	if !update.Bid.IsPositive() || !update.Ask.IsPositive() {
		return
	}

	s.mu.RLock()
	symbol, ok := s.subs[update.Epic]
	subscribers := s.subscribers
	s.mu.RUnlock()
	if !ok {
		return
	}

	ts := time.UnixMilli(update.Timestamp).UTC()
	if update.Timestamp == 0 {
		ts = time.Now().UTC()
	}
	quote := types.NewQuote(symbol, update.Epic, update.Bid, update.Ask, ts)

	for _, ch := range subscribers {
		select {
		case ch <- quote:
		default: // slow consumer, drop
		}
	}
}
