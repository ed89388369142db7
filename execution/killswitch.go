package execution

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Stratton1/SOLATv3.1-sub000/broker"
	"github.com/Stratton1/SOLATv3.1-sub000/bus"
	"github.com/Stratton1/SOLATv3.1-sub000/storage"
	"github.com/Stratton1/SOLATv3.1-sub000/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// KILL SWITCH - Persisted, idempotent trading stop
// ═══════════════════════════════════════════════════════════════════════════════
//
// Activation blocks all routing, survives restarts (atomic write + restore
// at startup), and optionally closes every open position in parallel with
// bounded retries. Close failures never fail the activation itself.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	killCloseRetries = 3
	killCloseBackoff = 500 * time.Millisecond
)

// Activation is the persisted kill switch state.
type Activation struct {
	Active    bool      `json:"active"`
	Timestamp time.Time `json:"timestamp,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// KillSwitch persists its state at the layout's kill switch path.
type KillSwitch struct {
	mu    sync.Mutex
	path  string
	state Activation

	closeOnActivate bool
	broker          broker.Adapter
	positions       *PositionStore
	ledger          *Ledger
	events          *bus.Bus

	closeBackoff time.Duration
	now          func() time.Time
}

// NewKillSwitch restores any persisted activation from disk.
func NewKillSwitch(layout storage.Layout, closeOnActivate bool, adapter broker.Adapter, positions *PositionStore, ledger *Ledger, events *bus.Bus) *KillSwitch {
	k := &KillSwitch{
		path:            layout.KillSwitchPath(),
		closeOnActivate: closeOnActivate,
		broker:          adapter,
		positions:       positions,
		ledger:          ledger,
		events:          events,
		closeBackoff:    killCloseBackoff,
		now:             func() time.Time { return time.Now().UTC() },
	}

	var persisted Activation
	if err := storage.ReadJSON(k.path, &persisted); err == nil {
		k.state = persisted
		if persisted.Active {
			log.Warn().
				Str("actor", persisted.Actor).
				Str("reason", persisted.Reason).
				Time("since", persisted.Timestamp).
				Msg("🚨 Kill switch restored ACTIVE from disk")
		}
	} else if !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("Kill switch state unreadable, starting inactive")
	}
	return k
}

// SetClock overrides the clock, for tests.
func (k *KillSwitch) SetClock(now func() time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.now = now
}

// SetCloseBackoff shortens the close retry backoff, for tests.
func (k *KillSwitch) SetCloseBackoff(d time.Duration) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.closeBackoff = d
}

// IsActive reports the switch state.
func (k *KillSwitch) IsActive() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state.Active
}

// State returns the current activation record.
func (k *KillSwitch) State() Activation {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state
}

// Activate trips the switch. Re-activation is a no-op returning the original
// record with changed=false.
func (k *KillSwitch) Activate(ctx context.Context, actor, reason string) (Activation, bool) {
	k.mu.Lock()
	if k.state.Active {
		state := k.state
		k.mu.Unlock()
		log.Info().Str("actor", actor).Msg("Kill switch already active, activation is a no-op")
		return state, false
	}
	k.state = Activation{Active: true, Timestamp: k.now(), Actor: actor, Reason: reason}
	state := k.state
	k.mu.Unlock()

	k.persist(state)
	log.Error().Str("actor", actor).Str("reason", reason).Msg("🚨 KILL SWITCH ACTIVATED")

	if k.ledger != nil {
		k.ledger.Append(Entry{
			EntryType: EntryKillSwitch,
			Status:    "activated",
			Reason:    reason,
			Details:   map[string]any{"actor": actor},
		})
	}
	if k.events != nil {
		k.events.Publish(bus.NewEvent(bus.EventKillSwitchActivated, map[string]any{
			"actor":  actor,
			"reason": reason,
		}))
	}

	if k.closeOnActivate && k.broker != nil {
		k.closeAll(ctx)
	}
	return state, true
}

// Reset clears the activation record.
func (k *KillSwitch) Reset(actor string) {
	k.mu.Lock()
	wasActive := k.state.Active
	k.state = Activation{}
	state := k.state
	k.mu.Unlock()

	k.persist(state)
	if !wasActive {
		return
	}
	log.Warn().Str("actor", actor).Msg("Kill switch reset")
	if k.ledger != nil {
		k.ledger.Append(Entry{
			EntryType: EntryKillSwitch,
			Status:    "reset",
			Details:   map[string]any{"actor": actor},
		})
	}
	if k.events != nil {
		k.events.Publish(bus.NewEvent(bus.EventKillSwitchReset, map[string]any{"actor": actor}))
	}
}

func (k *KillSwitch) persist(state Activation) {
	if err := storage.WriteJSONAtomic(k.path, state); err != nil {
		log.Error().Err(err).Str("path", k.path).Msg("Kill switch state persist failed")
	}
}

// closeAll closes every open position in parallel. Each position gets up to
// killCloseRetries attempts with a backoff between them. Failures are
// reported but never fail the activation.
func (k *KillSwitch) closeAll(ctx context.Context) {
	open := k.positions.All()
	if len(open) == 0 {
		return
	}
	log.Warn().Int("positions", len(open)).Msg("Kill switch closing all open positions")

	var wg sync.WaitGroup
	var mu sync.Mutex
	var failed []string

	for _, pos := range open {
		wg.Add(1)
		go func(p types.PositionView) {
			defer wg.Done()
			if err := k.closeOne(ctx, p); err != nil {
				log.Error().Err(err).Str("deal_id", p.DealID).Msg("Kill switch close failed")
				mu.Lock()
				failed = append(failed, p.DealID)
				mu.Unlock()
			} else {
				k.positions.Remove(p.DealID)
			}
		}(pos)
	}
	wg.Wait()

	if len(failed) > 0 && k.events != nil {
		k.events.Publish(bus.NewEvent(bus.EventKillSwitchCloseFailed, map[string]any{
			"deal_ids": failed,
		}))
	}
}

func (k *KillSwitch) closeOne(ctx context.Context, p types.PositionView) error {
	direction := types.DirectionSell
	if p.Side == types.SideShort {
		direction = types.DirectionBuy
	}

	var lastErr error
	for attempt := 1; attempt <= killCloseRetries; attempt++ {
		resp, err := k.broker.ClosePosition(ctx, p.DealID, direction, p.Size)
		if err == nil && resp.Status == broker.DealAccepted {
			log.Info().Str("deal_id", p.DealID).Int("attempt", attempt).Msg("Position closed by kill switch")
			return nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = &broker.Error{Kind: broker.KindAPI, Op: "close_position", Msg: resp.Reason}
		}
		if attempt < killCloseRetries {
			select {
			case <-time.After(k.closeBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}
