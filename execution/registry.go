// Package execution holds the live-trading spine: the order registry, the
// append-only ledger, the kill switch, the routing state machine, and the
// position reconciler.
package execution

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/Stratton1/SOLATv3.1-sub000/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ORDER REGISTRY - Lifecycle state machine
// ═══════════════════════════════════════════════════════════════════════════════
//
// PENDING → SUBMITTED, REJECTED
// SUBMITTED → ACKNOWLEDGED, FILLED, REJECTED, EXPIRED
// ACKNOWLEDGED → FILLED, REJECTED, CANCELLED
// FILLED / REJECTED / CANCELLED / EXPIRED are terminal.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Tracker follows one intent through its order lifecycle.
type Tracker struct {
	IntentID      string            `json:"intent_id"`
	DealReference string            `json:"deal_reference"`
	DealID        string            `json:"deal_id,omitempty"`
	Symbol        string            `json:"symbol"`
	Side          types.Direction   `json:"side"`
	Size          decimal.Decimal   `json:"size"`
	Bot           string            `json:"bot,omitempty"`
	Status        types.OrderStatus `json:"status"`
	Reason        string            `json:"reason,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

var legalTransitions = map[types.OrderStatus][]types.OrderStatus{
	types.OrderStatusPending:      {types.OrderStatusSubmitted, types.OrderStatusRejected},
	types.OrderStatusSubmitted:    {types.OrderStatusAcknowledged, types.OrderStatusFilled, types.OrderStatusRejected, types.OrderStatusExpired},
	types.OrderStatusAcknowledged: {types.OrderStatusFilled, types.OrderStatusRejected, types.OrderStatusCancelled},
}

func transitionLegal(from, to types.OrderStatus) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Registry indexes trackers by deal reference, intent id, and (once
// acknowledged) broker deal id.
type Registry struct {
	mu          sync.Mutex
	byReference map[string]*Tracker
	byIntent    map[string]string // intent_id -> deal_reference
	byDeal      map[string]string // deal_id -> deal_reference
	now         func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		byReference: make(map[string]*Tracker),
		byIntent:    make(map[string]string),
		byDeal:      make(map[string]string),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the registry clock, for tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Register opens a PENDING tracker for an intent. A duplicate intent_id is
// rejected.
func (r *Registry) Register(intent types.OrderIntent, dealReference string) (Tracker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.byIntent[intent.IntentID]; dup {
		return Tracker{}, fmt.Errorf("intent_id %s already registered", intent.IntentID)
	}
	if _, dup := r.byReference[dealReference]; dup {
		return Tracker{}, fmt.Errorf("deal_reference %s already registered", dealReference)
	}

	now := r.now()
	t := &Tracker{
		IntentID:      intent.IntentID,
		DealReference: dealReference,
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Size:          intent.Size,
		Bot:           intent.Bot,
		Status:        types.OrderStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	r.byReference[dealReference] = t
	r.byIntent[intent.IntentID] = dealReference
	return *t, nil
}

// Transition moves a tracker to a new status if the transition is legal.
func (r *Registry) Transition(dealReference string, to types.OrderStatus, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transitionLocked(dealReference, to, reason)
}

func (r *Registry) transitionLocked(dealReference string, to types.OrderStatus, reason string) error {
	t, ok := r.byReference[dealReference]
	if !ok {
		return fmt.Errorf("unknown deal_reference %s", dealReference)
	}
	if !transitionLegal(t.Status, to) {
		return fmt.Errorf("illegal transition %s -> %s for %s", t.Status, to, dealReference)
	}
	t.Status = to
	t.Reason = reason
	t.UpdatedAt = r.now()
	log.Debug().
		Str("deal_reference", dealReference).
		Str("status", string(to)).
		Msg("Order state transition")
	return nil
}

// Acknowledge records the broker deal id and moves the tracker to
// ACKNOWLEDGED.
func (r *Registry) Acknowledge(dealReference, dealID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.transitionLocked(dealReference, types.OrderStatusAcknowledged, ""); err != nil {
		return err
	}
	r.byReference[dealReference].DealID = dealID
	if dealID != "" {
		r.byDeal[dealID] = dealReference
	}
	return nil
}

// ByReference looks a tracker up by deal reference.
func (r *Registry) ByReference(dealReference string) (Tracker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byReference[dealReference]
	if !ok {
		return Tracker{}, false
	}
	return *t, true
}

// ByIntent looks a tracker up by intent id.
func (r *Registry) ByIntent(intentID string) (Tracker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref, ok := r.byIntent[intentID]
	if !ok {
		return Tracker{}, false
	}
	return *r.byReference[ref], true
}

// ByDealID looks a tracker up by broker deal id.
func (r *Registry) ByDealID(dealID string) (Tracker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref, ok := r.byDeal[dealID]
	if !ok {
		return Tracker{}, false
	}
	return *r.byReference[ref], true
}

// PurgeCompleted drops terminal trackers older than maxAge and returns the
// number removed.
func (r *Registry) PurgeCompleted(maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-maxAge)
	purged := 0
	for ref, t := range r.byReference {
		if !t.Status.Terminal() || t.UpdatedAt.After(cutoff) {
			continue
		}
		delete(r.byReference, ref)
		delete(r.byIntent, t.IntentID)
		if t.DealID != "" {
			delete(r.byDeal, t.DealID)
		}
		purged++
	}
	if purged > 0 {
		log.Debug().Int("purged", purged).Msg("Registry purged stale completed orders")
	}
	return purged
}

// Len returns the number of tracked orders.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byReference)
}
