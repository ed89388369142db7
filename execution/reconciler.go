package execution

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/Stratton1/SOLATv3.1-sub000/broker"
	"github.com/Stratton1/SOLATv3.1-sub000/bus"
	"github.com/Stratton1/SOLATv3.1-sub000/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RECONCILIATION - Broker truth vs local position store
// ═══════════════════════════════════════════════════════════════════════════════
//
// Each cycle pulls broker positions, computes the drift sets, and overwrites
// the local store with broker truth. There is no conflict resolution in
// favor of local state.
//
// ═══════════════════════════════════════════════════════════════════════════════

// sizeDriftEps is the tolerance below which size differences are not drift.
var sizeDriftEps = decimal.NewFromFloat(0.0001)

// ReconcileResult is the outcome of one reconciliation cycle.
type ReconcileResult struct {
	At              time.Time `json:"at"`
	Drift           bool      `json:"drift"`
	MissingLocally  []string  `json:"missing_locally,omitempty"`
	MissingOnBroker []string  `json:"missing_on_broker,omitempty"`
	SizeMismatches  []string  `json:"size_mismatches,omitempty"`
	BrokerPositions int       `json:"broker_positions"`
	Error           string    `json:"error,omitempty"`
}

// Reconciler runs the background reconciliation loop.
type Reconciler struct {
	interval      time.Duration
	snapshotEvery int // cycles between snapshot flushes

	broker    broker.Adapter
	positions *PositionStore
	ledger    *Ledger
	events    *bus.Bus

	mu     sync.Mutex
	cycles int
	last   ReconcileResult
}

func NewReconciler(interval time.Duration, adapter broker.Adapter, positions *PositionStore, ledger *Ledger, events *bus.Bus) *Reconciler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reconciler{
		interval:      interval,
		snapshotEvery: 10,
		broker:        adapter,
		positions:     positions,
		ledger:        ledger,
		events:        events,
	}
}

// Run loops until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	log.Info().Dur("interval", r.interval).Msg("Reconciliation loop started")
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Reconciliation loop stopped")
			return
		case <-ticker.C:
			r.ReconcileOnce(ctx)
		}
	}
}

// Last returns the most recent cycle result. Zero At means no cycle has
// completed yet.
func (r *Reconciler) Last() ReconcileResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

func (r *Reconciler) setLast(result ReconcileResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = result
}

// ReconcileOnce performs a single reconciliation cycle.
func (r *Reconciler) ReconcileOnce(ctx context.Context) ReconcileResult {
	r.mu.Lock()
	r.cycles++
	cycle := r.cycles
	r.mu.Unlock()
	result := ReconcileResult{At: time.Now().UTC()}

	brokerViews, err := r.broker.ListPositions(ctx)
	if err != nil {
		result.Error = err.Error()
		result.Drift = true
		log.Warn().Err(err).Msg("Reconciliation: broker position fetch failed")
		r.ledger.Append(Entry{
			EntryType: EntryReconciliation,
			Status:    "error",
			Reason:    err.Error(),
		})
		r.setLast(result)
		return result
	}
	result.BrokerPositions = len(brokerViews)

	local := r.positions.All()
	localByID := make(map[string]types.PositionView, len(local))
	for _, p := range local {
		localByID[p.DealID] = p
	}
	brokerByID := make(map[string]types.PositionView, len(brokerViews))
	for _, p := range brokerViews {
		brokerByID[p.DealID] = p
	}

	for id := range brokerByID {
		if _, ok := localByID[id]; !ok {
			result.MissingLocally = append(result.MissingLocally, id)
		}
	}
	for id := range localByID {
		if _, ok := brokerByID[id]; !ok {
			result.MissingOnBroker = append(result.MissingOnBroker, id)
		}
	}
	for id, lp := range localByID {
		if bp, ok := brokerByID[id]; ok {
			if lp.Size.Sub(bp.Size).Abs().GreaterThan(sizeDriftEps) {
				result.SizeMismatches = append(result.SizeMismatches, id)
			}
		}
	}
	sort.Strings(result.MissingLocally)
	sort.Strings(result.MissingOnBroker)
	sort.Strings(result.SizeMismatches)
	result.Drift = len(result.MissingLocally)+len(result.MissingOnBroker)+len(result.SizeMismatches) > 0

	// Broker truth wins.
	r.positions.Replace(brokerViews)

	r.events.Publish(bus.NewEvent(bus.EventPositionsUpdated, map[string]any{
		"count": len(brokerViews),
	}))
	if result.Drift {
		log.Warn().
			Strs("missing_locally", result.MissingLocally).
			Strs("missing_on_broker", result.MissingOnBroker).
			Strs("size_mismatches", result.SizeMismatches).
			Msg("⚠️ Position drift detected, broker truth applied")
		r.events.Publish(bus.NewEvent(bus.EventReconWarning, map[string]any{
			"missing_locally":   result.MissingLocally,
			"missing_on_broker": result.MissingOnBroker,
			"size_mismatches":   result.SizeMismatches,
		}))
	}

	r.ledger.Append(Entry{
		EntryType: EntryReconciliation,
		Status:    "ok",
		Details: map[string]any{
			"drift":             result.Drift,
			"broker_positions":  result.BrokerPositions,
			"missing_locally":   result.MissingLocally,
			"missing_on_broker": result.MissingOnBroker,
			"size_mismatches":   result.SizeMismatches,
		},
	})
	if cycle%r.snapshotEvery == 0 {
		if err := r.ledger.FlushSnapshot(brokerViews); err != nil {
			log.Warn().Err(err).Msg("Position snapshot flush failed")
		}
	}

	r.setLast(result)
	return result
}
