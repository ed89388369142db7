package execution

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/Stratton1/SOLATv3.1-sub000/types"
)

// PositionStore is the local view of open broker positions. Reconciliation
// overwrites it wholesale with broker truth.
type PositionStore struct {
	mu        sync.RWMutex
	positions map[string]types.PositionView // deal_id -> view
}

func NewPositionStore() *PositionStore {
	return &PositionStore{positions: make(map[string]types.PositionView)}
}

// Replace swaps the entire store for the given views.
func (s *PositionStore) Replace(views []types.PositionView) {
	next := make(map[string]types.PositionView, len(views))
	for _, v := range views {
		next[v.DealID] = v
	}
	s.mu.Lock()
	s.positions = next
	s.mu.Unlock()
}

// Upsert inserts or updates a single position.
func (s *PositionStore) Upsert(v types.PositionView) {
	s.mu.Lock()
	s.positions[v.DealID] = v
	s.mu.Unlock()
}

// Remove drops a position by deal id.
func (s *PositionStore) Remove(dealID string) {
	s.mu.Lock()
	delete(s.positions, dealID)
	s.mu.Unlock()
}

// Get returns one position.
func (s *PositionStore) Get(dealID string) (types.PositionView, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.positions[dealID]
	return v, ok
}

// All returns every position sorted by deal id.
func (s *PositionStore) All() []types.PositionView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.PositionView, 0, len(s.positions))
	for _, v := range s.positions {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DealID < out[j].DealID })
	return out
}

// Count returns the number of open positions.
func (s *PositionStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.positions)
}

// SymbolNotional sums size x entry price across one symbol's positions.
func (s *PositionStore) SymbolNotional(symbol string) decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := decimal.Zero
	for _, v := range s.positions {
		if v.Symbol == symbol {
			total = total.Add(v.Size.Mul(v.EntryPrice))
		}
	}
	return total
}
