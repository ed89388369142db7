package allowlist

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Stratton1/SOLATv3.1-sub000/storage"
	"github.com/Stratton1/SOLATv3.1-sub000/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ALLOWLIST - Persisted combos approved for trading
// ═══════════════════════════════════════════════════════════════════════════════
//
// A stale entry (validation older than the configured threshold) is treated
// as disabled everywhere, without being rewritten on disk.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Entry is one approved (symbol, bot, timeframe) combo with the metrics that
// justified it.
type Entry struct {
	Key            types.ComboKey `json:"key"`
	Sharpe         float64        `json:"sharpe"`
	WinRate        float64        `json:"win_rate"`
	MaxDrawdownPct float64        `json:"max_drawdown_pct"`
	Trades         int            `json:"trades"`
	SourceRunID    string         `json:"source_run_id"`
	ValidatedAt    time.Time      `json:"validated_at"`
	Enabled        bool           `json:"enabled"`
}

type fileShape struct {
	UpdatedAt time.Time `json:"updated_at"`
	Entries   []Entry   `json:"entries"`
}

// Store owns allowlist.json.
type Store struct {
	mu         sync.RWMutex
	path       string
	staleAfter time.Duration
	entries    map[string]Entry // key ComboKey.String()
	now        func() time.Time
}

// NewStore opens (or lazily creates) the allowlist at path. staleAfter <= 0
// disables staleness checks.
func NewStore(path string, staleAfter time.Duration) (*Store, error) {
	s := &Store{
		path:       path,
		staleAfter: staleAfter,
		entries:    make(map[string]Entry),
		now:        func() time.Time { return time.Now().UTC() },
	}
	var file fileShape
	if err := storage.ReadJSON(path, &file); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read allowlist: %w", err)
		}
	} else {
		for _, entry := range file.Entries {
			s.entries[entry.Key.String()] = entry
		}
	}
	return s, nil
}

// SetClock overrides the staleness clock, for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) saveLocked() error {
	file := fileShape{UpdatedAt: s.now(), Entries: s.sortedLocked()}
	return storage.WriteJSONAtomic(s.path, file)
}

func (s *Store) sortedLocked() []Entry {
	out := make([]Entry, 0, len(s.entries))
	for _, entry := range s.entries {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// Upsert adds or replaces the entry for its combo key and persists.
func (s *Store) Upsert(entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.Key.String()] = entry
	log.Info().Str("combo", entry.Key.String()).Bool("enabled", entry.Enabled).Msg("Allowlist entry upserted")
	return s.saveLocked()
}

// Remove deletes the entry for key, persisting if it existed.
func (s *Store) Remove(key types.ComboKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key.String()]; !ok {
		return nil
	}
	delete(s.entries, key.String())
	return s.saveLocked()
}

// SetEnabled flips the enabled flag for key.
func (s *Store) SetEnabled(key types.ComboKey, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key.String()]
	if !ok {
		return fmt.Errorf("no allowlist entry for %s", key)
	}
	entry.Enabled = enabled
	s.entries[key.String()] = entry
	return s.saveLocked()
}

func (s *Store) staleLocked(entry Entry) bool {
	if s.staleAfter <= 0 {
		return false
	}
	return s.now().Sub(entry.ValidatedAt) > s.staleAfter
}

// Entries returns every entry, sorted by combo key.
func (s *Store) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedLocked()
}

// Active returns entries that are enabled and not stale.
func (s *Store) Active() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for _, entry := range s.sortedLocked() {
		if entry.Enabled && !s.staleLocked(entry) {
			out = append(out, entry)
		}
	}
	return out
}

// IsActive reports whether key is enabled and fresh.
func (s *Store) IsActive(key types.ComboKey) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[key.String()]
	return ok && entry.Enabled && !s.staleLocked(entry)
}

// ActiveSymbols returns the distinct symbols with at least one active combo.
func (s *Store) ActiveSymbols() []string {
	seen := make(map[string]bool)
	var out []string
	for _, entry := range s.Active() {
		if !seen[entry.Key.Symbol] {
			seen[entry.Key.Symbol] = true
			out = append(out, entry.Key.Symbol)
		}
	}
	sort.Strings(out)
	return out
}
