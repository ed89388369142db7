package execution

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/Stratton1/SOLATv3.1-sub000/storage"
	"github.com/Stratton1/SOLATv3.1-sub000/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXECUTION LEDGER - Append-only JSONL audit trail
// ═══════════════════════════════════════════════════════════════════════════════
//
// One runs/{session}/ledger.jsonl plus a manifest and a periodically flushed
// position snapshot CSV in the same directory. Writes are strictly
// append-only; a torn trailing line is skipped on read and later lines
// remain readable.
//
// ═══════════════════════════════════════════════════════════════════════════════

// EntryType classifies one ledger row.
type EntryType string

const (
	EntryIntent         EntryType = "intent"
	EntrySubmission     EntryType = "submission"
	EntryAck            EntryType = "ack"
	EntryRejection      EntryType = "rejection"
	EntryError          EntryType = "error"
	EntryReconciliation EntryType = "reconciliation"
	EntryKillSwitch     EntryType = "kill_switch"
)

// Entry is one ledger row. Unknown fields in old files are ignored on read.
type Entry struct {
	Timestamp     time.Time       `json:"timestamp"`
	EntryType     EntryType       `json:"entry_type"`
	IntentID      string          `json:"intent_id,omitempty"`
	DealReference string          `json:"deal_reference,omitempty"`
	DealID        string          `json:"deal_id,omitempty"`
	Symbol        string          `json:"symbol,omitempty"`
	Side          string          `json:"side,omitempty"`
	Size          decimal.Decimal `json:"size,omitempty"`
	Status        string          `json:"status,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	Details       map[string]any  `json:"details,omitempty"`
}

// LedgerManifest describes one ledger session directory.
type LedgerManifest struct {
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
	Mode      string    `json:"mode"`
}

// Ledger appends entries for one execution session.
type Ledger struct {
	mu        sync.Mutex
	dir       string
	sessionID string
	appended  int
	now       func() time.Time
}

// NewLedger creates the session directory and writes the manifest.
func NewLedger(layout storage.Layout, sessionID string, mode types.Mode) (*Ledger, error) {
	dir := layout.LedgerDir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}

	l := &Ledger{
		dir:       dir,
		sessionID: sessionID,
		now:       func() time.Time { return time.Now().UTC() },
	}
	manifest := LedgerManifest{SessionID: sessionID, CreatedAt: l.now(), Mode: string(mode)}
	if err := storage.WriteJSONAtomic(filepath.Join(dir, "manifest.json"), manifest); err != nil {
		return nil, err
	}
	log.Info().Str("session_id", sessionID).Str("dir", dir).Msg("Execution ledger opened")
	return l, nil
}

// SetClock overrides the ledger clock, for tests.
func (l *Ledger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Dir returns the session directory.
func (l *Ledger) Dir() string { return l.dir }

func (l *Ledger) entriesPath() string { return filepath.Join(l.dir, "ledger.jsonl") }

// Append stamps and appends one entry. The write is the only mutation the
// file ever sees.
func (l *Ledger) Append(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	if err := storage.AppendJSONL(l.entriesPath(), e); err != nil {
		log.Error().Err(err).Str("entry_type", string(e.EntryType)).Msg("Ledger append failed")
		return err
	}
	l.appended++
	return nil
}

// Read returns all readable entries and the count of skipped corrupt lines.
func (l *Ledger) Read() ([]Entry, int, error) {
	entries, skipped, err := storage.ReadJSONL[Entry](l.entriesPath())
	if skipped > 0 {
		log.Warn().Int("skipped", skipped).Msg("Ledger contains unreadable lines")
	}
	return entries, skipped, err
}

// Appended returns the number of entries written this session.
func (l *Ledger) Appended() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appended
}

// FlushSnapshot writes the current open positions as a columnar snapshot.
func (l *Ledger) FlushSnapshot(positions []types.PositionView) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	header := []string{"deal_id", "symbol", "side", "size", "entry_price", "opened_at"}
	rows := make([][]string, 0, len(positions))
	for _, p := range positions {
		rows = append(rows, []string{
			p.DealID,
			p.Symbol,
			string(p.Side),
			p.Size.String(),
			p.EntryPrice.String(),
			p.OpenedAt.UTC().Format(time.RFC3339),
		})
	}
	return storage.WriteCSVAtomic(filepath.Join(l.dir, "positions_snapshots.csv"), header, rows)
}
