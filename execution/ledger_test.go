package execution

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Stratton1/SOLATv3.1-sub000/storage"
	"github.com/Stratton1/SOLATv3.1-sub000/types"
)

func testLedger(t *testing.T) *Ledger {
	t.Helper()
	layout := storage.NewLayout(t.TempDir())
	l, err := NewLedger(layout, "sess_test", types.ModeDemo)
	require.NoError(t, err)
	return l
}

func TestLedgerArtefactsLiveUnderRunsDir(t *testing.T) {
	layout := storage.NewLayout(t.TempDir())
	l, err := NewLedger(layout, "sess_layout", types.ModeDemo)
	require.NoError(t, err)

	// Live artefacts share the runs/ root with backtest artefacts.
	assert.Equal(t, layout.RunDir("sess_layout"), l.Dir())

	require.NoError(t, l.Append(Entry{EntryType: EntryIntent, IntentID: "i-1"}))
	require.NoError(t, l.FlushSnapshot(nil))
	assert.FileExists(t, filepath.Join(l.Dir(), "ledger.jsonl"))
	assert.FileExists(t, filepath.Join(l.Dir(), "positions_snapshots.csv"))
	assert.FileExists(t, filepath.Join(l.Dir(), "manifest.json"))
}

func TestLedgerAppendAndRead(t *testing.T) {
	l := testLedger(t)

	require.NoError(t, l.Append(Entry{EntryType: EntryIntent, IntentID: "i-1", Symbol: "EURUSD"}))
	require.NoError(t, l.Append(Entry{EntryType: EntrySubmission, IntentID: "i-1", DealReference: "ref-1"}))
	require.NoError(t, l.Append(Entry{EntryType: EntryAck, DealReference: "ref-1", DealID: "deal-1"}))

	entries, skipped, err := l.Read()
	require.NoError(t, err)
	assert.Zero(t, skipped)
	require.Len(t, entries, 3)
	assert.Equal(t, EntryIntent, entries[0].EntryType)
	assert.False(t, entries[0].Timestamp.IsZero(), "timestamp stamped on append")
	assert.Equal(t, "deal-1", entries[2].DealID)
	assert.Equal(t, 3, l.Appended())
}

func TestLedgerSkipsTornLine(t *testing.T) {
	l := testLedger(t)
	require.NoError(t, l.Append(Entry{EntryType: EntryIntent, IntentID: "i-1"}))

	// Simulate a crash mid-write: a torn partial line at the end.
	f, err := os.OpenFile(l.entriesPath(), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"entry_type":"submis`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, l.Append(Entry{EntryType: EntryError, Reason: "after torn line"}))

	entries, skipped, err := l.Read()
	require.NoError(t, err)
	assert.Equal(t, 1, skipped)
	require.Len(t, entries, 2)
	assert.Equal(t, EntryError, entries[1].EntryType)
}

func TestLedgerManifestAndSnapshot(t *testing.T) {
	l := testLedger(t)

	var manifest LedgerManifest
	require.NoError(t, storage.ReadJSON(filepath.Join(l.Dir(), "manifest.json"), &manifest))
	assert.Equal(t, "sess_test", manifest.SessionID)
	assert.Equal(t, "DEMO", manifest.Mode)

	require.NoError(t, l.FlushSnapshot([]types.PositionView{{
		DealID:     "deal-1",
		Symbol:     "EURUSD",
		Side:       types.SideLong,
		Size:       decimal.NewFromInt(2),
		EntryPrice: decimal.NewFromFloat(1.1),
		OpenedAt:   time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}}))

	raw, err := os.ReadFile(filepath.Join(l.Dir(), "positions_snapshots.csv"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "deal-1,EURUSD,LONG,2,1.1")
}
