package allowlist

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Stratton1/SOLATv3.1-sub000/storage"
	"github.com/Stratton1/SOLATv3.1-sub000/types"
)

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func comboKey(symbol string) types.ComboKey {
	return types.ComboKey{Symbol: symbol, Bot: "tk_cross_sniper", Timeframe: types.TFH1}
}

func freshEntry(symbol string) Entry {
	return Entry{
		Key:         comboKey(symbol),
		Sharpe:      1.8,
		WinRate:     55,
		Trades:      40,
		SourceRunID: "bt_20240301_100000_abcd1234",
		ValidatedAt: now.Add(-time.Hour),
		Enabled:     true,
	}
}

func testStore(t *testing.T, staleAfter time.Duration) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "allowlist.json"), staleAfter)
	require.NoError(t, err)
	store.SetClock(func() time.Time { return now })
	return store
}

func TestUpsertPersistsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "allowlist.json")
	store, err := NewStore(path, 0)
	require.NoError(t, err)
	require.NoError(t, store.Upsert(freshEntry("EURUSD")))
	require.NoError(t, store.Upsert(freshEntry("GBPUSD")))

	reloaded, err := NewStore(path, 0)
	require.NoError(t, err)
	entries := reloaded.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "EURUSD", entries[0].Key.Symbol)
	assert.True(t, reloaded.IsActive(comboKey("GBPUSD")))
}

func TestStaleEntryTreatedAsDisabled(t *testing.T) {
	store := testStore(t, 24*time.Hour)

	stale := freshEntry("EURUSD")
	stale.ValidatedAt = now.Add(-48 * time.Hour)
	require.NoError(t, store.Upsert(stale))
	require.NoError(t, store.Upsert(freshEntry("GBPUSD")))

	assert.False(t, store.IsActive(comboKey("EURUSD")))
	assert.True(t, store.IsActive(comboKey("GBPUSD")))

	active := store.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "GBPUSD", active[0].Key.Symbol)
	// Staleness is observational; the entry itself is untouched.
	assert.Len(t, store.Entries(), 2)
}

func TestSetEnabled(t *testing.T) {
	store := testStore(t, 0)
	require.NoError(t, store.Upsert(freshEntry("EURUSD")))

	require.NoError(t, store.SetEnabled(comboKey("EURUSD"), false))
	assert.False(t, store.IsActive(comboKey("EURUSD")))

	assert.Error(t, store.SetEnabled(comboKey("USDJPY"), true))
}

func TestActiveSymbols(t *testing.T) {
	store := testStore(t, 0)
	require.NoError(t, store.Upsert(freshEntry("GBPUSD")))
	require.NoError(t, store.Upsert(freshEntry("EURUSD")))
	other := freshEntry("EURUSD")
	other.Key.Timeframe = types.TFM15
	require.NoError(t, store.Upsert(other))

	assert.Equal(t, []string{"EURUSD", "GBPUSD"}, store.ActiveSymbols())
}

func TestProposalLifecycle(t *testing.T) {
	layout := storage.NewLayout(t.TempDir())
	proposals := NewProposalStore(layout)
	store := testStore(t, 0)

	created, err := proposals.Create([]Entry{freshEntry("EURUSD")}, "wf_run_1")
	require.NoError(t, err)
	assert.Equal(t, ProposalPending, created.Status)

	applied, err := proposals.Apply(created.ID, types.ModeDemo, store)
	require.NoError(t, err)
	assert.Equal(t, ProposalApplied, applied.Status)
	assert.True(t, store.IsActive(comboKey("EURUSD")))

	// Applying twice fails: no longer pending.
	_, err = proposals.Apply(created.ID, types.ModeDemo, store)
	assert.Error(t, err)
}

func TestProposalApplyBlockedInLive(t *testing.T) {
	layout := storage.NewLayout(t.TempDir())
	proposals := NewProposalStore(layout)
	store := testStore(t, 0)

	created, err := proposals.Create([]Entry{freshEntry("EURUSD")}, "wf_run_1")
	require.NoError(t, err)

	rejected, err := proposals.Apply(created.ID, types.ModeLive, store)
	require.Error(t, err)
	assert.Equal(t, ProposalRejected, rejected.Status)
	assert.Contains(t, rejected.Reason, "LIVE")
	assert.False(t, store.IsActive(comboKey("EURUSD")))

	// The rejection is persisted.
	loaded, err := proposals.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, ProposalRejected, loaded.Status)
}

func TestProposalList(t *testing.T) {
	layout := storage.NewLayout(t.TempDir())
	proposals := NewProposalStore(layout)

	_, err := proposals.Create([]Entry{freshEntry("EURUSD")}, "run_a")
	require.NoError(t, err)
	_, err = proposals.Create([]Entry{freshEntry("GBPUSD")}, "run_b")
	require.NoError(t, err)

	list, err := proposals.List()
	require.NoError(t, err)
	assert.Len(t, list, 2)
}
