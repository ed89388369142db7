package execution

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Stratton1/SOLATv3.1-sub000/types"
)

func testIntent(id string) types.OrderIntent {
	return types.OrderIntent{
		IntentID:  id,
		Symbol:    "EURUSD",
		Side:      types.DirectionBuy,
		Size:      decimal.NewFromInt(1),
		StopLoss:  decimal.NewFromFloat(1.0950),
		QuotedMid: decimal.NewFromFloat(1.1),
		Bot:       "tk_cross_sniper",
	}
}

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry()

	tr, err := r.Register(testIntent("i-1"), "ref-1")
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusPending, tr.Status)

	require.NoError(t, r.Transition("ref-1", types.OrderStatusSubmitted, ""))
	require.NoError(t, r.Acknowledge("ref-1", "deal-1"))
	require.NoError(t, r.Transition("ref-1", types.OrderStatusFilled, ""))

	got, ok := r.ByDealID("deal-1")
	require.True(t, ok)
	assert.Equal(t, "i-1", got.IntentID)
	assert.Equal(t, types.OrderStatusFilled, got.Status)

	byIntent, ok := r.ByIntent("i-1")
	require.True(t, ok)
	assert.Equal(t, "ref-1", byIntent.DealReference)
}

func TestRegistryRejectsDuplicateIntent(t *testing.T) {
	r := NewRegistry()
	_, err := r.Register(testIntent("i-1"), "ref-1")
	require.NoError(t, err)

	_, err = r.Register(testIntent("i-1"), "ref-2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestRegistryIllegalTransitions(t *testing.T) {
	r := NewRegistry()
	_, err := r.Register(testIntent("i-1"), "ref-1")
	require.NoError(t, err)

	// PENDING cannot fill directly.
	err = r.Transition("ref-1", types.OrderStatusFilled, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "illegal transition")

	// Terminal states are final.
	require.NoError(t, r.Transition("ref-1", types.OrderStatusRejected, "bad size"))
	err = r.Transition("ref-1", types.OrderStatusSubmitted, "")
	require.Error(t, err)

	// Unknown reference.
	err = r.Transition("nope", types.OrderStatusSubmitted, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown deal_reference")
}

func TestRegistryPurgesStaleCompleted(t *testing.T) {
	r := NewRegistry()
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	r.SetClock(func() time.Time { return now })

	_, err := r.Register(testIntent("i-old"), "ref-old")
	require.NoError(t, err)
	require.NoError(t, r.Transition("ref-old", types.OrderStatusRejected, ""))

	_, err = r.Register(testIntent("i-live"), "ref-live")
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	purged := r.PurgeCompleted(time.Hour)
	assert.Equal(t, 1, purged)
	assert.Equal(t, 1, r.Len())

	// Non-terminal trackers are never purged.
	_, ok := r.ByReference("ref-live")
	assert.True(t, ok)
	_, ok = r.ByIntent("i-old")
	assert.False(t, ok, "purged intent mapping removed")
}
