package bot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Stratton1/SOLATv3.1-sub000/bus"
)

func TestFormatEventCoversAlertTypes(t *testing.T) {
	cases := []struct {
		ev   bus.Event
		want string
	}{
		{
			bus.NewEvent(bus.EventOrderFilled, map[string]any{
				"symbol": "EURUSD", "side": "BUY", "size": "1", "deal_id": "DI1",
			}),
			"ORDER FILLED",
		},
		{
			bus.NewEvent(bus.EventOrderRejected, map[string]any{
				"symbol": "EURUSD", "reason": "kill switch active",
			}),
			"kill switch active",
		},
		{
			bus.NewEvent(bus.EventKillSwitchActivated, map[string]any{
				"actor": "ops", "reason": "manual halt",
			}),
			"KILL SWITCH ACTIVATED",
		},
		{
			bus.NewEvent(bus.EventKillSwitchCloseFailed, map[string]any{
				"deal_ids": []string{"DI1", "DI2"},
			}),
			"DI1, DI2",
		},
		{
			bus.NewEvent(bus.EventCircuitBreakerTripped, map[string]any{
				"reason": "5 order errors",
			}),
			"CIRCUIT BREAKER",
		},
		{bus.NewEvent(bus.EventReconWarning, nil), "RECONCILIATION"},
		{bus.NewEvent(bus.EventBrokerDisconnected, nil), "BROKER DISCONNECTED"},
	}

	for _, tc := range cases {
		msg := formatEvent(tc.ev)
		assert.Contains(t, msg, tc.want, string(tc.ev.Type))
	}
}

func TestFormatEventDropsUnknownTypes(t *testing.T) {
	assert.Empty(t, formatEvent(bus.NewEvent(bus.EventHeartbeat, nil)))
	assert.Empty(t, formatEvent(bus.NewEvent(bus.EventQuoteReceived, map[string]any{"symbol": "EURUSD"})))
}

func TestAlertEventsAreAllFormattable(t *testing.T) {
	for _, et := range alertEvents {
		msg := formatEvent(bus.NewEvent(et, map[string]any{}))
		assert.NotEmpty(t, msg, string(et))
	}
}

func TestFormatLastReconcile(t *testing.T) {
	assert.Equal(t, "never", formatLastReconcile(time.Time{}, false))

	at := time.Date(2026, 2, 3, 9, 30, 5, 0, time.UTC)
	assert.Equal(t, "✅ clean at 09:30:05", formatLastReconcile(at, false))
	assert.Equal(t, "⚠️ drift at 09:30:05", formatLastReconcile(at, true))
}
