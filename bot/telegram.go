package bot

import (
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/Stratton1/SOLATv3.1-sub000/bus"
	"github.com/Stratton1/SOLATv3.1-sub000/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM BOT - Trading notifications & control
// ═══════════════════════════════════════════════════════════════════════════════
//
// Features:
//   🚨 Kill switch and circuit breaker alerts
//   💰 Fill / rejection notifications
//   ⚠️ Reconciliation drift warnings
//   🎛️ Control commands (/status, /positions, /pause, /resume)
//
// ═══════════════════════════════════════════════════════════════════════════════

// alertEvents are the bus events pushed to the operator's chat.
var alertEvents = []bus.EventType{
	bus.EventOrderFilled,
	bus.EventOrderRejected,
	bus.EventKillSwitchActivated,
	bus.EventKillSwitchReset,
	bus.EventKillSwitchCloseFailed,
	bus.EventCircuitBreakerTripped,
	bus.EventReconWarning,
	bus.EventBrokerDisconnected,
	bus.EventAutopilotEnabled,
	bus.EventAutopilotDisabled,
}

// StatusProvider supplies the read side of the control commands.
type StatusProvider interface {
	Mode() types.Mode
	Armed() bool
	KillSwitchActive() bool
	Balance() decimal.Decimal
	OpenPositions() []types.PositionView

	// LastReconcile reports when the last reconciliation cycle ran and
	// whether it found drift. Zero time means no cycle has run yet.
	LastReconcile() (time.Time, bool)
}

// Config wires the bot to one authorized chat.
type Config struct {
	Token  string
	ChatID int64
}

// TelegramBot pushes alerts and answers control commands from a single chat.
type TelegramBot struct {
	mu      sync.RWMutex
	api     *tgbotapi.BotAPI
	chatID  int64
	running bool
	stopCh  chan struct{}

	status StatusProvider
	sub    *bus.Subscription

	// Control callbacks
	onPause  func()
	onResume func()
}

// NewTelegramBot authenticates against the Telegram API.
func NewTelegramBot(cfg Config, status StatusProvider) (*TelegramBot, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token not set")
	}
	if cfg.ChatID == 0 {
		return nil, fmt.Errorf("telegram chat id not set")
	}

	api, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	b := &TelegramBot{
		api:    api,
		chatID: cfg.ChatID,
		stopCh: make(chan struct{}),
		status: status,
	}

	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram bot initialized")
	return b, nil
}

// SetControlCallbacks sets pause/resume handlers.
func (b *TelegramBot) SetControlCallbacks(onPause, onResume func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onPause = onPause
	b.onResume = onResume
}

// Start begins the command loop and subscribes to alert events.
func (b *TelegramBot) Start(events *bus.Bus) {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	if events != nil {
		b.sub = events.Subscribe("telegram", b.onEvent, alertEvents...)
	}
	b.mu.Unlock()

	go b.commandLoop()
	log.Info().Msg("📱 Telegram bot started")
}

// Stop unsubscribes and stops the command loop.
func (b *TelegramBot) Stop(events *bus.Bus) {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	sub := b.sub
	b.sub = nil
	close(b.stopCh)
	b.mu.Unlock()

	if events != nil && sub != nil {
		events.Unsubscribe(sub)
	}
	log.Info().Msg("Telegram bot stopped")
}

// ═══════════════════════════════════════════════════════════════════════════════
// NOTIFICATIONS
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) onEvent(ev bus.Event) {
	if msg := formatEvent(ev); msg != "" {
		b.sendMarkdown(msg)
	}
}

// formatEvent renders one bus event as a chat message. Unknown events render
// empty and are dropped.
func formatEvent(ev bus.Event) string {
	str := func(key string) string {
		if v, ok := ev.Data[key].(string); ok {
			return v
		}
		return ""
	}

	switch ev.Type {
	case bus.EventOrderFilled:
		return fmt.Sprintf(`💰 *ORDER FILLED*

📊 %s %s
📦 Size: *%s*
🆔 %s`,
			str("symbol"), str("side"), str("size"), str("deal_id"))

	case bus.EventOrderRejected:
		return fmt.Sprintf(`🛑 *ORDER REJECTED*

📊 %s
📝 %s`,
			str("symbol"), str("reason"))

	case bus.EventKillSwitchActivated:
		return fmt.Sprintf(`🚨 *KILL SWITCH ACTIVATED*
━━━━━━━━━━━━━━━━━━━━

👤 Actor: *%s*
📝 %s

All trading halted.`,
			str("actor"), str("reason"))

	case bus.EventKillSwitchReset:
		return fmt.Sprintf("✅ *KILL SWITCH RESET*\n\n👤 Actor: *%s*", str("actor"))

	case bus.EventKillSwitchCloseFailed:
		ids, _ := ev.Data["deal_ids"].([]string)
		return fmt.Sprintf(`⚠️ *POSITIONS LEFT OPEN*

Kill switch could not close: %s
Manual intervention required.`,
			strings.Join(ids, ", "))

	case bus.EventCircuitBreakerTripped:
		return fmt.Sprintf(`🔌 *CIRCUIT BREAKER TRIPPED*

📝 %s
New orders blocked until cooldown or manual reset.`,
			str("reason"))

	case bus.EventReconWarning:
		return "⚠️ *RECONCILIATION DRIFT*\n\nLocal position state disagreed with the broker. Broker state adopted."

	case bus.EventBrokerDisconnected:
		return "📡 *BROKER DISCONNECTED*\n\nOrder routing is suspended until the session recovers."

	case bus.EventAutopilotEnabled:
		return fmt.Sprintf("🤖 *AUTOPILOT ENABLED*\n\nCombos: *%v*", ev.Data["combos"])

	case bus.EventAutopilotDisabled:
		return "🤖 *AUTOPILOT DISABLED*"
	}
	return ""
}

// ═══════════════════════════════════════════════════════════════════════════════
// COMMAND HANDLING
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) commandLoop() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-b.stopCh:
			return
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}

			// Only respond to the authorized chat
			if update.Message.Chat.ID != b.chatID {
				continue
			}

			b.handleCommand(update.Message)
		}
	}
}

func (b *TelegramBot) handleCommand(msg *tgbotapi.Message) {
	cmd := strings.ToLower(msg.Command())

	switch cmd {
	case "start", "help":
		b.cmdHelp()
	case "status":
		b.cmdStatus()
	case "positions":
		b.cmdPositions()
	case "pause":
		b.cmdPause()
	case "resume":
		b.cmdResume()
	case "ping":
		b.send("🏓 Pong!")
	default:
		b.send("❓ Unknown command. Use /help")
	}
}

func (b *TelegramBot) cmdHelp() {
	msg := `🤖 *COMMANDS*
━━━━━━━━━━━━━━━━━━━━

📊 /status — Router status
💼 /positions — Open positions
⏸️ /pause — Suspend signal intake
▶️ /resume — Resume signal intake
🏓 /ping — Test connection`

	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdStatus() {
	if b.status == nil {
		b.send("❌ Status not available")
		return
	}

	armed := "⚪ DISARMED"
	if b.status.Armed() {
		armed = "🟢 ARMED"
	}
	kill := "inactive"
	if b.status.KillSwitchActive() {
		kill = "🚨 ACTIVE"
	}
	recon := formatLastReconcile(b.status.LastReconcile())

	msg := fmt.Sprintf(`📊 *ROUTER STATUS*
━━━━━━━━━━━━━━━━━━━━

%s
📊 Mode: *%s*
🔴 Kill switch: *%s*
💰 Balance: *%s*
💼 Open positions: *%d*
🔄 Last recon: *%s*`,
		armed,
		b.status.Mode(),
		kill,
		b.status.Balance().StringFixed(2),
		len(b.status.OpenPositions()),
		recon,
	)

	b.sendMarkdown(msg)
}

// formatLastReconcile renders the reconciliation line of the status reply.
func formatLastReconcile(at time.Time, drift bool) string {
	if at.IsZero() {
		return "never"
	}
	if drift {
		return "⚠️ drift at " + at.UTC().Format("15:04:05")
	}
	return "✅ clean at " + at.UTC().Format("15:04:05")
}

func (b *TelegramBot) cmdPositions() {
	if b.status == nil {
		b.send("❌ Positions not available")
		return
	}

	positions := b.status.OpenPositions()
	if len(positions) == 0 {
		b.send("📭 No open positions")
		return
	}

	msg := "💼 *OPEN POSITIONS*\n━━━━━━━━━━━━━━━━━━━━\n\n"

	for i, pos := range positions {
		sideEmoji := "🟢"
		if pos.Side == types.SideShort {
			sideEmoji = "🔴"
		}
		duration := time.Since(pos.OpenedAt).Round(time.Second)

		msg += fmt.Sprintf(`%s *%s* — %s
💵 Entry: %s | Size: %s
⏱️ Held: %v

`,
			sideEmoji, pos.Symbol, pos.Side,
			pos.EntryPrice.StringFixed(5),
			pos.Size.StringFixed(2),
			duration,
		)

		if i >= 4 {
			msg += fmt.Sprintf("_... and %d more_", len(positions)-5)
			break
		}
	}

	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdPause() {
	b.mu.RLock()
	cb := b.onPause
	b.mu.RUnlock()

	if cb != nil {
		cb()
	}

	b.send("⏸️ Signal intake paused")
	log.Info().Msg("Signals paused via Telegram")
}

func (b *TelegramBot) cmdResume() {
	b.mu.RLock()
	cb := b.onResume
	b.mu.RUnlock()

	if cb != nil {
		cb()
	}

	b.send("▶️ Signal intake resumed")
	log.Info().Msg("Signals resumed via Telegram")
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) send(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}

func (b *TelegramBot) sendMarkdown(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	msg.ParseMode = "Markdown"
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}
