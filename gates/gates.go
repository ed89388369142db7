package gates

import (
	"crypto/subtle"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/Stratton1/SOLATv3.1-sub000/risk"
	"github.com/Stratton1/SOLATv3.1-sub000/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TRADING GATES - LIVE fail-closed evaluator
// ═══════════════════════════════════════════════════════════════════════════════
//
// DEMO is always allowed. LIVE requires every gate to hold; any failure is a
// blocker and allowed=false. Nothing in this package ever grants LIVE by
// default.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Status is the gate verdict for one mode.
type Status struct {
	Allowed  bool           `json:"allowed"`
	Mode     types.Mode     `json:"mode"`
	Blockers []string       `json:"blockers"`
	Warnings []string       `json:"warnings"`
	Details  map[string]any `json:"details"`
}

// Config holds the LIVE gate inputs sourced from the environment.
type Config struct {
	LiveTradingEnabled bool
	LiveEnableToken    string // expected token; empty = not configured
	LiveAccountID      string
	LiveMaxOrderSize   decimal.Decimal
	ConfirmationTTL    time.Duration
	PreliveMaxAge      time.Duration
	Risk               risk.Config
}

// AccountVerification is a timestamped broker account check.
type AccountVerification struct {
	AccountID        string
	IsLive           bool
	AvailableBalance decimal.Decimal
	VerifiedAt       time.Time
}

// confirmation is the operator's UI acknowledgment for LIVE trading.
type confirmation struct {
	phraseConfirmed bool
	token           string
	preliveChecked  bool
	at              time.Time
}

// Gates evaluates the LIVE gate stack.
type Gates struct {
	mu  sync.Mutex
	cfg Config

	verification *AccountVerification
	confirm      *confirmation
	prelivePass  time.Time
	now          func() time.Time
}

func New(cfg Config) *Gates {
	return &Gates{cfg: cfg, now: func() time.Time { return time.Now().UTC() }}
}

// SetClock overrides the gate clock, for tests.
func (g *Gates) SetClock(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = now
}

// RecordAccountVerification stores the latest broker account check.
func (g *Gates) RecordAccountVerification(v AccountVerification) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.verification = &v
	log.Info().Str("account_id", v.AccountID).Bool("is_live", v.IsLive).Msg("Account verification recorded")
}

// SetConfirmation records the operator's UI confirmation.
func (g *Gates) SetConfirmation(phraseConfirmed bool, token string, preliveChecked bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.confirm = &confirmation{
		phraseConfirmed: phraseConfirmed,
		token:           token,
		preliveChecked:  preliveChecked,
		at:              g.now(),
	}
}

// RevokeConfirmation clears the UI confirmation. Called on disarm from LIVE.
func (g *Gates) RevokeConfirmation() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.confirm != nil {
		g.confirm = nil
		log.Info().Msg("UI LIVE confirmation revoked")
	}
}

// RecordPrelivePass timestamps a successful prelive checklist.
func (g *Gates) RecordPrelivePass(at time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prelivePass = at.UTC()
}

func (g *Gates) riskParamsSet() bool {
	r := g.cfg.Risk
	return r.MaxPositionSize.IsPositive() &&
		r.MaxConcurrentPositions > 0 &&
		r.MaxDailyLossPct.IsPositive() &&
		r.MaxTradesPerHour > 0
}

// tokenMatches compares in constant time.
func tokenMatches(expected, got string) bool {
	return subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1
}

// Evaluate returns the gate status for mode. DEMO never blocks.
func (g *Gates) Evaluate(mode types.Mode) Status {
	g.mu.Lock()
	defer g.mu.Unlock()

	status := Status{
		Mode:     mode,
		Blockers: []string{},
		Warnings: []string{},
		Details:  map[string]any{},
	}
	if mode != types.ModeLive {
		status.Allowed = true
		return status
	}

	now := g.now()
	block := func(msg string) { status.Blockers = append(status.Blockers, msg) }

	if !g.cfg.LiveTradingEnabled {
		block("LIVE_TRADING_ENABLED is not set")
	}
	if g.cfg.LiveEnableToken == "" {
		block("LIVE_ENABLE_TOKEN is not configured")
	}
	if !g.riskParamsSet() {
		block("mandatory risk parameters are not fully set")
	}
	if g.cfg.LiveAccountID == "" {
		block("LIVE_ACCOUNT_ID is not set")
	}

	switch {
	case g.verification == nil:
		block("no account verification recorded")
	case !g.verification.IsLive:
		block("verified account is not a LIVE account")
	case g.verification.AccountID != g.cfg.LiveAccountID:
		block(fmt.Sprintf("verified account %s does not match LIVE_ACCOUNT_ID", g.verification.AccountID))
	case !g.verification.AvailableBalance.IsPositive():
		block("verified account has no available balance")
	default:
		status.Details["account_verified_at"] = g.verification.VerifiedAt
	}

	switch {
	case g.confirm == nil:
		block("UI LIVE confirmation not completed")
	case g.cfg.ConfirmationTTL > 0 && now.Sub(g.confirm.at) > g.cfg.ConfirmationTTL:
		block("UI LIVE confirmation expired")
	case !g.confirm.phraseConfirmed:
		block("UI LIVE confirmation phrase not confirmed")
	case g.cfg.LiveEnableToken != "" && !tokenMatches(g.cfg.LiveEnableToken, g.confirm.token):
		block("UI LIVE confirmation token mismatch")
	case !g.confirm.preliveChecked:
		block("UI LIVE confirmation prelive checkmark missing")
	default:
		status.Details["confirmed_at"] = g.confirm.at
	}

	switch {
	case g.prelivePass.IsZero():
		block("no prelive check recorded")
	case g.cfg.PreliveMaxAge > 0 && now.Sub(g.prelivePass) > g.cfg.PreliveMaxAge:
		block(fmt.Sprintf("prelive check is older than %s", g.cfg.PreliveMaxAge))
	default:
		status.Details["prelive_passed_at"] = g.prelivePass
	}

	status.Allowed = len(status.Blockers) == 0
	if !status.Allowed {
		log.Debug().Strs("blockers", status.Blockers).Msg("LIVE gates blocked")
	}
	return status
}
