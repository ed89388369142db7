// Package prelive runs the go-live checklist. Every check must pass before
// the trading gates will accept a LIVE arm request.
package prelive

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/Stratton1/SOLATv3.1-sub000/broker"
	"github.com/Stratton1/SOLATv3.1-sub000/gates"
	"github.com/Stratton1/SOLATv3.1-sub000/risk"
	"github.com/Stratton1/SOLATv3.1-sub000/storage"
	"github.com/Stratton1/SOLATv3.1-sub000/types"
)

// BarSummarizer is the slice of the bar store the checker needs.
type BarSummarizer interface {
	Summary() ([]storage.SymbolSummary, error)
}

// CheckResult is one checklist line.
type CheckResult struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Message string `json:"message"`
}

// Report is the checklist outcome.
type Report struct {
	RanAt   time.Time     `json:"ran_at"`
	Passed  bool          `json:"passed"`
	Results []CheckResult `json:"results"`
}

// Config identifies what the checker probes.
type Config struct {
	Mode         types.Mode
	Symbol       string // symbol used for the quote and risk probes
	Epic         string
	ProbeSize    decimal.Decimal // valid-intent size; 0 = 1
	OversizeSize decimal.Decimal // must-reject size; 0 = 1e6
}

// Checker walks the checklist in order and records the outcome on the gates.
type Checker struct {
	cfg     Config
	store   BarSummarizer
	adapter broker.Adapter
	engine  *risk.Engine
	gates   *gates.Gates
	now     func() time.Time
}

func NewChecker(cfg Config, store BarSummarizer, adapter broker.Adapter, engine *risk.Engine, g *gates.Gates) *Checker {
	if cfg.ProbeSize.IsZero() {
		cfg.ProbeSize = decimal.NewFromInt(1)
	}
	if cfg.OversizeSize.IsZero() {
		cfg.OversizeSize = decimal.NewFromInt(1_000_000)
	}
	return &Checker{
		cfg:     cfg,
		store:   store,
		adapter: adapter,
		engine:  engine,
		gates:   g,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the checker clock, for tests.
func (c *Checker) SetClock(now func() time.Time) { c.now = now }

// Run executes every check, logs each line, and records a prelive pass on the
// gates when all of them succeed.
func (c *Checker) Run(ctx context.Context) Report {
	report := Report{RanAt: c.now()}

	checks := []struct {
		name string
		fn   func(ctx context.Context) (string, error)
	}{
		{"bar_store", c.checkBarStore},
		{"quote_fetch", c.checkQuote},
		{"demo_mode", c.checkMode},
		{"risk_engine", c.checkRiskEngine},
		{"broker_auth", c.checkBrokerAuth},
	}

	report.Passed = true
	for _, check := range checks {
		msg, err := check.fn(ctx)
		result := CheckResult{Name: check.name, Passed: err == nil, Message: msg}
		if err != nil {
			result.Message = err.Error()
			report.Passed = false
			log.Warn().Str("check", check.name).Str("reason", result.Message).Msg("Prelive check FAILED")
		} else {
			log.Info().Str("check", check.name).Str("detail", msg).Msg("Prelive check passed")
		}
		report.Results = append(report.Results, result)
	}

	if report.Passed {
		c.gates.RecordPrelivePass(report.RanAt)
		log.Info().Msg("✅ Prelive checklist passed")
	} else {
		log.Warn().Msg("Prelive checklist failed, LIVE arming stays blocked")
	}
	return report
}

func (c *Checker) checkBarStore(context.Context) (string, error) {
	summaries, err := c.store.Summary()
	if err != nil {
		return "", fmt.Errorf("bar store unreadable: %w", err)
	}
	withM1 := 0
	for _, s := range summaries {
		if s.Timeframe == string(types.TFM1) && s.BarCount > 0 {
			withM1++
		}
	}
	if withM1 == 0 {
		return "", fmt.Errorf("no symbol has M1 bars")
	}
	return fmt.Sprintf("%d symbols with M1 bars", withM1), nil
}

func (c *Checker) checkQuote(ctx context.Context) (string, error) {
	details, err := c.adapter.GetMarketDetails(ctx, c.cfg.Epic)
	if err != nil {
		return "", fmt.Errorf("quote fetch for %s: %w", c.cfg.Epic, err)
	}
	if !details.Bid.IsPositive() || !details.Ask.IsPositive() {
		return "", fmt.Errorf("quote for %s has no prices (bid=%s ask=%s)", c.cfg.Epic, details.Bid, details.Ask)
	}
	return fmt.Sprintf("%s bid=%s ask=%s", c.cfg.Symbol, details.Bid, details.Ask), nil
}

func (c *Checker) checkMode(context.Context) (string, error) {
	if c.cfg.Mode != types.ModeDemo {
		return "", fmt.Errorf("prelive must run in DEMO, got %s", c.cfg.Mode)
	}
	return "running in DEMO", nil
}

// checkRiskEngine proves the engine both accepts a sane intent and constrains
// an oversized one. A pass on the first alone could just mean a disabled
// engine.
func (c *Checker) checkRiskEngine(context.Context) (string, error) {
	mid := decimal.NewFromFloat(1.1)
	state := risk.State{Balance: decimal.NewFromInt(10000)}

	valid := types.OrderIntent{
		IntentID:  "prelive_valid",
		Symbol:    c.cfg.Symbol,
		Side:      types.DirectionBuy,
		Size:      c.cfg.ProbeSize,
		StopLoss:  mid.Sub(decimal.NewFromFloat(0.005)),
		OrderType: types.OrderTypeMarket,
		QuotedMid: mid,
	}
	if approval := c.engine.Evaluate(valid, state); !approval.Allowed {
		return "", fmt.Errorf("risk engine rejected a valid intent: %v", approval.ReasonCodes)
	}

	oversized := valid
	oversized.IntentID = "prelive_oversized"
	oversized.Size = c.cfg.OversizeSize
	approval := c.engine.Evaluate(oversized, state)
	if approval.Allowed && approval.AdjustedSize.GreaterThanOrEqual(oversized.Size) {
		return "", fmt.Errorf("risk engine passed an oversized intent through at full size %s", oversized.Size)
	}
	return "accepts valid, constrains oversized", nil
}

func (c *Checker) checkBrokerAuth(ctx context.Context) (string, error) {
	if err := c.adapter.VerifySession(ctx); err != nil {
		return "", fmt.Errorf("broker session: %w", err)
	}
	return "session verified", nil
}
