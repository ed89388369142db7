package backtest

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/Stratton1/SOLATv3.1-sub000/bus"
	"github.com/Stratton1/SOLATv3.1-sub000/metrics"
	"github.com/Stratton1/SOLATv3.1-sub000/portfolio"
	"github.com/Stratton1/SOLATv3.1-sub000/sim"
	"github.com/Stratton1/SOLATv3.1-sub000/storage"
	"github.com/Stratton1/SOLATv3.1-sub000/strategy"
	"github.com/Stratton1/SOLATv3.1-sub000/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BACKTEST ENGINE - Bar loop, strategy invocation, simulated execution
// ═══════════════════════════════════════════════════════════════════════════════
//
// Symbols run sequentially against a shared portfolio. Strategies see bars up
// to and including the current one; there is no look-ahead. The same (config,
// bars) always produces identical artefacts.
//
// ═══════════════════════════════════════════════════════════════════════════════

// EngineVersion is recorded in every run manifest.
const EngineVersion = "3.1.0"

// BarSource supplies historical bars. *storage.BarStore satisfies it.
type BarSource interface {
	ReadBars(symbol string, tf types.Timeframe, q storage.BarQuery) ([]types.Bar, error)
}

// ProgressFunc receives stage/done/total/message tuples during a run.
type ProgressFunc func(stage string, done, total int, message string)

// Config describes one backtest run.
type Config struct {
	Symbols     []string        `json:"symbols"`
	Timeframe   types.Timeframe `json:"timeframe"`
	Bots        []string        `json:"bots"`
	Start       time.Time       `json:"start"`
	End         time.Time       `json:"end"`
	InitialCash decimal.Decimal `json:"initial_cash"`

	// RiskPct is the percent of equity risked per trade when the signal
	// carries a stop. Entries without a stop use DefaultSize.
	RiskPct     decimal.Decimal `json:"risk_pct"`
	DefaultSize decimal.Decimal `json:"default_size"`

	MaxPositionSize        decimal.Decimal `json:"max_position_size"`
	MaxConcurrentPositions int             `json:"max_concurrent_positions"`

	Sim        sim.Config `json:"-"`
	BarsPerDay int        `json:"bars_per_day"`
}

// Result is the in-memory outcome of one run.
type Result struct {
	RunID    string
	Config   Config
	Combined metrics.Summary
	PerBot   map[string]metrics.Summary
	Trades   []types.TradeRecord
	Curve    []portfolio.EquityPoint
	Orders   []sim.OrderRecord
	Warnings []string
	RunDir   string
}

// Engine wires the bar source, simulator and portfolio for one run.
type Engine struct {
	cfg      Config
	source   BarSource
	layout   storage.Layout
	progress ProgressFunc
}

// New creates an engine. An empty layout base dir disables artefact output.
func New(cfg Config, source BarSource, layout storage.Layout) *Engine {
	return &Engine{cfg: cfg, source: source, layout: layout, progress: func(string, int, int, string) {}}
}

// OnProgress installs the progress callback.
func (e *Engine) OnProgress(fn ProgressFunc) {
	if fn != nil {
		e.progress = fn
	}
}

// NewRunID generates a run identifier of the form bt_20240301_100000_1a2b3c4d.
func NewRunID(now time.Time) string {
	return fmt.Sprintf("bt_%s_%s", now.UTC().Format("20060102_150405"), uuid.NewString()[:8])
}

func sideFor(dir types.Direction) types.Side {
	if dir == types.DirectionSell {
		return types.SideShort
	}
	return types.SideLong
}

// Run executes the configured backtest and writes artefacts.
func (e *Engine) Run() (*Result, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}

	runID := NewRunID(time.Now())
	logger := log.With().Str("run_id", runID).Logger()
	logger.Info().
		Strs("symbols", e.cfg.Symbols).
		Strs("bots", e.cfg.Bots).
		Str("timeframe", string(e.cfg.Timeframe)).
		Msg("Backtest started")
	bus.Get().Publish(bus.Event{
		Type:      bus.EventBacktestStarted,
		Timestamp: time.Now().UTC(),
		RunID:     runID,
		Data:      map[string]any{"symbols": e.cfg.Symbols, "bots": e.cfg.Bots},
	})

	broker := sim.New(e.cfg.Sim)
	port := portfolio.New(e.cfg.InitialCash)
	port.SetCloseFees(broker.Fee)

	// Fresh strategy instance per combo; instances may keep internal state.
	warmup := 0
	strategies := make(map[string]strategy.Strategy) // key symbol|bot
	for _, symbol := range e.cfg.Symbols {
		for _, bot := range e.cfg.Bots {
			strat, err := strategy.New(bot)
			if err != nil {
				return nil, err
			}
			strategies[symbol+"|"+bot] = strat
			if strat.Warmup() > warmup {
				warmup = strat.Warmup()
			}
		}
	}

	for i, symbol := range e.cfg.Symbols {
		e.progress("load", i, len(e.cfg.Symbols), symbol)
		bars, err := e.source.ReadBars(symbol, e.cfg.Timeframe, storage.BarQuery{Start: e.cfg.Start, End: e.cfg.End})
		if err != nil {
			return nil, fmt.Errorf("load bars for %s: %w", symbol, err)
		}
		if len(bars) < warmup {
			return nil, fmt.Errorf("%s: %d bars < warmup %d", symbol, len(bars), warmup)
		}
		for j := 1; j < len(bars); j++ {
			if !bars[j].Timestamp.After(bars[j-1].Timestamp) {
				return nil, fmt.Errorf("%s: bar timestamps not strictly increasing at index %d", symbol, j)
			}
		}

		e.runSymbol(symbol, bars, warmup, strategies, broker, port)
	}

	result := e.collect(runID, port, broker)
	if e.layout.BaseDir != "" {
		e.progress("artefacts", 0, 1, "writing run artefacts")
		if err := e.writeArtefacts(result); err != nil {
			return nil, err
		}
		e.progress("artefacts", 1, 1, "done")
	}

	bus.Get().Publish(bus.Event{
		Type:      bus.EventBacktestCompleted,
		Timestamp: time.Now().UTC(),
		RunID:     runID,
		Data:      map[string]any{"trades": len(result.Trades), "sharpe": result.Combined.Sharpe},
	})
	logger.Info().
		Int("trades", len(result.Trades)).
		Float64("sharpe", result.Combined.Sharpe).
		Str("final_equity", port.Equity().StringFixed(2)).
		Msg("Backtest completed")
	return result, nil
}

func (e *Engine) validate() error {
	if len(e.cfg.Symbols) == 0 {
		return fmt.Errorf("no symbols configured")
	}
	if len(e.cfg.Bots) == 0 {
		return fmt.Errorf("no bots configured")
	}
	if !e.cfg.Timeframe.Valid() {
		return fmt.Errorf("invalid timeframe %q", e.cfg.Timeframe)
	}
	if !e.cfg.InitialCash.IsPositive() {
		return fmt.Errorf("initial cash must be positive")
	}
	return nil
}

func (e *Engine) runSymbol(symbol string, bars []types.Bar, warmup int, strategies map[string]strategy.Strategy, broker *sim.BrokerSim, port *portfolio.Portfolio) {
	total := len(bars) - warmup
	for i := warmup; i < len(bars); i++ {
		bar := bars[i]
		prices := map[string]decimal.Decimal{symbol: bar.Close}

		port.UpdatePrices(prices)
		port.CheckExits(prices, bar.Timestamp)
		port.IncrementBarsHeld()

		for _, bot := range e.cfg.Bots {
			strat := strategies[symbol+"|"+bot]
			pos, open := port.Get(symbol, bot)
			side := types.SideNone
			if open {
				side = pos.Side
			}

			signal := strat.OnBars(bars[:i+1], side, strategy.Context{
				Symbol:    symbol,
				Timeframe: e.cfg.Timeframe,
				Bot:       bot,
			})
			if !signal.IsEntry() {
				continue
			}

			if open {
				if signal.Direction == side.EntryDirection().Opposite() {
					e.reverseClose(symbol, bot, pos, bar, broker, port)
				}
				continue
			}
			e.enter(symbol, bot, signal, bar, broker, port)
		}

		port.RecordEquity(bar.Timestamp)
		if done := i - warmup + 1; done%500 == 0 || done == total {
			e.progress("simulate", done, total, symbol)
		}
	}
}

func (e *Engine) reverseClose(symbol, bot string, pos portfolio.Position, bar types.Bar, broker *sim.BrokerSim, port *portfolio.Portfolio) {
	action := sim.ActionCloseLong
	if pos.Side == types.SideShort {
		action = sim.ActionCloseShort
	}
	res := broker.Execute(symbol, action, pos.Size, bar)
	if !res.Filled {
		return
	}
	if _, err := port.Close(symbol, bot, res.FillPrice, bar.Timestamp, "SIGNAL_REVERSE"); err != nil {
		broker.Warn(fmt.Sprintf("reverse close %s/%s: %v", symbol, bot, err))
	}
}

func (e *Engine) enter(symbol, bot string, signal types.SignalIntent, bar types.Bar, broker *sim.BrokerSim, port *portfolio.Portfolio) {
	if e.cfg.MaxConcurrentPositions > 0 && port.OpenCount() >= e.cfg.MaxConcurrentPositions {
		return
	}

	size := e.sizeFor(signal, bar.Close, port.Equity())
	if !size.IsPositive() {
		return
	}

	action := sim.ActionBuy
	if signal.Direction == types.DirectionSell {
		action = sim.ActionSell
	}
	res := broker.Execute(symbol, action, size, bar)
	if !res.Filled {
		return
	}
	if err := port.Open(symbol, bot, sideFor(signal.Direction), res.Size, res.FillPrice, bar.Timestamp, signal.StopLoss, signal.TakeProfit, res.Fees); err != nil {
		broker.Warn(fmt.Sprintf("open %s/%s: %v", symbol, bot, err))
	}
}

// sizeFor risks RiskPct of equity against the stop distance; signals without
// a stop fall back to DefaultSize. The result is capped at MaxPositionSize.
func (e *Engine) sizeFor(signal types.SignalIntent, entry, equity decimal.Decimal) decimal.Decimal {
	size := e.cfg.DefaultSize
	if size.IsZero() {
		size = decimal.NewFromInt(1)
	}

	if e.cfg.RiskPct.IsPositive() && !signal.StopLoss.IsZero() {
		dist := entry.Sub(signal.StopLoss).Abs()
		if dist.IsPositive() {
			size = equity.Mul(e.cfg.RiskPct).Div(decimal.NewFromInt(100)).Div(dist)
		}
	}
	if e.cfg.MaxPositionSize.IsPositive() && size.GreaterThan(e.cfg.MaxPositionSize) {
		size = e.cfg.MaxPositionSize
	}
	return size
}

func (e *Engine) collect(runID string, port *portfolio.Portfolio, broker *sim.BrokerSim) *Result {
	trades := port.Trades()
	curve := port.Curve()

	perBot := make(map[string]metrics.Summary, len(e.cfg.Bots))
	for _, bot := range e.cfg.Bots {
		var botTrades []types.TradeRecord
		for _, tr := range trades {
			if tr.Bot == bot {
				botTrades = append(botTrades, tr)
			}
		}
		perBot[bot] = metrics.Compute(nil, botTrades, e.cfg.BarsPerDay)
	}

	warnings := broker.Warnings()
	if warnings == nil {
		warnings = []string{}
	}

	res := &Result{
		RunID:    runID,
		Config:   e.cfg,
		Combined: metrics.Compute(curve, trades, e.cfg.BarsPerDay),
		PerBot:   perBot,
		Trades:   trades,
		Curve:    curve,
		Orders:   broker.History(),
		Warnings: warnings,
	}
	if e.layout.BaseDir != "" {
		res.RunDir = e.layout.RunDir(runID)
	}
	return res
}
