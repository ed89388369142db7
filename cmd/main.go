package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/Stratton1/SOLATv3.1-sub000/allowlist"
	"github.com/Stratton1/SOLATv3.1-sub000/autopilot"
	"github.com/Stratton1/SOLATv3.1-sub000/backtest"
	"github.com/Stratton1/SOLATv3.1-sub000/bot"
	"github.com/Stratton1/SOLATv3.1-sub000/broker"
	"github.com/Stratton1/SOLATv3.1-sub000/bus"
	"github.com/Stratton1/SOLATv3.1-sub000/execution"
	"github.com/Stratton1/SOLATv3.1-sub000/feeds"
	"github.com/Stratton1/SOLATv3.1-sub000/gates"
	"github.com/Stratton1/SOLATv3.1-sub000/internal/config"
	"github.com/Stratton1/SOLATv3.1-sub000/prelive"
	"github.com/Stratton1/SOLATv3.1-sub000/risk"
	"github.com/Stratton1/SOLATv3.1-sub000/scheduler"
	"github.com/Stratton1/SOLATv3.1-sub000/storage"
	"github.com/Stratton1/SOLATv3.1-sub000/sweep"
	"github.com/Stratton1/SOLATv3.1-sub000/types"
	"github.com/Stratton1/SOLATv3.1-sub000/walkforward"
)

func main() {
	// ═══════════════════════════════════════════════════════════════════════════════
	// BOOTSTRAP
	// ═══════════════════════════════════════════════════════════════════════════════

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found")
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Configuration invalid")
	}

	mode := "live"
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		mode = args[0]
		args = args[1:]
	}

	log.Info().Msg("═══════════════════════════════════════════════════════════════")
	log.Info().Msgf("              SOLAT v3.1 — %s", strings.ToUpper(mode))
	log.Info().Msg("═══════════════════════════════════════════════════════════════")

	switch mode {
	case "live":
		runLive(cfg)
	case "backtest":
		runBacktest(cfg, args)
	case "sweep":
		runSweep(cfg, args)
	case "walkforward":
		runWalkforward(cfg, args)
	case "prelive":
		os.Exit(runPrelive(cfg))
	default:
		fmt.Fprintf(os.Stderr, "usage: solat [live|backtest|sweep|walkforward|prelive] [flags]\n")
		os.Exit(2)
	}
}

// routerStatus adapts the execution stack to the Telegram status commands.
type routerStatus struct {
	router     *execution.Router
	kill       *execution.KillSwitch
	positions  *execution.PositionStore
	reconciler *execution.Reconciler
}

func (r routerStatus) Mode() types.Mode                    { return r.router.Status().Mode }
func (r routerStatus) Armed() bool                         { return r.router.Status().Armed }
func (r routerStatus) KillSwitchActive() bool              { return r.kill.IsActive() }
func (r routerStatus) Balance() decimal.Decimal            { return r.router.Status().Balance }
func (r routerStatus) OpenPositions() []types.PositionView { return r.positions.All() }
func (r routerStatus) LastReconcile() (time.Time, bool) {
	last := r.reconciler.Last()
	return last.At, last.Drift
}

// ═══════════════════════════════════════════════════════════════════════════════
// LIVE MODE
// ═══════════════════════════════════════════════════════════════════════════════

func runLive(cfg *config.Config) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	layout := storage.NewLayout(cfg.DataDir)
	events := bus.Get()

	// 1. Bar store
	store, err := storage.OpenBarStore(cfg.BarstoreDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open bar store")
	}
	log.Info().Str("dsn", cfg.BarstoreDSN).Msg("✅ Bar store ready")

	// 2. Broker session
	ig := broker.NewIGClient(cfg.IG())
	if err := ig.Login(ctx); err != nil {
		log.Fatal().Err(err).Msg("Broker login failed")
	}
	log.Info().Msg("✅ Broker session established")

	// 3. Allowlist and proposals
	allow, err := allowlist.NewStore(layout.AllowlistPath(), 14*24*time.Hour)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load allowlist")
	}
	proposals := allowlist.NewProposalStore(layout)
	log.Info().Int("active_combos", len(allow.Active())).Msg("✅ Allowlist loaded")

	// 4. Execution stack
	sessionID := "sess_" + time.Now().UTC().Format("20060102_150405")
	ledger, err := execution.NewLedger(layout, sessionID, cfg.Mode)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open ledger")
	}
	positions := execution.NewPositionStore()
	kill := execution.NewKillSwitch(layout, cfg.CloseOnKillSwitch, ig, positions, ledger, events)

	breaker := risk.NewCircuitBreaker(5, 5*time.Minute, 10*time.Minute)
	breaker.OnTrip(func(reason string) {
		events.Publish(bus.NewEvent(bus.EventCircuitBreakerTripped, map[string]any{"reason": reason}))
	})
	guard := risk.NewSafetyGuard(
		risk.NewIdempotencyGuard(time.Hour, 10000),
		breaker,
		risk.NewSizeValidator(cfg.DemoMaxOrderSize),
	)
	engine := risk.NewEngine(cfg.Risk())
	liveGates := gates.New(cfg.Gates())

	router := execution.NewRouter(
		cfg.Router(), liveGates, guard, engine,
		execution.NewRegistry(), ledger, kill, allow, positions, ig, events,
	)
	router.SetConnected(true)
	router.RefreshBalance(ctx)

	reconciler := execution.NewReconciler(30*time.Second, ig, positions, ledger, events)
	go reconciler.Run(ctx)
	log.Info().Str("session_id", sessionID).Msg("✅ Execution stack ready")

	// 5. Market data
	stream := broker.NewStream(broker.StreamConfig{URL: cfg.IGStreamURL, APIKey: cfg.IGAPIKey})
	poll := feeds.NewPollingSource(ig, cfg.PollInterval)
	controller := feeds.NewController(cfg.Feeds(), stream, poll)
	stream.OnGiveUp(func() {
		log.Error().Msg("Stream reconnect budget exhausted")
		controller.RecordStreamFailure("stream reconnect budget exhausted")
	})

	builder := feeds.NewBarBuilder()
	publisher := feeds.NewPublisher(events, cfg.MaxQuotesPerSec)
	builder.OnBar(func(bar types.Bar) {
		publisher.PublishBar(bar)
		if cfg.PersistBars && bar.Timeframe == types.TFM1 {
			if _, _, err := store.WriteBars([]types.Bar{bar}, sessionID); err != nil {
				log.Warn().Err(err).Str("symbol", bar.Symbol).Msg("Bar persist failed")
			}
		}
	})
	controller.OnQuote(func(q types.Quote) {
		publisher.PublishQuote(q)
		builder.OnTick(q)
	})
	controller.OnBackfill(func(symbol string, minutes int) {
		log.Warn().Str("symbol", symbol).Int("minutes", minutes).
			Msg("Backfill requested, bars during the gap come from the store on next read")
	})

	controller.Start()
	subscribed := 0
	for symbol, epic := range cfg.EpicBySymbol {
		if subscribed >= cfg.MaxSubscriptions {
			log.Warn().Int("cap", cfg.MaxSubscriptions).Msg("Subscription cap reached")
			break
		}
		controller.Subscribe(symbol, epic)
		subscribed++
	}
	log.Info().Int("symbols", subscribed).Msg("✅ Market data flowing")

	// Parked quotes flush on a short cadence so throttled symbols still tick.
	go func() {
		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				publisher.FlushPending()
			}
		}
	}()

	// 6. Autopilot (armed separately by the operator)
	pilot := autopilot.New(autopilot.Config{}, router, allow, kill, events)

	// 7. Scheduler
	sched := scheduler.New(scheduler.Config{},
		dataCheckJob(store, cfg),
		scheduler.OptimizeJob(
			walkforward.New(store, layout),
			weeklyOptimizeConfig(cfg),
			walkforward.DefaultSelectorConfig(),
			proposals,
		),
	)
	go sched.Run(ctx)
	log.Info().Msg("✅ Scheduler running")

	// 8. Telegram (optional)
	var tg *bot.TelegramBot
	if cfg.TelegramToken != "" {
		tg, err = bot.NewTelegramBot(
			bot.Config{Token: cfg.TelegramToken, ChatID: cfg.TelegramChatID},
			routerStatus{router: router, kill: kill, positions: positions, reconciler: reconciler},
		)
		if err != nil {
			log.Warn().Err(err).Msg("Telegram disabled")
		} else {
			tg.SetControlCallbacks(
				func() { router.SetSignalsEnabled(false) },
				func() { router.SetSignalsEnabled(true) },
			)
			tg.Start(events)
		}
	}

	log.Info().Str("mode", string(cfg.Mode)).Msg("🚀 All systems running...")

	// ═══════════════════════════════════════════════════════════════════════════════
	// GRACEFUL SHUTDOWN
	// ═══════════════════════════════════════════════════════════════════════════════

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("🛑 Shutting down...")
	cancel()
	pilot.Disable()
	controller.Stop()
	for symbol := range cfg.EpicBySymbol {
		builder.ForceFinalize(symbol)
	}
	if tg != nil {
		tg.Stop(events)
	}
	events.Close()

	log.Info().Msg("👋 Goodbye!")
}

// dataCheckJob flags symbols whose M1 history has gone stale.
func dataCheckJob(store *storage.BarStore, cfg *config.Config) scheduler.JobFunc {
	return func(context.Context) error {
		summaries, err := store.Summary()
		if err != nil {
			return fmt.Errorf("bar store summary: %w", err)
		}
		lastM1 := make(map[string]time.Time)
		for _, s := range summaries {
			if s.Timeframe == string(types.TFM1) {
				lastM1[s.Symbol] = s.LastBar
			}
		}
		cutoff := time.Now().UTC().Add(-48 * time.Hour)
		for symbol := range cfg.EpicBySymbol {
			last, ok := lastM1[symbol]
			switch {
			case !ok:
				log.Warn().Str("symbol", symbol).Msg("Data check: no M1 bars stored")
			case last.Before(cutoff):
				log.Warn().Str("symbol", symbol).Time("last_bar", last).Msg("Data check: M1 history stale")
			}
		}
		return nil
	}
}

// weeklyOptimizeConfig walks the last 180 days over all configured symbols.
func weeklyOptimizeConfig(cfg *config.Config) walkforward.Config {
	symbols := make([]string, 0, len(cfg.EpicBySymbol))
	for symbol := range cfg.EpicBySymbol {
		symbols = append(symbols, symbol)
	}
	end := time.Now().UTC().Truncate(24 * time.Hour)
	return walkforward.Config{
		Request: sweep.Request{
			Bots:        []string{"TKCrossSniper"},
			Symbols:     symbols,
			Timeframes:  []types.Timeframe{types.TFM15, types.TFH1},
			Start:       end.AddDate(0, 0, -180),
			End:         end,
			InitialCash: decimal.NewFromInt(10000),
			DefaultSize: cfg.DemoMaxOrderSize,
		},
		ISDays:   60,
		OOSDays:  20,
		StepDays: 20,
		Mode:     walkforward.ModeRolling,
		RankBy:   walkforward.RankComposite,
		TopN:     5,
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// RESEARCH MODES
// ═══════════════════════════════════════════════════════════════════════════════

func researchFlags(fs *flag.FlagSet) (symbols, bots, timeframes, start, end *string, cash, size *float64) {
	symbols = fs.String("symbols", "EURUSD", "comma-separated symbols")
	bots = fs.String("bots", "TKCrossSniper", "comma-separated strategies")
	timeframes = fs.String("timeframes", "H1", "comma-separated timeframes")
	start = fs.String("start", "", "start date YYYY-MM-DD")
	end = fs.String("end", "", "end date YYYY-MM-DD")
	cash = fs.Float64("cash", 10000, "initial cash")
	size = fs.Float64("size", 1, "default order size")
	return
}

func parseDate(name, value string) time.Time {
	if value == "" {
		log.Fatal().Msgf("-%s is required (YYYY-MM-DD)", name)
	}
	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		log.Fatal().Err(err).Msgf("invalid -%s", name)
	}
	return t
}

func splitList(raw string) []string {
	var out []string
	for _, v := range strings.Split(raw, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func parseTimeframes(raw string) []types.Timeframe {
	var out []types.Timeframe
	for _, v := range splitList(raw) {
		tf := types.Timeframe(strings.ToUpper(v))
		if !tf.Valid() {
			log.Fatal().Msgf("invalid timeframe %q", v)
		}
		out = append(out, tf)
	}
	return out
}

func openStore(cfg *config.Config) (*storage.BarStore, storage.Layout) {
	store, err := storage.OpenBarStore(cfg.BarstoreDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open bar store")
	}
	return store, storage.NewLayout(cfg.DataDir)
}

func runBacktest(cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("backtest", flag.ExitOnError)
	symbols, bots, timeframes, start, end, cash, size := researchFlags(fs)
	fs.Parse(args)

	tfs := parseTimeframes(*timeframes)
	if len(tfs) != 1 {
		log.Fatal().Msg("backtest takes exactly one timeframe")
	}

	store, layout := openStore(cfg)
	engine := backtest.New(backtest.Config{
		Symbols:     splitList(*symbols),
		Bots:        splitList(*bots),
		Timeframe:   tfs[0],
		Start:       parseDate("start", *start),
		End:         parseDate("end", *end),
		InitialCash: decimal.NewFromFloat(*cash),
		DefaultSize: decimal.NewFromFloat(*size),
	}, store, layout)
	engine.OnProgress(func(stage string, done, total int, message string) {
		log.Info().Str("stage", stage).Int("done", done).Int("total", total).Msg(message)
	})

	result, err := engine.Run()
	if err != nil {
		printStoreSummary(store)
		log.Fatal().Err(err).Msg("Backtest failed")
	}

	m := result.Combined
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Metric", "Value")
	table.Append("Run ID", result.RunID)
	table.Append("Trades", fmt.Sprintf("%d", m.TradeCount))
	table.Append("Win rate", fmt.Sprintf("%.1f%%", m.WinRate))
	table.Append("Total return", fmt.Sprintf("%.2f%%", m.TotalReturnPct))
	table.Append("Sharpe", fmt.Sprintf("%.3f", m.Sharpe))
	table.Append("Max drawdown", fmt.Sprintf("%.2f%%", m.MaxDrawdownPct))
	table.Append("Profit factor", fmt.Sprintf("%.2f", m.ProfitFactor))
	if err := table.Render(); err != nil {
		log.Warn().Err(err).Msg("Table render failed")
	}
	log.Info().Str("run_dir", result.RunDir).Msg("Artefacts written")
}

// printStoreSummary helps diagnose empty-data failures.
func printStoreSummary(store *storage.BarStore) {
	summaries, err := store.Summary()
	if err != nil || len(summaries) == 0 {
		log.Warn().Msg("Bar store is empty")
		return
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Symbol", "Timeframe", "Bars", "First", "Last")
	for _, s := range summaries {
		table.Append(s.Symbol, s.Timeframe, fmt.Sprintf("%d", s.BarCount),
			s.FirstBar.Format("2006-01-02"), s.LastBar.Format("2006-01-02"))
	}
	_ = table.Render()
}

func runSweep(cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("sweep", flag.ExitOnError)
	symbols, bots, timeframes, start, end, cash, size := researchFlags(fs)
	workers := fs.Int("workers", 0, "worker count; 0 = NumCPU-1")
	resume := fs.Bool("resume", false, "adopt a prior incomplete sweep")
	fs.Parse(args)

	store, layout := openStore(cfg)
	runner := sweep.NewRunner(store, layout)
	result, err := runner.Run(sweep.Request{
		Symbols:     splitList(*symbols),
		Bots:        splitList(*bots),
		Timeframes:  parseTimeframes(*timeframes),
		Start:       parseDate("start", *start),
		End:         parseDate("end", *end),
		InitialCash: decimal.NewFromFloat(*cash),
		DefaultSize: decimal.NewFromFloat(*size),
		Workers:     *workers,
		Resume:      *resume,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Sweep failed")
	}
	log.Info().
		Str("sweep_id", result.SweepID).
		Int("executed", result.Executed).
		Int("skipped", result.Skipped).
		Str("dir", result.SweepDir).
		Msg("Sweep completed")
}

func runWalkforward(cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("walkforward", flag.ExitOnError)
	symbols, bots, timeframes, start, end, cash, size := researchFlags(fs)
	isDays := fs.Int("is", 60, "in-sample days")
	oosDays := fs.Int("oos", 20, "out-of-sample days")
	stepDays := fs.Int("step", 20, "step days")
	anchored := fs.Bool("anchored", false, "anchored folds instead of rolling")
	topN := fs.Int("top", 5, "top combos rerun out of sample")
	propose := fs.Bool("propose", false, "create an allowlist proposal from the selection")
	fs.Parse(args)

	foldMode := walkforward.ModeRolling
	if *anchored {
		foldMode = walkforward.ModeAnchored
	}

	store, layout := openStore(cfg)
	report, err := walkforward.New(store, layout).Run(walkforward.Config{
		Request: sweep.Request{
			Symbols:     splitList(*symbols),
			Bots:        splitList(*bots),
			Timeframes:  parseTimeframes(*timeframes),
			Start:       parseDate("start", *start),
			End:         parseDate("end", *end),
			InitialCash: decimal.NewFromFloat(*cash),
			DefaultSize: decimal.NewFromFloat(*size),
		},
		ISDays:   *isDays,
		OOSDays:  *oosDays,
		StepDays: *stepDays,
		Mode:     foldMode,
		RankBy:   walkforward.RankComposite,
		TopN:     *topN,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Walk-forward failed")
	}

	if err := walkforward.RenderRecommendations(os.Stdout, report.Recommendations); err != nil {
		log.Warn().Err(err).Msg("Table render failed")
	}

	selections := walkforward.Select(report.Recommendations, walkforward.DefaultSelectorConfig())
	for _, sel := range selections {
		log.Info().Str("combo", sel.Rec.Key.String()).Str("rationale", sel.Rationale).Msg("Selected")
	}

	if *propose && len(selections) > 0 {
		entries := make([]allowlist.Entry, 0, len(selections))
		now := time.Now().UTC()
		for _, sel := range selections {
			entries = append(entries, allowlist.Entry{
				Key:         sel.Rec.Key,
				Sharpe:      sel.Rec.MeanSharpe,
				WinRate:     sel.Rec.PctProfitable,
				SourceRunID: report.RunID,
				ValidatedAt: now,
				Enabled:     true,
			})
		}
		proposal, err := allowlist.NewProposalStore(layout).Create(entries, report.RunID)
		if err != nil {
			log.Fatal().Err(err).Msg("Proposal creation failed")
		}
		log.Info().Str("proposal_id", proposal.ID).Msg("Proposal created, apply it explicitly in DEMO")
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// PRELIVE MODE
// ═══════════════════════════════════════════════════════════════════════════════

func runPrelive(cfg *config.Config) int {
	ctx := context.Background()

	store, _ := openStore(cfg)
	ig := broker.NewIGClient(cfg.IG())
	if err := ig.Login(ctx); err != nil {
		log.Error().Err(err).Msg("Broker login failed")
		return 1
	}

	var symbol, epic string
	for s, e := range cfg.EpicBySymbol {
		symbol, epic = s, e
		break
	}

	checker := prelive.NewChecker(prelive.Config{
		Mode:   cfg.Mode,
		Symbol: symbol,
		Epic:   epic,
	}, store, ig, risk.NewEngine(cfg.Risk()), gates.New(cfg.Gates()))

	report := checker.Run(ctx)

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Check", "Result", "Detail")
	for _, r := range report.Results {
		status := "PASS"
		if !r.Passed {
			status = "FAIL"
		}
		table.Append(r.Name, status, r.Message)
	}
	if err := table.Render(); err != nil {
		log.Warn().Err(err).Msg("Table render failed")
	}

	if !report.Passed {
		return 1
	}
	return 0
}
