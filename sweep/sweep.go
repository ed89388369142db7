package sweep

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/Stratton1/SOLATv3.1-sub000/backtest"
	"github.com/Stratton1/SOLATv3.1-sub000/metrics"
	"github.com/Stratton1/SOLATv3.1-sub000/sim"
	"github.com/Stratton1/SOLATv3.1-sub000/storage"
	"github.com/Stratton1/SOLATv3.1-sub000/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SWEEP RUNNER - Resumable combo grid over bots × symbols × timeframes
// ═══════════════════════════════════════════════════════════════════════════════
//
// Workers run one combo at a time in isolation. Every completed combo is
// written atomically to {sweep_dir}/combos/{combo_id}.json; a combo file
// present on resume is treated as already done and skipped.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Request describes a sweep grid.
type Request struct {
	Bots        []string          `json:"bots"`
	Symbols     []string          `json:"symbols"`
	Timeframes  []types.Timeframe `json:"timeframes"`
	Start       time.Time         `json:"start"`
	End         time.Time         `json:"end"`
	InitialCash decimal.Decimal   `json:"initial_cash"`
	RiskPct     decimal.Decimal   `json:"risk_pct"`
	DefaultSize decimal.Decimal   `json:"default_size"`

	Sim     sim.Config    `json:"-"`
	Workers int           `json:"-"` // default NumCPU-1
	Timeout time.Duration `json:"-"` // per combo; 0 = none
	Shuffle bool          `json:"-"`
	Resume  bool          `json:"-"`
}

// Hash deterministically identifies the sweep configuration (16 hex chars).
// Only grid-defining fields participate; runtime knobs do not.
func (r Request) Hash() string {
	sortedBots := append([]string(nil), r.Bots...)
	sort.Strings(sortedBots)
	sortedSymbols := append([]string(nil), r.Symbols...)
	sort.Strings(sortedSymbols)

	payload, _ := json.Marshal(map[string]any{
		"bots":         sortedBots,
		"symbols":      sortedSymbols,
		"timeframes":   r.Timeframes,
		"start":        r.Start.UTC().Format(time.RFC3339),
		"end":          r.End.UTC().Format(time.RFC3339),
		"initial_cash": r.InitialCash.String(),
		"risk_pct":     r.RiskPct.String(),
		"default_size": r.DefaultSize.String(),
	})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])[:16]
}

// Combo is one cell of the grid.
type Combo struct {
	Key   types.ComboKey `json:"key"`
	Start time.Time      `json:"start"`
	End   time.Time      `json:"end"`
}

// ID returns the stable 16-hex-char combo identifier.
func (c Combo) ID() string {
	payload := c.Key.String() + "|" + c.Start.UTC().Format(time.RFC3339) + "|" + c.End.UTC().Format(time.RFC3339)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])[:16]
}

// ComboResult is the persisted outcome of one combo.
type ComboResult struct {
	ComboID     string          `json:"combo_id"`
	Combo       Combo           `json:"combo"`
	Status      string          `json:"status"`
	Error       string          `json:"error,omitempty"`
	Metrics     metrics.Summary `json:"metrics"`
	TradeCount  int             `json:"trade_count"`
	DurationMs  int64           `json:"duration_ms"`
	CompletedAt time.Time       `json:"completed_at"`
}

// Manifest tracks sweep-wide progress; updated atomically as combos finish.
type Manifest struct {
	SweepID     string    `json:"sweep_id"`
	RequestHash string    `json:"request_hash"`
	Status      string    `json:"status"`
	Total       int       `json:"total"`
	Done        int       `json:"done"`
	Failed      int       `json:"failed"`
	StartedAt   time.Time `json:"started_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Result is the in-memory outcome of a sweep run.
type Result struct {
	SweepID  string
	SweepDir string
	Executed int // combos actually run this invocation
	Skipped  int // combos adopted from a prior run
	Results  []ComboResult
}

// Runner executes sweeps against a bar source.
type Runner struct {
	source backtest.BarSource
	layout storage.Layout
}

func NewRunner(source backtest.BarSource, layout storage.Layout) *Runner {
	return &Runner{source: source, layout: layout}
}

func (r *Runner) combos(req Request) []Combo {
	var out []Combo
	for _, symbol := range req.Symbols {
		for _, bot := range req.Bots {
			for _, tf := range req.Timeframes {
				out = append(out, Combo{
					Key:   types.ComboKey{Symbol: symbol, Bot: bot, Timeframe: tf},
					Start: req.Start,
					End:   req.End,
				})
			}
		}
	}
	return out
}

// Run executes the sweep, resuming an existing directory when the request
// hash matches and resume is requested.
func (r *Runner) Run(req Request) (*Result, error) {
	hash := req.Hash()
	sweepID := "sweep_" + hash
	sweepDir := r.layout.SweepDir(sweepID)
	manifestPath := filepath.Join(sweepDir, "manifest.json")

	combos := r.combos(req)
	if len(combos) == 0 {
		return nil, fmt.Errorf("empty sweep grid")
	}

	var manifest Manifest
	if req.Resume {
		if err := storage.ReadJSON(manifestPath, &manifest); err == nil && manifest.RequestHash == hash {
			log.Info().Str("sweep_id", sweepID).Int("done", manifest.Done).Msg("Resuming sweep")
		} else {
			manifest = Manifest{}
		}
	}
	if manifest.SweepID == "" {
		manifest = Manifest{
			SweepID:     sweepID,
			RequestHash: hash,
			Status:      StatusRunning,
			Total:       len(combos),
			StartedAt:   time.Now().UTC(),
		}
	}
	manifest.Status = StatusRunning
	manifest.Total = len(combos)
	manifest.UpdatedAt = time.Now().UTC()
	if err := storage.WriteJSONAtomic(manifestPath, manifest); err != nil {
		return nil, err
	}

	// A combo file already on disk counts as done.
	var pending []Combo
	var adopted []ComboResult
	for _, combo := range combos {
		var prior ComboResult
		if err := storage.ReadJSON(r.layout.SweepComboPath(sweepID, combo.ID()), &prior); err == nil {
			adopted = append(adopted, prior)
			continue
		}
		pending = append(pending, combo)
	}

	if req.Shuffle {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		rng.Shuffle(len(pending), func(i, j int) { pending[i], pending[j] = pending[j], pending[i] })
	}

	workers := req.Workers
	if workers <= 0 {
		workers = runtime.NumCPU() - 1
	}
	if workers < 1 {
		workers = 1
	}

	var (
		mu      sync.Mutex
		results = append([]ComboResult(nil), adopted...)
		done    = len(adopted)
		failed  = 0
	)
	for _, res := range adopted {
		if res.Status == StatusFailed {
			failed++
		}
	}

	jobs := make(chan Combo)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for combo := range jobs {
				res := r.runCombo(req, combo)
				if err := storage.WriteJSONAtomic(r.layout.SweepComboPath(sweepID, res.ComboID), res); err != nil {
					log.Error().Err(err).Str("combo_id", res.ComboID).Msg("Combo result write failed")
				}

				mu.Lock()
				results = append(results, res)
				done++
				if res.Status == StatusFailed {
					failed++
				}
				manifest.Done = done
				manifest.Failed = failed
				manifest.UpdatedAt = time.Now().UTC()
				snapshot := manifest
				mu.Unlock()

				if err := storage.WriteJSONAtomic(manifestPath, snapshot); err != nil {
					log.Error().Err(err).Msg("Sweep manifest write failed")
				}
			}
		}()
	}
	for _, combo := range pending {
		jobs <- combo
	}
	close(jobs)
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].ComboID < results[j].ComboID })

	manifest.Status = StatusCompleted
	manifest.Done = done
	manifest.Failed = failed
	manifest.UpdatedAt = time.Now().UTC()
	if err := storage.WriteJSONAtomic(manifestPath, manifest); err != nil {
		return nil, err
	}
	if err := r.writeResults(sweepDir, results); err != nil {
		return nil, err
	}

	log.Info().
		Str("sweep_id", sweepID).
		Int("executed", len(pending)).
		Int("skipped", len(adopted)).
		Int("failed", failed).
		Msg("Sweep completed")

	return &Result{
		SweepID:  sweepID,
		SweepDir: sweepDir,
		Executed: len(pending),
		Skipped:  len(adopted),
		Results:  results,
	}, nil
}

// runCombo executes one backtest in isolation, bounded by the per-combo
// timeout. A timeout records a failure result instead of hanging the sweep.
func (r *Runner) runCombo(req Request, combo Combo) ComboResult {
	started := time.Now()
	res := ComboResult{ComboID: combo.ID(), Combo: combo}

	type outcome struct {
		run *backtest.Result
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		cfg := backtest.Config{
			Symbols:     []string{combo.Key.Symbol},
			Timeframe:   combo.Key.Timeframe,
			Bots:        []string{combo.Key.Bot},
			Start:       combo.Start,
			End:         combo.End,
			InitialCash: req.InitialCash,
			RiskPct:     req.RiskPct,
			DefaultSize: req.DefaultSize,
			Sim:         req.Sim,
			BarsPerDay:  metrics.BarsPerDayM1 / combo.Key.Timeframe.Minutes(),
		}
		run, err := backtest.New(cfg, r.source, storage.Layout{}).Run()
		ch <- outcome{run: run, err: err}
	}()

	var out outcome
	if req.Timeout > 0 {
		select {
		case out = <-ch:
		case <-time.After(req.Timeout):
			out = outcome{err: fmt.Errorf("combo timed out after %s", req.Timeout)}
		}
	} else {
		out = <-ch
	}

	res.DurationMs = time.Since(started).Milliseconds()
	res.CompletedAt = time.Now().UTC()
	if out.err != nil {
		res.Status = StatusFailed
		res.Error = out.err.Error()
		return res
	}
	res.Status = StatusCompleted
	res.Metrics = out.run.Combined
	res.TradeCount = len(out.run.Trades)
	return res
}

var resultsHeader = []string{
	"combo_id", "symbol", "bot", "timeframe", "status",
	"sharpe", "sortino", "win_rate", "profit_factor", "max_drawdown_pct", "trades",
}

func (r *Runner) writeResults(sweepDir string, results []ComboResult) error {
	if err := storage.WriteJSONAtomic(filepath.Join(sweepDir, "results.json"), results); err != nil {
		return err
	}
	rows := make([][]string, len(results))
	for i, res := range results {
		rows[i] = []string{
			res.ComboID,
			res.Combo.Key.Symbol,
			res.Combo.Key.Bot,
			string(res.Combo.Key.Timeframe),
			res.Status,
			strconv.FormatFloat(res.Metrics.Sharpe, 'f', 6, 64),
			strconv.FormatFloat(res.Metrics.Sortino, 'f', 6, 64),
			strconv.FormatFloat(res.Metrics.WinRate, 'f', 2, 64),
			strconv.FormatFloat(res.Metrics.ProfitFactor, 'f', 4, 64),
			strconv.FormatFloat(res.Metrics.MaxDrawdownPct, 'f', 4, 64),
			strconv.Itoa(res.TradeCount),
		}
	}
	return storage.WriteCSVAtomic(filepath.Join(sweepDir, "results.csv"), resultsHeader, rows)
}

// LoadResults reads every combo file in a sweep directory, skipping files
// that fail to deserialize.
func LoadResults(sweepDir string) ([]ComboResult, error) {
	entries, err := os.ReadDir(filepath.Join(sweepDir, "combos"))
	if err != nil {
		return nil, err
	}
	var out []ComboResult
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		var res ComboResult
		path := filepath.Join(sweepDir, "combos", entry.Name())
		if err := storage.ReadJSON(path, &res); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Skipping unreadable combo file")
			continue
		}
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ComboID < out[j].ComboID })
	return out, nil
}
