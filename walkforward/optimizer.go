package walkforward

import (
	"fmt"
	"io"
	"math"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"

	"github.com/Stratton1/SOLATv3.1-sub000/backtest"
	"github.com/Stratton1/SOLATv3.1-sub000/metrics"
	"github.com/Stratton1/SOLATv3.1-sub000/storage"
	"github.com/Stratton1/SOLATv3.1-sub000/sweep"
	"github.com/Stratton1/SOLATv3.1-sub000/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// WALK-FORWARD OPTIMIZER - IS/OOS fold evaluation and stability scoring
// ═══════════════════════════════════════════════════════════════════════════════
//
// Each fold sweeps the in-sample window, ranks combos, and reruns the top N
// on the out-of-sample window. Aggregation across folds favours combos that
// are consistently good out of sample, not just good once.
//
// ═══════════════════════════════════════════════════════════════════════════════

// RankMode selects the in-sample ranking metric.
type RankMode string

const (
	RankSharpe       RankMode = "sharpe"
	RankSortino      RankMode = "sortino"
	RankWinRate      RankMode = "win_rate"
	RankProfitFactor RankMode = "profit_factor"
	RankCalmar       RankMode = "calmar"
	RankComposite    RankMode = "composite"
)

// minFolds is the floor on usable fold counts; below it consistency scores
// are meaningless.
const minFolds = 2

// Config describes one optimization run.
type Config struct {
	Request  sweep.Request `json:"request"`
	ISDays   int           `json:"is_days"`
	OOSDays  int           `json:"oos_days"`
	StepDays int           `json:"step_days"`
	Mode     Mode          `json:"mode"`
	RankBy   RankMode      `json:"rank_by"`
	TopN     int           `json:"top_n"`
}

// ScorecardRow is one window×combo×phase observation.
type ScorecardRow struct {
	WindowID int             `json:"window_id"`
	Key      types.ComboKey  `json:"key"`
	Phase    string          `json:"phase"` // IS or OOS
	Metrics  metrics.Summary `json:"metrics"`
}

// Recommendation is the cross-fold aggregate for one combo.
type Recommendation struct {
	Key              types.ComboKey `json:"key"`
	Folds            int            `json:"folds"`
	MeanSharpe       float64        `json:"mean_sharpe"`
	StdSharpe        float64        `json:"std_sharpe"`
	PctProfitable    float64        `json:"pct_profitable"`
	ConsistencyScore float64        `json:"consistency_score"`
}

// Report is the full optimization output.
type Report struct {
	RunID           string           `json:"run_id"`
	Config          Config           `json:"config"`
	Folds           []Fold           `json:"folds"`
	Scorecard       []ScorecardRow   `json:"-"`
	Recommendations []Recommendation `json:"recommendations"`
	OutputDir       string           `json:"-"`
}

// Optimizer runs walk-forward optimization against a bar source.
type Optimizer struct {
	source backtest.BarSource
	layout storage.Layout
}

func New(source backtest.BarSource, layout storage.Layout) *Optimizer {
	return &Optimizer{source: source, layout: layout}
}

// rankValue extracts the ranking scalar; infinite sentinels are clamped so a
// lone Sortino outlier cannot dominate the ordering.
func rankValue(mode RankMode, m metrics.Summary) float64 {
	clamp := func(v float64) float64 {
		if math.IsInf(v, 1) || v > metrics.CappedSentinel {
			return metrics.CappedSentinel
		}
		if math.IsInf(v, -1) || v < -metrics.CappedSentinel {
			return -metrics.CappedSentinel
		}
		return v
	}
	switch mode {
	case RankSortino:
		return clamp(m.Sortino)
	case RankWinRate:
		return m.WinRate
	case RankProfitFactor:
		return clamp(m.ProfitFactor)
	case RankCalmar:
		return clamp(m.Calmar)
	case RankComposite:
		return 0.4*clamp(m.Sharpe) + 0.2*clamp(m.Sortino) + 0.2*clamp(m.ProfitFactor) + 0.2*m.WinRate/100
	default:
		return clamp(m.Sharpe)
	}
}

// Run executes the walk-forward optimization.
func (o *Optimizer) Run(cfg Config) (*Report, error) {
	if cfg.TopN <= 0 {
		cfg.TopN = 5
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeRolling
	}
	if cfg.RankBy == "" {
		cfg.RankBy = RankSharpe
	}

	folds, err := GenerateFolds(cfg.Request.Start, cfg.Request.End, cfg.ISDays, cfg.OOSDays, cfg.StepDays, cfg.Mode)
	if err != nil {
		return nil, err
	}
	if len(folds) < minFolds {
		return nil, fmt.Errorf("only %d folds generated, need at least %d", len(folds), minFolds)
	}

	runID := backtest.NewRunID(time.Now())
	logger := log.With().Str("run_id", runID).Logger()
	logger.Info().
		Int("folds", len(folds)).
		Str("mode", string(cfg.Mode)).
		Str("rank_by", string(cfg.RankBy)).
		Msg("Walk-forward optimization started")

	runner := sweep.NewRunner(o.source, o.layout)
	var scorecard []ScorecardRow
	oosByCombo := make(map[types.ComboKey][]metrics.Summary)

	for _, fold := range folds {
		isReq := cfg.Request
		isReq.Start = fold.ISStart
		isReq.End = fold.ISEnd
		isRes, err := runner.Run(isReq)
		if err != nil {
			return nil, fmt.Errorf("fold %d IS sweep: %w", fold.Index, err)
		}

		var ranked []sweep.ComboResult
		for _, cr := range isRes.Results {
			if cr.Status == sweep.StatusCompleted {
				ranked = append(ranked, cr)
			}
		}
		sort.SliceStable(ranked, func(i, j int) bool {
			vi, vj := rankValue(cfg.RankBy, ranked[i].Metrics), rankValue(cfg.RankBy, ranked[j].Metrics)
			if vi != vj {
				return vi > vj
			}
			return ranked[i].ComboID < ranked[j].ComboID
		})
		if len(ranked) > cfg.TopN {
			ranked = ranked[:cfg.TopN]
		}

		for _, cr := range ranked {
			scorecard = append(scorecard, ScorecardRow{
				WindowID: fold.Index,
				Key:      cr.Combo.Key,
				Phase:    "IS",
				Metrics:  cr.Metrics,
			})

			oosMetrics, err := o.runOOS(cfg, cr.Combo.Key, fold)
			if err != nil {
				logger.Warn().Err(err).Str("combo", cr.Combo.Key.String()).Int("fold", fold.Index).Msg("OOS rerun failed")
				continue
			}
			scorecard = append(scorecard, ScorecardRow{
				WindowID: fold.Index,
				Key:      cr.Combo.Key,
				Phase:    "OOS",
				Metrics:  oosMetrics,
			})
			oosByCombo[cr.Combo.Key] = append(oosByCombo[cr.Combo.Key], oosMetrics)
		}
	}

	report := &Report{
		RunID:           runID,
		Config:          cfg,
		Folds:           folds,
		Scorecard:       scorecard,
		Recommendations: aggregate(oosByCombo),
	}
	if o.layout.BaseDir != "" {
		report.OutputDir = o.layout.WalkForwardDir(runID)
		if err := o.writeArtefacts(report); err != nil {
			return nil, err
		}
	}

	logger.Info().Int("recommendations", len(report.Recommendations)).Msg("Walk-forward optimization completed")
	return report, nil
}

func (o *Optimizer) runOOS(cfg Config, key types.ComboKey, fold Fold) (metrics.Summary, error) {
	btCfg := backtest.Config{
		Symbols:     []string{key.Symbol},
		Timeframe:   key.Timeframe,
		Bots:        []string{key.Bot},
		Start:       fold.OOSStart,
		End:         fold.OOSEnd,
		InitialCash: cfg.Request.InitialCash,
		RiskPct:     cfg.Request.RiskPct,
		DefaultSize: cfg.Request.DefaultSize,
		Sim:         cfg.Request.Sim,
		BarsPerDay:  metrics.BarsPerDayM1 / key.Timeframe.Minutes(),
	}
	run, err := backtest.New(btCfg, o.source, storage.Layout{}).Run()
	if err != nil {
		return metrics.Summary{}, err
	}
	return run.Combined, nil
}

// aggregate computes cross-fold stability per combo. The stddev floor of 0.1
// stops a near-zero variance from inflating the consistency score.
func aggregate(oosByCombo map[types.ComboKey][]metrics.Summary) []Recommendation {
	var out []Recommendation
	for key, summaries := range oosByCombo {
		n := len(summaries)
		sum, profitable := 0.0, 0
		for _, m := range summaries {
			sum += m.Sharpe
			if m.TotalReturnPct > 0 {
				profitable++
			}
		}
		meanSharpe := sum / float64(n)

		variance := 0.0
		for _, m := range summaries {
			d := m.Sharpe - meanSharpe
			variance += d * d
		}
		std := 0.0
		if n > 1 {
			std = math.Sqrt(variance / float64(n-1))
		}

		out = append(out, Recommendation{
			Key:              key,
			Folds:            n,
			MeanSharpe:       meanSharpe,
			StdSharpe:        std,
			PctProfitable:    float64(profitable) / float64(n) * 100,
			ConsistencyScore: meanSharpe / math.Max(std, 0.1),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConsistencyScore != out[j].ConsistencyScore {
			return out[i].ConsistencyScore > out[j].ConsistencyScore
		}
		return out[i].Key.String() < out[j].Key.String()
	})
	return out
}

var foldsHeader = []string{"index", "is_start", "is_end", "oos_start", "oos_end"}

var scorecardHeader = []string{
	"window_id", "symbol", "bot", "timeframe", "phase",
	"sharpe", "sortino", "win_rate", "profit_factor", "return_pct", "max_drawdown_pct", "trades",
}

func (o *Optimizer) writeArtefacts(report *Report) error {
	dir := report.OutputDir

	foldRows := make([][]string, len(report.Folds))
	for i, fold := range report.Folds {
		foldRows[i] = []string{
			strconv.Itoa(fold.Index),
			fold.ISStart.UTC().Format(time.RFC3339),
			fold.ISEnd.UTC().Format(time.RFC3339),
			fold.OOSStart.UTC().Format(time.RFC3339),
			fold.OOSEnd.UTC().Format(time.RFC3339),
		}
	}
	if err := storage.WriteCSVAtomic(filepath.Join(dir, "folds.csv"), foldsHeader, foldRows); err != nil {
		return err
	}

	rows := make([][]string, len(report.Scorecard))
	for i, row := range report.Scorecard {
		rows[i] = []string{
			strconv.Itoa(row.WindowID),
			row.Key.Symbol,
			row.Key.Bot,
			string(row.Key.Timeframe),
			row.Phase,
			strconv.FormatFloat(row.Metrics.Sharpe, 'f', 6, 64),
			strconv.FormatFloat(row.Metrics.Sortino, 'f', 6, 64),
			strconv.FormatFloat(row.Metrics.WinRate, 'f', 2, 64),
			strconv.FormatFloat(row.Metrics.ProfitFactor, 'f', 4, 64),
			strconv.FormatFloat(row.Metrics.TotalReturnPct, 'f', 4, 64),
			strconv.FormatFloat(row.Metrics.MaxDrawdownPct, 'f', 4, 64),
			strconv.Itoa(row.Metrics.TradeCount),
		}
	}
	if err := storage.WriteCSVAtomic(filepath.Join(dir, "scorecard.csv"), scorecardHeader, rows); err != nil {
		return err
	}

	return storage.WriteJSONAtomic(filepath.Join(dir, "recommendations.json"), report.Recommendations)
}

// RenderRecommendations prints the recommendations table.
func RenderRecommendations(w io.Writer, recs []Recommendation) error {
	table := tablewriter.NewWriter(w)
	table.Header("Rank", "Combo", "Folds", "Mean Sharpe", "Std Sharpe", "% Profitable", "Consistency")
	for i, rec := range recs {
		table.Append(
			strconv.Itoa(i+1),
			rec.Key.String(),
			strconv.Itoa(rec.Folds),
			strconv.FormatFloat(rec.MeanSharpe, 'f', 3, 64),
			strconv.FormatFloat(rec.StdSharpe, 'f', 3, 64),
			strconv.FormatFloat(rec.PctProfitable, 'f', 1, 64),
			strconv.FormatFloat(rec.ConsistencyScore, 'f', 3, 64),
		)
	}
	return table.Render()
}
