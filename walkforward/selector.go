package walkforward

import (
	"fmt"
)

// SelectorConfig filters walk-forward recommendations down to a deployable
// set.
type SelectorConfig struct {
	MinFolds         int     `json:"min_folds"`
	MinMeanSharpe    float64 `json:"min_mean_sharpe"`
	MinPctProfitable float64 `json:"min_pct_profitable"`
	MaxPerSymbol     int     `json:"max_per_symbol"` // diversity cap; 0 = unlimited
	MaxTotal         int     `json:"max_total"`      // 0 = unlimited
}

// DefaultSelectorConfig mirrors the conservative deployment defaults.
func DefaultSelectorConfig() SelectorConfig {
	return SelectorConfig{
		MinFolds:         2,
		MinMeanSharpe:    0.5,
		MinPctProfitable: 50,
		MaxPerSymbol:     2,
		MaxTotal:         10,
	}
}

// Selection is one picked combo with a human-readable rationale.
type Selection struct {
	Rec       Recommendation `json:"recommendation"`
	Rationale string         `json:"rationale"`
}

// Select walks recommendations in consistency order, applies threshold
// filters and the per-symbol diversity cap, and attaches a rationale.
func Select(recs []Recommendation, cfg SelectorConfig) []Selection {
	perSymbol := make(map[string]int)
	var out []Selection

	for _, rec := range recs {
		if cfg.MaxTotal > 0 && len(out) >= cfg.MaxTotal {
			break
		}
		if cfg.MinFolds > 0 && rec.Folds < cfg.MinFolds {
			continue
		}
		if rec.MeanSharpe < cfg.MinMeanSharpe {
			continue
		}
		if rec.PctProfitable < cfg.MinPctProfitable {
			continue
		}
		if cfg.MaxPerSymbol > 0 && perSymbol[rec.Key.Symbol] >= cfg.MaxPerSymbol {
			continue
		}
		perSymbol[rec.Key.Symbol]++

		out = append(out, Selection{
			Rec: rec,
			Rationale: fmt.Sprintf(
				"consistency %.2f over %d folds, mean Sharpe %.2f (std %.2f), %.0f%% of folds profitable",
				rec.ConsistencyScore, rec.Folds, rec.MeanSharpe, rec.StdSharpe, rec.PctProfitable,
			),
		})
	}
	return out
}
