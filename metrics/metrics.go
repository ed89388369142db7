package metrics

import (
	"math"

	"github.com/Stratton1/SOLATv3.1-sub000/portfolio"
	"github.com/Stratton1/SOLATv3.1-sub000/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// METRICS - Risk-adjusted performance from an equity curve and trade list
// ═══════════════════════════════════════════════════════════════════════════════

// Sentinel for ratios that are undefined but directionally positive/negative
// (zero stdev with non-zero excess, zero gross loss).
const CappedSentinel = 99.99

// TradingDaysPerYear is the annualization base.
const TradingDaysPerYear = 252

// BarsPerDayM1 is the default bars-per-day for 1-minute curves.
const BarsPerDayM1 = 1440

// Summary holds all computed performance metrics for one curve + trade list.
type Summary struct {
	Sharpe              float64 `json:"sharpe"`
	Sortino             float64 `json:"sortino"`
	Calmar              float64 `json:"calmar"`
	MaxDrawdown         float64 `json:"max_drawdown"`
	MaxDrawdownPct      float64 `json:"max_drawdown_pct"`
	MaxDrawdownDuration int     `json:"max_drawdown_duration_bars"`
	TotalReturnPct      float64 `json:"total_return_pct"`
	CAGR                float64 `json:"cagr"`
	TradeCount          int     `json:"trade_count"`
	Wins                int     `json:"wins"`
	Losses              int     `json:"losses"`
	WinRate             float64 `json:"win_rate"`
	ProfitFactor        float64 `json:"profit_factor"`
	Expectancy          float64 `json:"expectancy"`
	AvgWin              float64 `json:"avg_win"`
	AvgLoss             float64 `json:"avg_loss"`
	LargestWin          float64 `json:"largest_win"`
	LargestLoss         float64 `json:"largest_loss"`
	AvgBarsHeld         float64 `json:"avg_bars_held"`
	TimeInMarket        float64 `json:"time_in_market"`
}

// Returns computes per-bar percent changes of the equity curve.
func Returns(curve []portfolio.EquityPoint) []float64 {
	if len(curve) < 2 {
		return nil
	}
	out := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity.InexactFloat64()
		curr := curve[i].Equity.InexactFloat64()
		if prev == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, (curr-prev)/prev)
	}
	return out
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	sum := 0.0
	for _, x := range xs {
		d := x - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(xs)-1))
}

// Sharpe is (mean - rf) / std, annualized by sqrt(252 * barsPerDay). Zero
// stdev with positive excess returns the capped sentinel; zero excess is 0.
func Sharpe(returns []float64, riskFree float64, barsPerDay int) float64 {
	if len(returns) < 2 {
		return 0
	}
	excess := mean(returns) - riskFree
	sd := stddev(returns)
	if sd == 0 {
		if excess > 0 {
			return CappedSentinel
		}
		if excess < 0 {
			return -CappedSentinel
		}
		return 0
	}
	return excess / sd * math.Sqrt(float64(TradingDaysPerYear*barsPerDay))
}

// Sortino uses downside-only stdev. No negative returns with positive excess
// yields +Inf.
func Sortino(returns []float64, riskFree float64, barsPerDay int) float64 {
	if len(returns) < 2 {
		return 0
	}
	excess := mean(returns) - riskFree

	var downside []float64
	for _, r := range returns {
		if r < 0 {
			downside = append(downside, r)
		}
	}
	if len(downside) == 0 {
		if excess > 0 {
			return math.Inf(1)
		}
		return 0
	}
	sumSq := 0.0
	for _, r := range downside {
		sumSq += r * r
	}
	dd := math.Sqrt(sumSq / float64(len(returns)))
	if dd == 0 {
		if excess > 0 {
			return CappedSentinel
		}
		return 0
	}
	return excess / dd * math.Sqrt(float64(TradingDaysPerYear*barsPerDay))
}

// MaxDrawdown returns the deepest peak-to-trough fall (absolute, percent) and
// its duration in bars. Duration resets whenever a new high-water mark prints.
func MaxDrawdown(curve []portfolio.EquityPoint) (abs, pct float64, durationBars int) {
	if len(curve) == 0 {
		return 0, 0, 0
	}
	peak := curve[0].Equity.InexactFloat64()
	run := 0
	for _, pt := range curve {
		eq := pt.Equity.InexactFloat64()
		if eq > peak {
			peak = eq
			run = 0
			continue
		}
		run++
		dd := peak - eq
		if dd > abs {
			abs = dd
			if peak > 0 {
				pct = dd / peak * 100
			}
		}
		if run > durationBars {
			durationBars = run
		}
	}
	return abs, pct, durationBars
}

// Compute builds the full summary. barsPerDay matches the curve's sampling
// interval (1440 for M1; callers on higher timeframes supply their own).
func Compute(curve []portfolio.EquityPoint, trades []types.TradeRecord, barsPerDay int) Summary {
	if barsPerDay <= 0 {
		barsPerDay = BarsPerDayM1
	}

	s := Summary{TradeCount: len(trades)}
	returns := Returns(curve)
	s.Sharpe = Sharpe(returns, 0, barsPerDay)
	s.Sortino = Sortino(returns, 0, barsPerDay)
	s.MaxDrawdown, s.MaxDrawdownPct, s.MaxDrawdownDuration = MaxDrawdown(curve)

	if len(curve) >= 2 {
		initial := curve[0].Equity.InexactFloat64()
		final := curve[len(curve)-1].Equity.InexactFloat64()
		if initial > 0 {
			s.TotalReturnPct = (final - initial) / initial * 100
			days := curve[len(curve)-1].Timestamp.Sub(curve[0].Timestamp).Hours() / 24
			if days > 0 && final > 0 {
				s.CAGR = (math.Pow(final/initial, 365.25/days) - 1) * 100
			}
		}
	}
	if s.MaxDrawdownPct > 0 {
		s.Calmar = s.CAGR / s.MaxDrawdownPct
	}

	grossWin, grossLoss := 0.0, 0.0
	totalBarsHeld := 0
	for _, tr := range trades {
		pnl := tr.PnL.Sub(tr.Fees).InexactFloat64()
		totalBarsHeld += tr.BarsHeld
		if pnl > 0 {
			s.Wins++
			grossWin += pnl
			if pnl > s.LargestWin {
				s.LargestWin = pnl
			}
		} else {
			s.Losses++
			grossLoss += -pnl
			if pnl < s.LargestLoss {
				s.LargestLoss = pnl
			}
		}
	}
	if s.TradeCount > 0 {
		s.WinRate = float64(s.Wins) / float64(s.TradeCount) * 100
		s.Expectancy = (grossWin - grossLoss) / float64(s.TradeCount)
		s.AvgBarsHeld = float64(totalBarsHeld) / float64(s.TradeCount)
	}
	if s.Wins > 0 {
		s.AvgWin = grossWin / float64(s.Wins)
	}
	if s.Losses > 0 {
		s.AvgLoss = -grossLoss / float64(s.Losses)
	}
	if grossLoss > 0 {
		s.ProfitFactor = grossWin / grossLoss
		if s.ProfitFactor > CappedSentinel {
			s.ProfitFactor = CappedSentinel
		}
	} else if grossWin > 0 {
		s.ProfitFactor = CappedSentinel
	}
	if len(curve) > 1 {
		s.TimeInMarket = math.Min(1, float64(totalBarsHeld)/float64(len(curve)-1))
	}
	return s
}
