package backtest

import (
	"path/filepath"
	"strconv"
	"time"

	"github.com/Stratton1/SOLATv3.1-sub000/storage"
)

// Manifest is the run-level artefact header.
type Manifest struct {
	RunID         string    `json:"run_id"`
	EngineVersion string    `json:"engine_version"`
	Config        Config    `json:"config"`
	CreatedAt     time.Time `json:"created_at"`
	TradeCount    int       `json:"trade_count"`
	OrderCount    int       `json:"order_count"`
}

var equityHeader = []string{
	"timestamp", "equity", "cash", "unrealized_pnl", "realized_pnl",
	"drawdown", "drawdown_pct", "high_water_mark",
}

var tradesHeader = []string{
	"symbol", "bot", "side", "size", "entry_price", "exit_price",
	"entry_time", "exit_time", "pnl", "fees", "reason", "mae", "mfe", "bars_held",
}

var ordersHeader = []string{
	"timestamp", "symbol", "action", "size", "fill_price", "fees", "filled", "reason",
}

func (e *Engine) writeArtefacts(res *Result) error {
	dir := res.RunDir

	manifest := Manifest{
		RunID:         res.RunID,
		EngineVersion: EngineVersion,
		Config:        res.Config,
		CreatedAt:     time.Now().UTC(),
		TradeCount:    len(res.Trades),
		OrderCount:    len(res.Orders),
	}
	if err := storage.WriteJSONAtomic(filepath.Join(dir, "manifest.json"), manifest); err != nil {
		return err
	}

	curveRows := make([][]string, len(res.Curve))
	for i, pt := range res.Curve {
		curveRows[i] = []string{
			pt.Timestamp.UTC().Format(time.RFC3339),
			pt.Equity.String(),
			pt.Cash.String(),
			pt.UnrealizedPnL.String(),
			pt.RealizedPnL.String(),
			pt.Drawdown.String(),
			pt.DrawdownPct.String(),
			pt.HighWaterMark.String(),
		}
	}
	if err := storage.WriteCSVAtomic(filepath.Join(dir, "equity_curve.csv"), equityHeader, curveRows); err != nil {
		return err
	}

	tradeRows := make([][]string, len(res.Trades))
	for i, tr := range res.Trades {
		tradeRows[i] = []string{
			tr.Symbol,
			tr.Bot,
			string(tr.Side),
			tr.Size.String(),
			tr.EntryPrice.String(),
			tr.ExitPrice.String(),
			tr.EntryTime.UTC().Format(time.RFC3339),
			tr.ExitTime.UTC().Format(time.RFC3339),
			tr.PnL.String(),
			tr.Fees.String(),
			tr.Reason,
			tr.MAE.String(),
			tr.MFE.String(),
			strconv.Itoa(tr.BarsHeld),
		}
	}
	if err := storage.WriteCSVAtomic(filepath.Join(dir, "trades.csv"), tradesHeader, tradeRows); err != nil {
		return err
	}

	orderRows := make([][]string, len(res.Orders))
	for i, ord := range res.Orders {
		orderRows[i] = []string{
			ord.Timestamp.UTC().Format(time.RFC3339),
			ord.Symbol,
			string(ord.Action),
			ord.Size.String(),
			ord.FillPrice.String(),
			ord.Fees.String(),
			strconv.FormatBool(ord.Filled),
			ord.Reason,
		}
	}
	if err := storage.WriteCSVAtomic(filepath.Join(dir, "orders.csv"), ordersHeader, orderRows); err != nil {
		return err
	}

	metricsDoc := map[string]any{
		"combined": res.Combined,
		"per_bot":  res.PerBot,
	}
	if err := storage.WriteJSONAtomic(filepath.Join(dir, "metrics.json"), metricsDoc); err != nil {
		return err
	}
	return storage.WriteJSONAtomic(filepath.Join(dir, "warnings.json"), res.Warnings)
}
