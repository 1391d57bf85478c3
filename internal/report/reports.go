package report

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"rebalancer/internal/config"
	"rebalancer/internal/drift"
	"rebalancer/internal/exec"
	"rebalancer/internal/sizing"
)

// Exposure bundles the gross exposure and leverage figures both report
// writers carry.
type Exposure struct {
	NetLiq    float64
	PreGross  float64
	PreLev    float64
	PostGross float64
	PostLev   float64
}

var preTradeColumns = []string{
	"timestamp_run", "account_id", "symbol", "is_cash", "target_wt_pct",
	"current_wt_pct", "drift_pct", "drift_pre_buffer_usd", "action",
	"qty_shares", "est_price", "order_type", "algo", "est_value_usd",
	"planned_value_usd", "net_liq", "pre_gross_exposure",
	"post_gross_exposure", "pre_leverage", "post_leverage",
}

var postTradeColumns = append(append([]string{}, preTradeColumns...),
	"fill_qty", "fill_price", "fill_timestamp", "commission",
	"commission_placeholder", "status", "error", "notes",
)

// WritePreTrade writes the pre-trade CSV for one account and returns its
// path. One row per drift record, sorted by symbol.
func WritePreTrade(reportDir string, ts time.Time, accountID string, drifts []drift.Drift, trades []sizing.Trade, prices map[string]float64, exp Exposure, cfg config.Config) (string, error) {
	path := filepath.Join(reportDir, fmt.Sprintf("rebalance_pre_%s_%s.csv", accountID, FormatTimestamp(ts)))
	w, f, err := openCSV(reportDir, path, preTradeColumns)
	if err != nil {
		return "", err
	}
	defer f.Close()

	tradesBySymbol := map[string]sizing.Trade{}
	for _, t := range trades {
		tradesBySymbol[t.Symbol] = t
	}

	for _, d := range sortedBySymbol(drifts) {
		t, hasTrade := tradesBySymbol[d.Symbol]
		row := baseRow(ts, accountID, d, t, hasTrade, prices, exp, cfg)
		if err := w.Write(row); err != nil {
			return "", err
		}
	}
	w.Flush()
	return path, w.Error()
}

// WritePostTrade writes the post-trade CSV for one account, aggregating
// trades and execution results across all passes per (symbol, action) with a
// quantity-weighted average fill price.
func WritePostTrade(reportDir string, ts time.Time, accountID string, drifts []drift.Drift, trades []sizing.Trade, results []exec.Result, prices map[string]float64, exp Exposure, cfg config.Config) (string, error) {
	path := filepath.Join(reportDir, fmt.Sprintf("rebalance_post_%s_%s.csv", accountID, FormatTimestamp(ts)))
	w, f, err := openCSV(reportDir, path, postTradeColumns)
	if err != nil {
		return "", err
	}
	defer f.Close()

	aggTrades := aggregateTrades(trades)
	aggResults := aggregateResults(results)

	for _, d := range sortedBySymbol(drifts) {
		key := [2]string{d.Symbol, string(d.Action)}
		t, hasTrade := aggTrades[key]
		row := baseRow(ts, accountID, d, t, hasTrade, prices, exp, cfg)

		res, hasRes := aggResults[key]
		fillQty := t.Quantity
		fillPrice := estPrice(d.Symbol, prices)
		fillTS, status, errMsg, notes := "", "", "", ""
		commission := 0.0
		placeholder := false
		if hasRes {
			fillQty = res.FillQty
			if res.FillPrice > 0 {
				fillPrice = res.FillPrice
			}
			if !res.FillTime.IsZero() {
				fillTS = res.FillTime.Format(time.RFC3339)
			}
			commission = res.Commission
			placeholder = res.CommissionPlaceholder
			status = res.Status
			errMsg = res.Error
			notes = res.Notes
			if placeholder {
				note := "commission unavailable within timeout"
				if notes != "" {
					notes += "; " + note
				} else {
					notes = note
				}
			}
		}
		row = append(row,
			formatFloat(fillQty),
			formatFloat(fillPrice),
			fillTS,
			formatFloat(commission),
			strconv.FormatBool(placeholder),
			status,
			errMsg,
			notes,
		)
		if err := w.Write(row); err != nil {
			return "", err
		}
	}
	w.Flush()
	return path, w.Error()
}

func openCSV(dir, path string, header []string) (*csv.Writer, *os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create report dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("write report: %w", err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		f.Close()
		return nil, nil, err
	}
	return w, f, nil
}

func sortedBySymbol(drifts []drift.Drift) []drift.Drift {
	out := append([]drift.Drift(nil), drifts...)
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func estPrice(symbol string, prices map[string]float64) float64 {
	if p, ok := prices[symbol]; ok {
		return p
	}
	if symbol == "CASH" {
		return 1.0
	}
	return 0.0
}

func baseRow(ts time.Time, accountID string, d drift.Drift, t sizing.Trade, hasTrade bool, prices map[string]float64, exp Exposure, cfg config.Config) []string {
	qty, value := 0.0, 0.0
	if hasTrade {
		qty = t.Quantity
		value = t.Notional
	}
	return []string{
		ts.Format(time.RFC3339),
		accountID,
		d.Symbol,
		strconv.FormatBool(d.Symbol == "CASH"),
		formatFloat(d.TargetWtPct),
		formatFloat(d.CurrentWtPct),
		formatFloat(d.DriftPct),
		formatFloat(d.DriftUSD),
		string(d.Action),
		formatFloat(qty),
		formatFloat(estPrice(d.Symbol, prices)),
		cfg.Execution.OrderType,
		cfg.Execution.AlgoPreference,
		formatFloat(value),
		formatFloat(value),
		formatFloat(exp.NetLiq),
		formatFloat(exp.PreGross),
		formatFloat(exp.PostGross),
		formatFloat(exp.PreLev),
		formatFloat(exp.PostLev),
	}
}

func aggregateTrades(trades []sizing.Trade) map[[2]string]sizing.Trade {
	out := map[[2]string]sizing.Trade{}
	for _, t := range trades {
		key := [2]string{t.Symbol, string(t.Action)}
		agg := out[key]
		agg.Symbol = t.Symbol
		agg.Action = t.Action
		agg.Quantity += t.Quantity
		agg.Notional += t.Notional
		out[key] = agg
	}
	return out
}

func aggregateResults(results []exec.Result) map[[2]string]exec.Result {
	type acc struct {
		res   exec.Result
		value float64
	}
	accs := map[[2]string]*acc{}
	for _, r := range results {
		if r.Symbol == "" {
			continue
		}
		key := [2]string{r.Symbol, r.Action}
		a, ok := accs[key]
		if !ok {
			a = &acc{res: r, value: r.FillQty * r.FillPrice}
			accs[key] = a
			continue
		}
		a.res.FillQty += r.FillQty
		a.value += r.FillQty * r.FillPrice
		if !r.FillTime.IsZero() {
			a.res.FillTime = r.FillTime
		}
		a.res.Commission += r.Commission
		a.res.CommissionPlaceholder = a.res.CommissionPlaceholder || r.CommissionPlaceholder
		if r.Status != "" {
			a.res.Status = r.Status
		}
		a.res.Error = joinNonEmpty(a.res.Error, r.Error)
		a.res.Notes = joinNonEmpty(a.res.Notes, r.Notes)
	}

	out := make(map[[2]string]exec.Result, len(accs))
	for key, a := range accs {
		if a.res.FillQty != 0 {
			a.res.FillPrice = a.value / a.res.FillQty
		}
		out[key] = a.res
	}
	return out
}

func joinNonEmpty(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + "; " + b
	}
}
