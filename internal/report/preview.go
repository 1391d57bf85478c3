package report

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"rebalancer/internal/drift"
	"rebalancer/internal/sizing"
)

// RenderPreview formats the prioritized drifts and sized trades into the
// table shown before confirmation. Presentation only, no side effects.
func RenderPreview(accountID string, drifts []drift.Drift, trades []sizing.Trade, exp Exposure) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Rebalance plan for %s\n", accountID)

	tw := tabwriter.NewWriter(&sb, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Symbol\tTarget %\tCurrent %\tDrift %\tDrift $\tAction\tQty\tNotional")

	qty := map[string]float64{}
	notional := map[string]float64{}
	for _, t := range trades {
		qty[t.Symbol] = t.Quantity
		notional[t.Symbol] = t.Notional
	}
	for _, d := range drifts {
		fmt.Fprintf(tw, "%s\t%.2f\t%.2f\t%.2f\t%.2f\t%s\t%.2f\t%.2f\n",
			d.Symbol, d.TargetWtPct, d.CurrentWtPct, d.DriftPct, d.DriftUSD,
			d.Action, qty[d.Symbol], notional[d.Symbol])
	}
	tw.Flush()

	var grossBuy, grossSell float64
	for _, t := range trades {
		if t.Action == drift.Buy {
			grossBuy += t.Notional
		} else {
			grossSell += t.Notional
		}
	}
	fmt.Fprintf(&sb, "\nGross Buy %.2f  Gross Sell %.2f\n", grossBuy, grossSell)
	fmt.Fprintf(&sb, "Pre Gross Exposure %.2f  Pre Leverage %.2f\n", exp.PreGross, exp.PreLev)
	fmt.Fprintf(&sb, "Post Gross Exposure %.2f  Post Leverage %.2f\n", exp.PostGross, exp.PostLev)
	return sb.String()
}
