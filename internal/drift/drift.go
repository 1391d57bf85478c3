// Package drift compares current portfolio allocation against target weights
// and reports the gap in percent and dollar terms. The resulting records feed
// prioritization and trade sizing.
package drift

import (
	"sort"

	"rebalancer/internal/config"
	"rebalancer/internal/pricing"
)

// Action is the rebalancing direction implied by a drift record.
type Action string

const (
	Buy  Action = "BUY"
	Sell Action = "SELL"
	Hold Action = "HOLD"
)

// Drift is the allocation gap for one symbol. Positive DriftPct means the
// position is overweight (a sell candidate), negative means underweight.
// Records are immutable; each pass computes a fresh set.
type Drift struct {
	Symbol       string
	TargetWtPct  float64
	CurrentWtPct float64
	DriftPct     float64 // current - target
	DriftUSD     float64
	Action       Action
}

// Compute builds one Drift record per symbol in the union of current holdings
// and targets, sorted by symbol for deterministic output.
//
// current maps symbols to share quantities with a mandatory "CASH" entry
// holding dollars. prices must contain every non-CASH held or targeted
// symbol. Net liquidation is reduced by the configured cash buffer (floored
// at zero) before weights are taken; a buffer exceeding netLiq is a
// configuration error.
func Compute(current, targets, prices map[string]float64, netLiq float64, cfg config.Config) ([]Drift, error) {
	values := make(map[string]float64, len(current))
	for symbol, qty := range current {
		if symbol == "CASH" {
			values[symbol] = qty
			continue
		}
		price, ok := prices[symbol]
		if !ok {
			return nil, &pricing.MissingPriceError{Symbol: symbol}
		}
		values[symbol] = qty * price
	}

	buffer := cfg.Rebalance.Reserve(netLiq)
	if buffer > netLiq {
		return nil, &config.Error{Msg: "cash buffer exceeds available net liquidity"}
	}
	investable := netLiq - buffer
	if investable < 0 {
		investable = 0
	}

	symbols := make(map[string]struct{}, len(values)+len(targets))
	for sym := range values {
		symbols[sym] = struct{}{}
	}
	for sym := range targets {
		if _, ok := prices[sym]; !ok && sym != "CASH" {
			return nil, &pricing.MissingPriceError{Symbol: sym}
		}
		symbols[sym] = struct{}{}
	}
	ordered := make([]string, 0, len(symbols))
	for sym := range symbols {
		ordered = append(ordered, sym)
	}
	sort.Strings(ordered)

	drifts := make([]Drift, 0, len(ordered))
	for _, symbol := range ordered {
		currentWt := 0.0
		if investable > 0 {
			currentWt = values[symbol] / investable * 100.0
		}
		target := targets[symbol]
		driftPct := currentWt - target
		driftUSD := investable * driftPct / 100.0

		action := Hold
		switch {
		case driftPct > 0:
			action = Sell
		case driftPct < 0:
			action = Buy
		}

		drifts = append(drifts, Drift{
			Symbol:       symbol,
			TargetWtPct:  target,
			CurrentWtPct: currentWt,
			DriftPct:     driftPct,
			DriftUSD:     driftUSD,
			Action:       action,
		})
	}

	return applyTrigger(drifts, cfg.Rebalance), nil
}

// applyTrigger filters drifts according to the configured trigger mode. An
// empty mode keeps everything.
func applyTrigger(drifts []Drift, reb config.Rebalance) []Drift {
	switch reb.TriggerMode {
	case "per_holding":
		band := float64(reb.PerHoldingBandBps) / 10000.0
		kept := drifts[:0:0]
		for _, d := range drifts {
			if abs(d.DriftPct)/100.0 > band {
				kept = append(kept, d)
			}
		}
		return kept
	case "total_drift":
		band := float64(reb.PortfolioTotalBandBps) / 10000.0
		total := 0.0
		for _, d := range drifts {
			total += abs(d.DriftPct) / 100.0
		}
		if total <= band {
			return nil
		}
		// Greedily keep the largest drifts until what's left would sit
		// inside the band again.
		ranked := append([]Drift(nil), drifts...)
		sort.SliceStable(ranked, func(i, j int) bool {
			return abs(ranked[i].DriftPct) > abs(ranked[j].DriftPct)
		})
		remaining := total
		var selected []Drift
		for _, d := range ranked {
			selected = append(selected, d)
			remaining -= abs(d.DriftPct) / 100.0
			if remaining <= band {
				break
			}
		}
		sort.Slice(selected, func(i, j int) bool {
			return selected[i].Symbol < selected[j].Symbol
		})
		return selected
	default:
		return drifts
	}
}

// Prioritize drops drifts below the minimum order size and ranks the rest by
// absolute dollar magnitude, largest first. Ties keep input order.
func Prioritize(drifts []Drift, cfg config.Config) []Drift {
	minOrder := cfg.Rebalance.MinOrderUSD
	filtered := make([]Drift, 0, len(drifts))
	for _, d := range drifts {
		if abs(d.DriftUSD) >= minOrder {
			filtered = append(filtered, d)
		}
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		return abs(filtered[i].DriftUSD) > abs(filtered[j].DriftUSD)
	})
	return filtered
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
