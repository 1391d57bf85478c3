// Package sizing converts prioritized drift records into concrete trade
// sizes. Sizing runs in two phases: greedily allocate capital to the highest
// priority drifts while respecting the cash left after the configured buffer,
// then scale back the lowest priority buys until projected leverage fits
// under the cap.
package sizing

import (
	"fmt"
	"math"

	"rebalancer/internal/config"
	"rebalancer/internal/drift"
	"rebalancer/internal/pricing"
)

// Trade is one concrete sized order.
type Trade struct {
	Symbol   string
	Action   drift.Action // BUY or SELL only
	Quantity float64
	Notional float64
}

// NumericError reports a non-finite price or quantity encountered while
// sizing. Any NaN or Inf aborts the account's plan.
type NumericError struct {
	Symbol string
	Field  string
	Value  float64
}

func (e *NumericError) Error() string {
	return fmt.Sprintf("non-finite %s for %s: %v", e.Field, e.Symbol, e.Value)
}

type unmetBuy struct {
	symbol  string
	missing float64
}

// SizeOrders sizes trades for one account from prioritized drifts.
//
// cash is the current USD balance, netLiq the net liquidation value used for
// leverage. Returns the final trades (one per symbol after netting), the
// projected gross exposure and the projected leverage.
//
// Buys are funded in priority order from cash minus the configured buffer;
// sells add their proceeds back so later buys can use them. Buys that could
// not be fully funded are retried proportionally from whatever cash remains
// at the end. If projected leverage exceeds the cap, buys are trimmed from
// lowest priority upward until it fits.
func SizeOrders(drifts []drift.Drift, prices map[string]float64, cash, netLiq float64, cfg config.Config) ([]Trade, float64, float64, error) {
	reb := cfg.Rebalance
	available := cash - reb.Reserve(netLiq)

	var trades []Trade
	var totalBuy, totalSell float64
	var unmet []unmetBuy

	for _, d := range drifts {
		if d.Symbol == "CASH" {
			continue
		}
		price, ok := prices[d.Symbol]
		if !ok {
			return nil, 0, 0, &pricing.MissingPriceError{Symbol: d.Symbol}
		}
		if !isFinite(price) {
			return nil, 0, 0, &NumericError{Symbol: d.Symbol, Field: "price", Value: price}
		}

		notional := math.Abs(d.DriftUSD)
		switch d.Action {
		case drift.Buy:
			spendCap := math.Min(notional, math.Max(0, available))
			qty := 0.0
			if spendCap > 0 {
				qty = spendCap / price
			}
			if !isFinite(qty) {
				return nil, 0, 0, &NumericError{Symbol: d.Symbol, Field: "quantity", Value: qty}
			}
			if !reb.AllowFractional {
				qty = math.Trunc(qty)
				spendCap = qty * price
			}
			if spendCap < reb.MinOrderUSD || qty == 0 {
				unmet = append(unmet, unmetBuy{d.Symbol, notional})
				continue
			}
			trades = append(trades, Trade{d.Symbol, drift.Buy, qty, spendCap})
			available -= spendCap
			totalBuy += spendCap
			if spendCap < notional {
				unmet = append(unmet, unmetBuy{d.Symbol, notional - spendCap})
			}
		case drift.Sell:
			qty := notional / price
			if !isFinite(qty) {
				return nil, 0, 0, &NumericError{Symbol: d.Symbol, Field: "quantity", Value: qty}
			}
			if !reb.AllowFractional {
				qty = math.Trunc(qty)
				notional = qty * price
			}
			if notional < reb.MinOrderUSD {
				continue
			}
			trades = append(trades, Trade{d.Symbol, drift.Sell, qty, notional})
			available += notional
			totalSell += notional
		}
	}

	// Sell proceeds landing after a starved buy: split the leftover cash
	// across the unmet buys in proportion to what each is still missing.
	if available > 0 && len(unmet) > 0 {
		totalMissing := 0.0
		for _, u := range unmet {
			totalMissing += u.missing
		}
		allocatable := math.Min(available, totalMissing)
		var additional []Trade
		for _, u := range unmet {
			portion := allocatable * (u.missing / totalMissing)
			if portion <= 0 {
				continue
			}
			price := prices[u.symbol]
			qty := portion / price
			if !isFinite(qty) {
				return nil, 0, 0, &NumericError{Symbol: u.symbol, Field: "quantity", Value: qty}
			}
			if !reb.AllowFractional {
				qty = math.Trunc(qty)
				portion = qty * price
			}
			if portion < reb.MinOrderUSD || qty == 0 {
				continue
			}
			additional = append(additional, Trade{u.symbol, drift.Buy, qty, portion})
		}
		for _, t := range additional {
			available -= t.Notional
			totalBuy += t.Notional
		}
		trades = append(trades, additional...)
	}

	grossExposure := (netLiq - cash) + totalBuy - totalSell
	leverage := 0.0
	if netLiq != 0 {
		leverage = grossExposure / netLiq
	}

	if leverage > reb.MaxLeverage && totalBuy > 0 {
		excess := grossExposure - reb.MaxLeverage*netLiq
		kept := trades[:0]
		// Walk buys from lowest priority (last) upward, trimming or
		// dropping until the excess is gone.
		dropped := make(map[int]bool)
		for i := len(trades) - 1; i >= 0; i-- {
			t := &trades[i]
			if t.Action != drift.Buy || excess <= 0 {
				continue
			}
			reduction := math.Min(t.Notional, excess)
			newNotional := t.Notional - reduction
			price := prices[t.Symbol]
			qty := newNotional / price
			if !isFinite(qty) {
				return nil, 0, 0, &NumericError{Symbol: t.Symbol, Field: "quantity", Value: qty}
			}
			if !reb.AllowFractional {
				qty = math.Trunc(qty)
				newNotional = qty * price
			}
			if newNotional < reb.MinOrderUSD || qty == 0 {
				excess -= t.Notional
				totalBuy -= t.Notional
				dropped[i] = true
			} else {
				excess -= t.Notional - newNotional
				totalBuy -= t.Notional - newNotional
				t.Quantity = qty
				t.Notional = newNotional
			}
		}
		for i := range trades {
			if !dropped[i] {
				kept = append(kept, trades[i])
			}
		}
		trades = kept

		grossExposure = (netLiq - cash) + totalBuy - totalSell
		leverage = 0.0
		if netLiq != 0 {
			leverage = grossExposure / netLiq
		}
	}

	return aggregate(trades), grossExposure, leverage, nil
}

// aggregate collapses duplicate symbols into one trade each, netting BUY
// against SELL. Trades whose quantity and notional cancel out disappear.
// Output preserves first-seen symbol order.
func aggregate(trades []Trade) []Trade {
	type net struct {
		qty      float64
		notional float64
	}
	order := make([]string, 0, len(trades))
	nets := make(map[string]*net, len(trades))
	for _, t := range trades {
		n, ok := nets[t.Symbol]
		if !ok {
			n = &net{}
			nets[t.Symbol] = n
			order = append(order, t.Symbol)
		}
		sign := 1.0
		if t.Action == drift.Sell {
			sign = -1.0
		}
		n.qty += sign * t.Quantity
		n.notional += sign * t.Notional
	}

	out := make([]Trade, 0, len(order))
	for _, symbol := range order {
		n := nets[symbol]
		switch {
		case n.qty > 0 && n.notional > 0:
			out = append(out, Trade{symbol, drift.Buy, n.qty, n.notional})
		case n.qty < 0 && n.notional < 0:
			out = append(out, Trade{symbol, drift.Sell, -n.qty, -n.notional})
		}
	}
	return out
}

func isFinite(v float64) bool {
	return !math.IsInf(v, 0) && !math.IsNaN(v)
}
