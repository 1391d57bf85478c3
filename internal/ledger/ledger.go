// Package ledger tracks one account's positions and cash across rebalancing
// passes. A ledger is exclusively owned by the account's orchestrator for the
// duration of a run.
package ledger

import (
	"rebalancer/internal/broker"
	"rebalancer/internal/exec"
	"rebalancer/internal/sizing"
)

// Ledger holds symbol quantities plus a "CASH" entry in dollars, mirroring
// the holdings map shape the drift engine consumes.
type Ledger struct {
	AccountID string
	positions map[string]float64
}

// FromSnapshot builds a ledger from a broker snapshot.
func FromSnapshot(snap broker.Snapshot) *Ledger {
	l := &Ledger{
		AccountID: snap.AccountID,
		positions: make(map[string]float64, len(snap.Positions)+1),
	}
	for _, p := range snap.Positions {
		l.positions[p.Symbol] = p.Quantity
	}
	l.positions["CASH"] = snap.Cash
	return l
}

// FromHoldings builds a ledger from a holdings map that already contains a
// CASH entry. The map is copied, never retained.
func FromHoldings(accountID string, holdings map[string]float64) *Ledger {
	l := &Ledger{
		AccountID: accountID,
		positions: make(map[string]float64, len(holdings)),
	}
	for sym, qty := range holdings {
		l.positions[sym] = qty
	}
	return l
}

// Holdings returns a copy of the positions map including CASH.
func (l *Ledger) Holdings() map[string]float64 {
	out := make(map[string]float64, len(l.positions))
	for sym, qty := range l.positions {
		out[sym] = qty
	}
	return out
}

// Cash returns the current cash balance.
func (l *Ledger) Cash() float64 { return l.positions["CASH"] }

// Apply updates positions and cash from execution results, matching each
// trade to a result by symbol and action in submission order. A missing fill
// price falls back to the pre-trade estimate in prices; if no estimate
// exists either, Apply fails. prices is updated in place with the realized
// fill prices so subsequent passes value holdings at execution levels.
//
// Returns the buy and sell dollar totals applied.
func (l *Ledger) Apply(trades []sizing.Trade, results []exec.Result, prices map[string]float64) (buyTotal, sellTotal float64, err error) {
	lookup := buildLookup(results)
	for _, t := range trades {
		res, ok := lookup.take(t.Symbol, string(t.Action))
		if !ok {
			return buyTotal, sellTotal, broker.Errf("missing fill result for %s %s", t.Symbol, t.Action)
		}
		price := res.FillPrice
		if price <= 0 {
			prior, ok := prices[t.Symbol]
			if !ok || prior <= 0 {
				return buyTotal, sellTotal, broker.Errf("missing fill price for %s", t.Symbol)
			}
			price = prior
		}
		value := res.FillQty * price
		if t.Action == "BUY" {
			l.positions[t.Symbol] += res.FillQty
			l.positions["CASH"] -= value
			buyTotal += value
		} else {
			l.positions[t.Symbol] -= res.FillQty
			l.positions["CASH"] += value
			sellTotal += value
		}
		prices[t.Symbol] = price
	}
	return buyTotal, sellTotal, nil
}

// FilledTotals sums the buy and sell dollar values actually filled,
// tolerating missing results and prices. Used for failure-path summary rows
// where partial data is expected.
func FilledTotals(trades []sizing.Trade, results []exec.Result) (buyTotal, sellTotal float64) {
	lookup := buildLookup(results)
	for _, t := range trades {
		res, ok := lookup.take(t.Symbol, string(t.Action))
		if !ok {
			continue
		}
		value := res.FillQty * res.FillPrice
		if t.Action == "BUY" {
			buyTotal += value
		} else {
			sellTotal += value
		}
	}
	return buyTotal, sellTotal
}

// fillLookup matches results to trades FIFO per (symbol, action), so
// repeated trades for one symbol consume results in submission order.
type fillLookup map[[2]string][]exec.Result

func buildLookup(results []exec.Result) fillLookup {
	lookup := make(fillLookup, len(results))
	for _, r := range results {
		if r.Symbol == "" {
			continue
		}
		k := [2]string{r.Symbol, r.Action}
		lookup[k] = append(lookup[k], r)
	}
	return lookup
}

func (f fillLookup) take(symbol, action string) (exec.Result, bool) {
	k := [2]string{symbol, action}
	q := f[k]
	if len(q) == 0 {
		return exec.Result{}, false
	}
	f[k] = q[1:]
	return q[0], true
}
