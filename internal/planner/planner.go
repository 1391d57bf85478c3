// Package planner produces a per-account rebalance plan: snapshot, targets,
// prices, drift, prioritization and sizing, plus the pre-trade report and the
// preview table shown to the user.
package planner

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"rebalancer/internal/broker"
	"rebalancer/internal/config"
	"rebalancer/internal/drift"
	"rebalancer/internal/ledger"
	"rebalancer/internal/pricing"
	"rebalancer/internal/report"
	"rebalancer/internal/sizing"
	"rebalancer/internal/targets"
)

// PlanningError marks a failure while computing an account's plan, before
// any order was submitted. It isolates the failure to that account.
type PlanningError struct {
	AccountID string
	Err       error
}

func (e *PlanningError) Error() string {
	return fmt.Sprintf("planning for %s failed: %v", e.AccountID, e.Err)
}

func (e *PlanningError) Unwrap() error { return e.Err }

// Plan is everything the confirmation orchestrator needs to execute and
// report one account.
type Plan struct {
	AccountID   string
	Drifts      []drift.Drift // full drift set, for reports
	Prioritized []drift.Drift
	Trades      []sizing.Trade
	Prices      map[string]float64
	Current     map[string]float64
	Targets     map[string]float64
	NetLiq      float64
	Exposure    report.Exposure
	Table       string
	BuyUSD      float64
	SellUSD     float64
}

// PlannedOrders returns the number of trades in the plan.
func (p Plan) PlannedOrders() int { return len(p.Trades) }

// PlanAccount builds the plan for one account. cfg must already have the
// account's overrides merged. The session is dialed for the snapshot and
// price fetches and disconnected before the pure computation steps.
func PlanAccount(ctx context.Context, accountID string, portfolio map[string]targets.ModelWeights, cfg config.Config, ts time.Time, session broker.Session, console *report.Console, log zerolog.Logger) (Plan, error) {
	log = log.With().Str("component", "planner").Str("account", accountID).Logger()
	console.Printf("Connecting to broker at %s for account %s", cfg.Broker.BaseURL, accountID)

	tgt, err := targets.Build(portfolio, cfg.Models)
	if err != nil {
		return Plan{}, &PlanningError{AccountID: accountID, Err: err}
	}

	var (
		current map[string]float64
		netLiq  float64
		prices  map[string]pricing.Price
	)
	err = broker.WithSession(ctx, session, cfg.Broker, log, func(s broker.Session) error {
		console.Printf("Retrieving account snapshot")
		log.Info().Msg("retrieving account snapshot")
		snapCtx, cancel := context.WithTimeout(ctx, cfg.Broker.SnapshotTimeout())
		defer cancel()
		snap, err := s.Snapshot(snapCtx, accountID)
		if err != nil {
			return err
		}
		current = ledger.FromSnapshot(snap).Holdings()
		netLiq = snap.NetLiq

		symbols := priceScope(current, tgt)
		console.Printf("Fetching prices for %d symbols", len(symbols))
		log.Info().Int("symbols", len(symbols)).Msg("fetching prices")
		prices, err = pricing.FetchAll(ctx, s, symbols, cfg.Pricing, log)
		if err != nil {
			return err
		}

		// Anything the first fetch left stale gets one refresh while the
		// session is still up.
		stale := staleSymbols(symbols, prices, cfg.Pricing.PriceMaxAge())
		if len(stale) > 0 {
			console.Printf("Refreshing %d stale prices", len(stale))
			log.Info().Int("symbols", len(stale)).Msg("refreshing stale prices")
			fresh, err := pricing.FetchAll(ctx, s, stale, cfg.Pricing, log)
			if err != nil {
				return err
			}
			for sym, p := range fresh {
				prices[sym] = p
			}
		}
		return nil
	})
	if err != nil {
		return Plan{}, &PlanningError{AccountID: accountID, Err: err}
	}

	values := make(map[string]float64, len(prices))
	for sym, p := range prices {
		values[sym] = p.Value
	}

	console.Printf("Computing drift")
	log.Info().Msg("computing drift")
	drifts, err := drift.Compute(current, tgt, values, netLiq, cfg)
	if err != nil {
		return Plan{}, &PlanningError{AccountID: accountID, Err: err}
	}
	console.Printf("Prioritizing trades")
	prioritized := drift.Prioritize(drifts, cfg)

	console.Printf("Sizing orders")
	log.Info().Msg("sizing orders")
	cash := current["CASH"]
	trades, postGross, postLev, err := sizing.SizeOrders(prioritized, values, cash, netLiq, cfg)
	if err != nil {
		return Plan{}, &PlanningError{AccountID: accountID, Err: err}
	}

	preGross := netLiq - cash
	preLev := 0.0
	if netLiq != 0 {
		preLev = preGross / netLiq
	}
	exp := report.Exposure{
		NetLiq:    netLiq,
		PreGross:  preGross,
		PreLev:    preLev,
		PostGross: postGross,
		PostLev:   postLev,
	}

	var buyUSD, sellUSD float64
	for _, t := range trades {
		if t.Action == drift.Buy {
			buyUSD += t.Notional
		} else {
			sellUSD += t.Notional
		}
	}

	prePath, err := report.WritePreTrade(cfg.IO.ReportDir, ts, accountID, drifts, trades, values, exp, cfg)
	if err != nil {
		return Plan{}, &PlanningError{AccountID: accountID, Err: err}
	}
	log.Info().Str("path", prePath).Msg("pre-trade report written")

	table := report.RenderPreview(accountID, prioritized, trades, exp)

	return Plan{
		AccountID:   accountID,
		Drifts:      drifts,
		Prioritized: prioritized,
		Trades:      trades,
		Prices:      values,
		Current:     current,
		Targets:     tgt,
		NetLiq:      netLiq,
		Exposure:    exp,
		Table:       table,
		BuyUSD:      buyUSD,
		SellUSD:     sellUSD,
	}, nil
}

// priceScope is the union of held and targeted non-CASH symbols, sorted.
func priceScope(current, tgt map[string]float64) []string {
	set := map[string]struct{}{}
	for sym := range current {
		if sym != "CASH" {
			set[sym] = struct{}{}
		}
	}
	for sym := range tgt {
		if sym != "CASH" {
			set[sym] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for sym := range set {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

func staleSymbols(symbols []string, prices map[string]pricing.Price, maxAge time.Duration) []string {
	if maxAge <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-maxAge)
	var stale []string
	for _, sym := range symbols {
		p, ok := prices[sym]
		if !ok || p.AsOf.Before(cutoff) {
			stale = append(stale, sym)
		}
	}
	return stale
}
