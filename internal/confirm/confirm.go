// Package confirm drives the per-account confirmation and execution state
// machine and the multi-account coordinator above it.
//
// Per account the flow is: show the plan, resolve dry-run/read-only/prompt,
// submit the batch, apply fills to the ledger, then loop additional passes
// against the updated ledger until the pass budget, the cash floor, or an
// empty sizing stops it. Every terminal outcome lands as one run-summary row.
package confirm

import (
	"bufio"
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"rebalancer/internal/broker"
	"rebalancer/internal/config"
	"rebalancer/internal/drift"
	"rebalancer/internal/exec"
	"rebalancer/internal/ledger"
	"rebalancer/internal/planner"
	"rebalancer/internal/report"
	"rebalancer/internal/sizing"
)

// ErrAborted is returned when the user declines the confirmation prompt.
var ErrAborted = errors.New("aborted by user")

// Options carries the CLI flags that steer confirmation.
type Options struct {
	DryRun      bool
	AutoConfirm bool // --yes
	ReadOnly    bool
}

// Failure records one account that did not complete.
type Failure struct {
	AccountID string
	Message   string
}

// SubmitFunc submits one batch of trades for an account and returns the
// execution results.
type SubmitFunc func(ctx context.Context, accountID string, trades []sizing.Trade, cfg config.Config) ([]exec.Result, error)

// Deps are the orchestrator's collaborators. Submit and Prompt default to a
// fresh broker session per batch and a stdin prompt when nil.
type Deps struct {
	NewSession func() broker.Session
	Submit     SubmitFunc
	Prompt     func(prompt string) (string, error)
	Console    *report.Console
	Summary    *report.RunSummary
	Log        zerolog.Logger
}

func (d Deps) submit() SubmitFunc {
	if d.Submit != nil {
		return d.Submit
	}
	return func(ctx context.Context, accountID string, trades []sizing.Trade, cfg config.Config) ([]exec.Result, error) {
		session := d.NewSession()
		var results []exec.Result
		err := broker.WithSession(ctx, session, cfg.Broker, d.Log, func(s broker.Session) error {
			var err error
			results, err = exec.New(s, cfg, d.Log).SubmitBatch(ctx, accountID, trades)
			return err
		})
		return results, err
	}
}

func (d Deps) prompt(text string) (string, error) {
	if d.Prompt != nil {
		return d.Prompt(text)
	}
	d.Console.Printf("%s", text)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	return line, err
}

// Account runs the confirmation state machine for one planned account. cfg
// is the base config; the account's overrides are merged here. Returns nil
// on any clean terminal state (completed, dry-run, read-only); ErrAborted on
// prompt decline; an error when execution failed.
func Account(ctx context.Context, plan planner.Plan, opts Options, cfg config.Config, ts time.Time, deps Deps) error {
	cfg = config.MergeAccountOverrides(cfg, plan.AccountID)
	log := deps.Log.With().Str("component", "confirm").Str("account", plan.AccountID).Logger()

	deps.Console.Printf("%s", plan.Table)

	base := report.SummaryRow{
		TimestampRun:  ts.Format(time.RFC3339),
		AccountID:     plan.AccountID,
		PlannedOrders: plan.PlannedOrders(),
		BuyUSD:        plan.BuyUSD,
		SellUSD:       plan.SellUSD,
		PreLeverage:   plan.Exposure.PreLev,
	}

	if opts.DryRun {
		deps.Console.Printf("Dry run complete (no orders submitted).")
		log.Info().Msg("dry run complete, no orders submitted")
		base.PostLeverage = plan.Exposure.PostLev
		base.Status = "dry_run"
		deps.Summary.Add(base)
		return nil
	}

	if cfg.Broker.ReadOnly || opts.ReadOnly {
		deps.Console.Printf("Read-only mode: trading is disabled; no orders will be submitted.")
		log.Info().Msg("read-only mode, no orders submitted")
		base.PostLeverage = plan.Exposure.PreLev
		base.Status = "read_only"
		deps.Summary.Add(base)
		return nil
	}

	if !opts.AutoConfirm {
		resp, err := deps.prompt("Proceed? [y/N]: ")
		if err != nil || strings.ToLower(strings.TrimSpace(resp)) != "y" {
			deps.Console.Printf("Aborted by user.")
			log.Info().Msg("aborted by user")
			base.PostLeverage = plan.Exposure.PreLev
			base.Status = "aborted"
			deps.Summary.Add(base)
			return ErrAborted
		}
	}

	return execute(ctx, plan, cfg, ts, deps, log)
}

// execute runs SUBMITTING through REPORTING: the first batch, the
// additional-pass loop, and the post-trade report.
func execute(ctx context.Context, plan planner.Plan, cfg config.Config, ts time.Time, deps Deps, log zerolog.Logger) error {
	submit := deps.submit()

	book := ledger.FromHoldings(plan.AccountID, plan.Current)
	prices := make(map[string]float64, len(plan.Prices))
	for sym, p := range plan.Prices {
		prices[sym] = p
	}
	pricesBefore := make(map[string]float64, len(prices))
	for sym, p := range prices {
		pricesBefore[sym] = p
	}

	initialCash := plan.Current["CASH"]
	netLiq := plan.NetLiq

	var (
		allTrades    []sizing.Trade
		allResults   []exec.Result
		buyActual    float64
		sellActual   float64
		plannedTotal = plan.PlannedOrders()
	)

	fail := func(trades []sizing.Trade, results []exec.Result, cause error) error {
		extraBuy, extraSell := ledger.FilledTotals(trades, results)
		buyActual += extraBuy
		sellActual += extraSell
		cashAfter := initialCash - buyActual + sellActual
		postLev := 0.0
		if netLiq != 0 {
			postLev = (netLiq - cashAfter) / netLiq
		}
		curResults := append(append([]exec.Result{}, allResults...), results...)
		filled, rejected := countFills(curResults)
		deps.Summary.Add(report.SummaryRow{
			TimestampRun:  ts.Format(time.RFC3339),
			AccountID:     plan.AccountID,
			PlannedOrders: plannedTotal,
			Submitted:     len(curResults),
			Filled:        filled,
			Rejected:      rejected,
			BuyUSD:        buyActual,
			SellUSD:       sellActual,
			PreLeverage:   plan.Exposure.PreLev,
			PostLeverage:  postLev,
			Status:        "failed",
			Error:         cause.Error(),
		})
		log.Error().Err(cause).Msg("rebalance failed")
		return cause
	}

	runBatch := func(trades []sizing.Trade, pass int) ([]exec.Result, error) {
		if pass == 1 {
			deps.Console.Printf("Submitting batch market orders")
		} else {
			deps.Console.Printf("Submitting additional batch market orders (pass %d)", pass)
		}
		log.Info().Int("pass", pass).Int("orders", len(trades)).Msg("submitting batch market orders")
		results, err := submit(ctx, plan.AccountID, trades, cfg)
		if err != nil {
			return results, fail(trades, results, err)
		}
		for _, r := range results {
			deps.Console.Printf("%s: %s %.2f @ %.2f", r.Symbol, r.Status, r.FillQty, r.FillPrice)
			log.Info().Str("symbol", r.Symbol).Str("status", r.Status).
				Float64("qty", r.FillQty).Float64("price", r.FillPrice).Msg("order result")
		}
		if !exec.AllFilled(results) {
			_, unfilled := countFills(results)
			return results, fail(trades, results, &exec.BatchError{Unfilled: unfilled})
		}
		buyPass, sellPass, err := book.Apply(trades, results, prices)
		if err != nil {
			return results, fail(trades, results, err)
		}
		buyActual += buyPass
		sellActual += sellPass
		allTrades = append(allTrades, trades...)
		allResults = append(allResults, results...)
		return results, nil
	}

	if _, err := runBatch(plan.Trades, 1); err != nil {
		return err
	}

	for pass := 2; pass <= cfg.Rebalance.MaxPasses; pass++ {
		available := book.Cash() - cfg.Rebalance.Reserve(netLiq)
		if available < cfg.Rebalance.MinOrderUSD {
			break
		}
		drifts, err := drift.Compute(book.Holdings(), plan.Targets, prices, netLiq, cfg)
		if err != nil {
			return fail(nil, nil, err)
		}
		prioritized := drift.Prioritize(drifts, cfg)
		extra, _, _, err := sizing.SizeOrders(prioritized, prices, book.Cash(), netLiq, cfg)
		if err != nil {
			return fail(nil, nil, err)
		}
		if len(extra) == 0 {
			break
		}
		plannedTotal += len(extra)
		if _, err := runBatch(extra, pass); err != nil {
			return err
		}
	}

	cashAfter := book.Cash()
	postGross := netLiq - cashAfter
	postLev := 0.0
	if netLiq != 0 {
		postLev = postGross / netLiq
	}
	exp := plan.Exposure
	exp.PostGross = postGross
	exp.PostLev = postLev

	postPath, err := report.WritePostTrade(cfg.IO.ReportDir, ts, plan.AccountID,
		plan.Drifts, allTrades, allResults, pricesBefore, exp, cfg)
	if err != nil {
		return fail(nil, nil, err)
	}
	log.Info().Str("path", postPath).Msg("post-trade report written")
	log.Info().Int("trades", len(allTrades)).Float64("post_leverage", postLev).
		Msg("rebalance complete")

	filled, rejected := countFills(allResults)
	deps.Summary.Add(report.SummaryRow{
		TimestampRun:  ts.Format(time.RFC3339),
		AccountID:     plan.AccountID,
		PlannedOrders: plannedTotal,
		Submitted:     len(allTrades),
		Filled:        filled,
		Rejected:      rejected,
		BuyUSD:        buyActual,
		SellUSD:       sellActual,
		PreLeverage:   plan.Exposure.PreLev,
		PostLeverage:  postLev,
		Status:        "completed",
	})
	return nil
}

func countFills(results []exec.Result) (filled, rejected int) {
	for _, r := range results {
		if r.Status == broker.StatusFilled {
			filled++
		} else {
			rejected++
		}
	}
	return filled, rejected
}
