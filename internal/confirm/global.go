package confirm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"rebalancer/internal/config"
	"rebalancer/internal/drift"
	"rebalancer/internal/planner"
	"rebalancer/internal/report"
	"rebalancer/internal/sizing"
)

// Run coordinates confirmation and execution across all planned accounts
// according to the configured confirm mode. It returns one failure entry per
// account that aborted or failed; an empty slice means every account reached
// a clean terminal state.
func Run(ctx context.Context, plans []planner.Plan, opts Options, cfg config.Config, ts time.Time, deps Deps) []Failure {
	if cfg.Accounts.ConfirmMode == "global" {
		return runGlobal(ctx, plans, opts, cfg, ts, deps)
	}
	return runPerAccount(ctx, plans, opts, cfg, ts, deps)
}

// runPerAccount confirms and executes each account independently; a failure
// in one account does not stop the rest.
func runPerAccount(ctx context.Context, plans []planner.Plan, opts Options, cfg config.Config, ts time.Time, deps Deps) []Failure {
	var failures []Failure
	for i, plan := range plans {
		if err := Account(ctx, plan, opts, cfg, ts, deps); err != nil {
			deps.Console.Printf("%v", err)
			failures = append(failures, Failure{AccountID: plan.AccountID, Message: err.Error()})
		}
		if i < len(plans)-1 {
			sleep(ctx, cfg.Accounts.Pacing())
		}
	}
	return failures
}

// runGlobal shows every plan, takes a single confirmation covering all
// accounts, then executes either concurrently or sequentially sell-first.
func runGlobal(ctx context.Context, plans []planner.Plan, opts Options, cfg config.Config, ts time.Time, deps Deps) []Failure {
	for _, plan := range plans {
		deps.Console.Printf("%s", plan.Table)
	}

	summarizeAll := func(status string, postFromPre bool) {
		for _, plan := range plans {
			post := plan.Exposure.PostLev
			if postFromPre {
				post = plan.Exposure.PreLev
			}
			deps.Summary.Add(report.SummaryRow{
				TimestampRun:  ts.Format(time.RFC3339),
				AccountID:     plan.AccountID,
				PlannedOrders: plan.PlannedOrders(),
				BuyUSD:        plan.BuyUSD,
				SellUSD:       plan.SellUSD,
				PreLeverage:   plan.Exposure.PreLev,
				PostLeverage:  post,
				Status:        status,
			})
		}
	}

	if opts.DryRun {
		deps.Console.Printf("Dry run complete (no orders submitted).")
		deps.Log.Info().Msg("dry run complete, no orders submitted")
		summarizeAll("dry_run", false)
		return nil
	}
	if cfg.Broker.ReadOnly || opts.ReadOnly {
		deps.Console.Printf("Read-only mode: trading is disabled; no orders will be submitted.")
		deps.Log.Info().Msg("read-only mode, no orders submitted")
		summarizeAll("read_only", true)
		return nil
	}
	if !opts.AutoConfirm {
		resp, err := deps.prompt("Proceed? [y/N]: ")
		if err != nil || strings.ToLower(strings.TrimSpace(resp)) != "y" {
			deps.Console.Printf("Aborted by user.")
			deps.Log.Info().Msg("aborted by user")
			summarizeAll("aborted", true)
			failures := make([]Failure, 0, len(plans))
			for _, plan := range plans {
				failures = append(failures, Failure{AccountID: plan.AccountID, Message: ErrAborted.Error()})
			}
			return failures
		}
		opts.AutoConfirm = true
	}

	// The per-plan state machines skip straight to execution from here;
	// DRY_RUN, READ_ONLY and the prompt were resolved globally above. Each
	// account still writes its own table again in Account, which is the
	// desired per-account echo before its orders go out.
	if cfg.Accounts.Parallel {
		return runConcurrent(ctx, plans, opts, cfg, ts, deps)
	}
	return runPhased(ctx, plans, opts, cfg, ts, deps)
}

// runConcurrent starts every account's orchestrator as its own goroutine,
// staggered by index * pacing. A failure in one account never cancels the
// others; each outcome is collected individually.
func runConcurrent(ctx context.Context, plans []planner.Plan, opts Options, cfg config.Config, ts time.Time, deps Deps) []Failure {
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		failures []Failure
	)
	for idx, plan := range plans {
		wg.Add(1)
		go func(idx int, plan planner.Plan) {
			defer wg.Done()
			if delay := time.Duration(idx) * cfg.Accounts.Pacing(); delay > 0 {
				sleep(ctx, delay)
			}
			if err := Account(ctx, plan, opts, cfg, ts, deps); err != nil {
				deps.Console.Printf("%v", err)
				mu.Lock()
				failures = append(failures, Failure{AccountID: plan.AccountID, Message: err.Error()})
				mu.Unlock()
			}
		}(idx, plan)
	}
	wg.Wait()

	// Deterministic failure order regardless of completion order.
	ordered := make([]Failure, 0, len(failures))
	for _, plan := range plans {
		for _, f := range failures {
			if f.AccountID == plan.AccountID {
				ordered = append(ordered, f)
			}
		}
	}
	return ordered
}

// runPhased executes all accounts' sells first, then all buys, pacing
// between accounts and phases. An account whose sell phase fails is excluded
// from the buy phase; other accounts proceed.
func runPhased(ctx context.Context, plans []planner.Plan, opts Options, cfg config.Config, ts time.Time, deps Deps) []Failure {
	var failures []Failure
	failed := map[string]bool{}

	sellPlans := make([]planner.Plan, 0, len(plans))
	buyPlans := make([]planner.Plan, 0, len(plans))
	for _, plan := range plans {
		hasSide := false
		if sp, ok := phasePlan(plan, drift.Sell); ok {
			sellPlans = append(sellPlans, sp)
			hasSide = true
		}
		if bp, ok := phasePlan(plan, drift.Buy); ok {
			buyPlans = append(buyPlans, bp)
			hasSide = true
		}
		if !hasSide {
			// No trades either way; run the empty plan so the account
			// still lands its one summary row.
			sellPlans = append(sellPlans, plan)
		}
	}

	for i, plan := range sellPlans {
		if err := Account(ctx, plan, opts, cfg, ts, deps); err != nil {
			deps.Console.Printf("%v", err)
			failures = append(failures, Failure{AccountID: plan.AccountID, Message: err.Error()})
			failed[plan.AccountID] = true
		}
		if i < len(sellPlans)-1 {
			sleep(ctx, cfg.Accounts.Pacing())
		}
	}

	if len(buyPlans) > 0 {
		sleep(ctx, cfg.Accounts.Pacing())
	}
	for _, plan := range buyPlans {
		if failed[plan.AccountID] {
			continue
		}
		if err := Account(ctx, plan, opts, cfg, ts, deps); err != nil {
			deps.Console.Printf("%v", err)
			failures = append(failures, Failure{AccountID: plan.AccountID, Message: err.Error()})
		}
		sleep(ctx, cfg.Accounts.Pacing())
	}
	return failures
}

// phasePlan returns a copy of the plan reduced to one trade side. The
// reduced plan reports only that side's planned orders and notionals, so the
// two phases' summary rows merge back into one complete row per account.
func phasePlan(plan planner.Plan, side drift.Action) (planner.Plan, bool) {
	var kept []sizing.Trade
	total := 0.0
	for _, t := range plan.Trades {
		if t.Action == side {
			kept = append(kept, t)
			total += t.Notional
		}
	}
	if len(kept) == 0 {
		return planner.Plan{}, false
	}
	out := plan
	out.Trades = kept
	if side == drift.Buy {
		out.BuyUSD = total
		out.SellUSD = 0
	} else {
		out.SellUSD = total
		out.BuyUSD = 0
	}
	return out, true
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// IsAborted reports whether err is the user-abort sentinel.
func IsAborted(err error) bool { return errors.Is(err, ErrAborted) }
