package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"rebalancer/internal/broker"
	"rebalancer/internal/confirm"
	"rebalancer/internal/config"
	"rebalancer/internal/planner"
	"rebalancer/internal/portfoliocsv"
	"rebalancer/internal/report"
	"rebalancer/internal/targets"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath  = flag.String("config", "config/settings.yaml", "path to settings file")
		csvPath     = flag.String("csv", "", "portfolio CSV path (overrides io.portfolio_csv)")
		dryRun      = flag.Bool("dry-run", false, "render previews and exit without submitting orders")
		yes         = flag.Bool("yes", false, "submit orders without prompting for confirmation")
		readOnly    = flag.Bool("read-only", false, "force read-only mode; block order submission")
		confirmMode = flag.String("confirm-mode", "", "confirmation mode: per_account or global")
		parallel    = flag.Bool("parallel-accounts", false, "run accounts concurrently in global mode")
		pacingSec   = flag.Float64("pacing-sec", -1, "seconds between account starts/phases")
		paper       = flag.Bool("paper", false, "use the in-memory paper broker")
	)
	flag.BoolVar(yes, "no-confirm", *yes, "alias for -yes")
	flag.Parse()

	ts := time.Now()

	fmt.Printf("Loading configuration from %s\n", *configPath)
	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	if *csvPath != "" {
		cfg.IO.PortfolioCSV = *csvPath
	}
	if *confirmMode != "" {
		cfg.Accounts.ConfirmMode = *confirmMode
	}
	if *parallel {
		cfg.Accounts.Parallel = true
	}
	if *pacingSec >= 0 {
		cfg.Accounts.PacingSec = *pacingSec
	}
	if *paper {
		cfg.Broker.Paper = true
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	logger, logPath, err := report.SetupLogging(cfg.IO.ReportDir, cfg.IO.LogLevel, ts, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	logger.Info().Str("log", logPath).Msg("rebalance run starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		logger.Warn().Msg("shutdown signal received")
		cancel()
	}()

	console := report.NewConsole(os.Stdout)
	newSession := sessionFactory(cfg, logger)

	accounts := config.AccountIDs(cfg)
	if len(accounts) == 0 {
		fmt.Fprintln(os.Stderr, "no accounts configured; set accounts.ids or broker.account_id")
		return 1
	}

	portfolios, err := loadPortfolios(ctx, cfg, accounts, newSession, console, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	summary := report.NewRunSummary(cfg.IO.ReportDir, ts)
	var failures []confirm.Failure

	var plans []planner.Plan
	for _, accountID := range accounts {
		merged := config.MergeAccountOverrides(cfg, accountID)
		plan, err := planner.PlanAccount(ctx, accountID, portfolios[accountID], merged, ts, newSession(), console, logger)
		if err != nil {
			console.Printf("%v", err)
			logger.Error().Err(err).Str("account", accountID).Msg("planning failed")
			failures = append(failures, confirm.Failure{AccountID: accountID, Message: err.Error()})
			summary.Add(report.SummaryRow{
				TimestampRun: ts.Format(time.RFC3339),
				AccountID:    accountID,
				Status:       "failed",
				Error:        err.Error(),
			})
			continue
		}
		plans = append(plans, plan)
	}

	opts := confirm.Options{DryRun: *dryRun, AutoConfirm: *yes, ReadOnly: *readOnly}
	deps := confirm.Deps{
		NewSession: newSession,
		Console:    console,
		Summary:    summary,
		Log:        logger,
	}
	failures = append(failures, confirm.Run(ctx, plans, opts, cfg, ts, deps)...)

	summaryPath, err := summary.Flush()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	logger.Info().Str("path", summaryPath).Msg("run summary written")

	if len(failures) > 0 {
		for _, f := range failures {
			fmt.Fprintf(os.Stderr, "%s: %s\n", f.AccountID, f.Message)
		}
		return 1
	}
	return 0
}

// sessionFactory returns the session constructor for the run. Paper mode
// shares one in-memory session across batches so fills persist; live mode
// opens a fresh Alpaca session per dial.
func sessionFactory(cfg config.Config, logger zerolog.Logger) func() broker.Session {
	if cfg.Broker.Paper {
		paper := broker.NewPaperSession()
		paper.DefaultPrice = 100
		for _, id := range config.AccountIDs(cfg) {
			paper.AddAccount(id, nil, 1_000_000)
		}
		return func() broker.Session { return paper }
	}
	return func() broker.Session { return broker.NewAlpacaSession(cfg.Broker, logger) }
}

// loadPortfolios resolves each account's portfolio CSV (honoring per-account
// overrides) and validates symbols against the broker.
func loadPortfolios(ctx context.Context, cfg config.Config, accounts []string, newSession func() broker.Session, console *report.Console, logger zerolog.Logger) (map[string]map[string]targets.ModelWeights, error) {
	paths := make(map[string]string, len(accounts))
	for _, id := range accounts {
		paths[id] = config.MergeAccountOverrides(cfg, id).IO.PortfolioCSV
	}
	console.Printf("Loading portfolios")

	var out map[string]map[string]targets.ModelWeights
	err := broker.WithSession(ctx, newSession(), cfg.Broker, logger, func(s broker.Session) error {
		var err error
		out, err = portfoliocsv.LoadMap(ctx, paths, s)
		return err
	})
	return out, err
}
