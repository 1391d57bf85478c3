package planner

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rebalancer/internal/broker"
	"rebalancer/internal/config"
	"rebalancer/internal/drift"
	"rebalancer/internal/report"
	"rebalancer/internal/targets"
)

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.Broker.Paper = true
	cfg.Broker.ConnectBackoffSec = 0.001
	cfg.Rebalance.CashBufferType = "abs"
	cfg.Rebalance.CashBufferAbs = 0
	cfg.Rebalance.MinOrderUSD = 10
	cfg.Rebalance.AllowFractional = true
	cfg.IO.ReportDir = t.TempDir()
	return cfg
}

func TestPlanAccount(t *testing.T) {
	session := broker.NewPaperSession()
	session.AddAccount("ACCT1", map[string]float64{"AAA": 10}, 5000)
	session.SetPrice("AAA", 100)
	session.SetPrice("BBB", 100)

	portfolio := map[string]targets.ModelWeights{
		"AAA":  {Smurf: 50},
		"BBB":  {Smurf: 50},
		"CASH": {Smurf: 0},
	}
	cfg := testConfig(t)
	ts := time.Date(2026, 8, 21, 10, 0, 0, 0, time.UTC)

	plan, err := PlanAccount(context.Background(), "ACCT1", portfolio, cfg, ts,
		session, report.NewConsole(io.Discard), zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, "ACCT1", plan.AccountID)
	assert.InDelta(t, 6000.0, plan.NetLiq, 1e-9)
	assert.Len(t, plan.Drifts, 3)
	require.NotEmpty(t, plan.Trades)

	// Both underweights become buys spendable within available cash.
	var buyUSD float64
	for _, tr := range plan.Trades {
		require.Equal(t, drift.Buy, tr.Action)
		buyUSD += tr.Notional
	}
	assert.InDelta(t, 5000.0, buyUSD, 1e-6)
	assert.InDelta(t, buyUSD, plan.BuyUSD, 1e-9)
	assert.NotEmpty(t, plan.Table)

	// Pre-trade report lands in the report dir.
	matches, err := filepath.Glob(filepath.Join(cfg.IO.ReportDir, "rebalance_pre_ACCT1_*.csv"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	info, err := os.Stat(matches[0])
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestPlanAccountBadTargets(t *testing.T) {
	session := broker.NewPaperSession()
	session.AddAccount("ACCT1", nil, 1000)

	portfolio := map[string]targets.ModelWeights{"AAA": {Smurf: 60}}
	cfg := testConfig(t)

	_, err := PlanAccount(context.Background(), "ACCT1", portfolio, cfg, time.Now(),
		session, report.NewConsole(io.Discard), zerolog.Nop())
	var planErr *PlanningError
	require.ErrorAs(t, err, &planErr)
	assert.Equal(t, "ACCT1", planErr.AccountID)
}

func TestPlanAccountMissingPriceFails(t *testing.T) {
	session := broker.NewPaperSession()
	session.AddAccount("ACCT1", nil, 1000)
	// No quote registered for AAA and no default price.

	portfolio := map[string]targets.ModelWeights{
		"AAA":  {Smurf: 100},
		"CASH": {Smurf: 0},
	}
	cfg := testConfig(t)

	_, err := PlanAccount(context.Background(), "ACCT1", portfolio, cfg, time.Now(),
		session, report.NewConsole(io.Discard), zerolog.Nop())
	var planErr *PlanningError
	require.ErrorAs(t, err, &planErr)
}

func TestPriceScope(t *testing.T) {
	current := map[string]float64{"AAA": 1, "CCC": 2, "CASH": 100}
	tgt := map[string]float64{"AAA": 50, "BBB": 50, "CASH": 0}
	assert.Equal(t, []string{"AAA", "BBB", "CCC"}, priceScope(current, tgt))
}
