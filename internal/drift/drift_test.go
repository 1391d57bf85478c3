package drift

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rebalancer/internal/config"
	"rebalancer/internal/pricing"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Rebalance.CashBufferType = "abs"
	cfg.Rebalance.CashBufferAbs = 0
	return cfg
}

func TestComputeUnderAndOverweight(t *testing.T) {
	current := map[string]float64{"AAA": 10, "CASH": 5000}
	targets := map[string]float64{"AAA": 50, "BBB": 50, "CASH": 0}
	prices := map[string]float64{"AAA": 100, "BBB": 100}

	drifts, err := Compute(current, targets, prices, 6000, testConfig())
	require.NoError(t, err)
	require.Len(t, drifts, 3)

	bysym := map[string]Drift{}
	for _, d := range drifts {
		bysym[d.Symbol] = d
	}

	aaa := bysym["AAA"]
	assert.Equal(t, Buy, aaa.Action)
	assert.InDelta(t, -33.33, aaa.DriftPct, 0.01)
	assert.InDelta(t, -2000.0, aaa.DriftUSD, 0.01)

	bbb := bysym["BBB"]
	assert.Equal(t, Buy, bbb.Action)
	assert.InDelta(t, -50.0, bbb.DriftPct, 0.01)
	assert.InDelta(t, -3000.0, bbb.DriftUSD, 0.01)

	cash := bysym["CASH"]
	assert.Equal(t, Sell, cash.Action)
	assert.InDelta(t, 83.33, cash.DriftPct, 0.01)
	assert.InDelta(t, 5000.0, cash.DriftUSD, 0.01)
}

func TestComputeSignInvariant(t *testing.T) {
	current := map[string]float64{"AAA": 10, "BBB": 3, "CASH": 1200}
	targets := map[string]float64{"AAA": 40, "BBB": 30, "CCC": 30}
	prices := map[string]float64{"AAA": 50, "BBB": 120, "CCC": 10}

	drifts, err := Compute(current, targets, prices, 2060, testConfig())
	require.NoError(t, err)
	for _, d := range drifts {
		switch {
		case d.DriftPct > 0:
			assert.Equal(t, Sell, d.Action, d.Symbol)
		case d.DriftPct < 0:
			assert.Equal(t, Buy, d.Action, d.Symbol)
		default:
			assert.Equal(t, Hold, d.Action, d.Symbol)
		}
	}
}

func TestComputeMissingPrice(t *testing.T) {
	current := map[string]float64{"AAA": 10, "CASH": 100}
	targets := map[string]float64{"AAA": 100}

	_, err := Compute(current, targets, map[string]float64{}, 1100, testConfig())
	var missing *pricing.MissingPriceError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "AAA", missing.Symbol)
}

func TestComputeBufferExceedsNetLiq(t *testing.T) {
	cfg := testConfig()
	cfg.Rebalance.CashBufferAbs = 2000

	current := map[string]float64{"CASH": 1000}
	_, err := Compute(current, map[string]float64{"CASH": 100}, nil, 1000, cfg)
	var cfgErr *config.Error
	require.True(t, errors.As(err, &cfgErr))
}

func TestComputeDeterministic(t *testing.T) {
	current := map[string]float64{"AAA": 5, "BBB": 7, "CASH": 900}
	targets := map[string]float64{"AAA": 30, "BBB": 30, "CCC": 40}
	prices := map[string]float64{"AAA": 20, "BBB": 30, "CCC": 40}

	first, err := Compute(current, targets, prices, 1210, testConfig())
	require.NoError(t, err)
	second, err := Compute(current, targets, prices, 1210, testConfig())
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestPerHoldingTriggerFiltersSmallDrifts(t *testing.T) {
	cfg := testConfig()
	cfg.Rebalance.TriggerMode = "per_holding"
	cfg.Rebalance.PerHoldingBandBps = 500 // 5%

	current := map[string]float64{"AAA": 48, "BBB": 40, "CASH": 200}
	targets := map[string]float64{"AAA": 50, "BBB": 50}
	prices := map[string]float64{"AAA": 100, "BBB": 100}

	drifts, err := Compute(current, targets, prices, 9000, cfg)
	require.NoError(t, err)
	for _, d := range drifts {
		assert.Greater(t, abs(d.DriftPct), 5.0, d.Symbol)
	}
}

func TestTotalDriftTriggerWithinBandYieldsNothing(t *testing.T) {
	cfg := testConfig()
	cfg.Rebalance.TriggerMode = "total_drift"
	cfg.Rebalance.PortfolioTotalBandBps = 10000 // 100%, everything fits

	current := map[string]float64{"AAA": 10, "CASH": 0}
	targets := map[string]float64{"AAA": 90, "CASH": 10}
	prices := map[string]float64{"AAA": 100}

	drifts, err := Compute(current, targets, prices, 1000, cfg)
	require.NoError(t, err)
	assert.Empty(t, drifts)
}

func TestPrioritizeFiltersAndSorts(t *testing.T) {
	cfg := testConfig()
	cfg.Rebalance.MinOrderUSD = 100

	drifts := []Drift{
		{Symbol: "AAA", DriftUSD: -150, Action: Buy},
		{Symbol: "BBB", DriftUSD: 40, Action: Sell},
		{Symbol: "CCC", DriftUSD: 300, Action: Sell},
	}
	out := Prioritize(drifts, cfg)
	require.Len(t, out, 2)
	assert.Equal(t, "CCC", out[0].Symbol)
	assert.Equal(t, "AAA", out[1].Symbol)
}
