package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rebalancer/internal/broker"
	"rebalancer/internal/drift"
	"rebalancer/internal/exec"
	"rebalancer/internal/sizing"
)

func TestFromSnapshot(t *testing.T) {
	snap := broker.Snapshot{
		AccountID: "ACCT1",
		Positions: []broker.PositionLot{{Symbol: "AAA", Quantity: 10}, {Symbol: "BBB", Quantity: 3}},
		Cash:      500,
	}
	l := FromSnapshot(snap)
	assert.Equal(t, "ACCT1", l.AccountID)
	assert.Equal(t, 500.0, l.Cash())

	h := l.Holdings()
	assert.Equal(t, 10.0, h["AAA"])
	assert.Equal(t, 3.0, h["BBB"])
	assert.Equal(t, 500.0, h["CASH"])

	// Holdings returns a copy.
	h["AAA"] = 0
	assert.Equal(t, 10.0, l.Holdings()["AAA"])
}

func TestApplyMovesCashAndPositions(t *testing.T) {
	l := FromHoldings("ACCT1", map[string]float64{"AAA": 10, "CASH": 1000})
	trades := []sizing.Trade{
		{Symbol: "AAA", Action: drift.Sell, Quantity: 5, Notional: 250},
		{Symbol: "BBB", Action: drift.Buy, Quantity: 4, Notional: 100},
	}
	results := []exec.Result{
		{Symbol: "AAA", Action: "SELL", Status: broker.StatusFilled, FillQty: 5, FillPrice: 50},
		{Symbol: "BBB", Action: "BUY", Status: broker.StatusFilled, FillQty: 4, FillPrice: 26},
	}
	prices := map[string]float64{"AAA": 50, "BBB": 25}

	buy, sell, err := l.Apply(trades, results, prices)
	require.NoError(t, err)
	assert.InDelta(t, 104.0, buy, 1e-9)
	assert.InDelta(t, 250.0, sell, 1e-9)

	h := l.Holdings()
	assert.Equal(t, 5.0, h["AAA"])
	assert.Equal(t, 4.0, h["BBB"])
	assert.InDelta(t, 1000+250-104, h["CASH"], 1e-9)

	// Realized fill prices replace the pre-trade estimates.
	assert.Equal(t, 26.0, prices["BBB"])
}

func TestApplyPartialFill(t *testing.T) {
	l := FromHoldings("ACCT1", map[string]float64{"CASH": 1000})
	trades := []sizing.Trade{{Symbol: "AAA", Action: drift.Buy, Quantity: 10, Notional: 500}}
	results := []exec.Result{
		{Symbol: "AAA", Action: "BUY", Status: broker.StatusPartial, FillQty: 4, FillPrice: 50},
	}
	prices := map[string]float64{"AAA": 50}

	buy, _, err := l.Apply(trades, results, prices)
	require.NoError(t, err)
	assert.InDelta(t, 200.0, buy, 1e-9)
	assert.Equal(t, 4.0, l.Holdings()["AAA"])
	assert.InDelta(t, 800.0, l.Cash(), 1e-9)
}

func TestApplyFillPriceFallback(t *testing.T) {
	l := FromHoldings("ACCT1", map[string]float64{"CASH": 1000})
	trades := []sizing.Trade{{Symbol: "AAA", Action: drift.Buy, Quantity: 2, Notional: 80}}
	results := []exec.Result{{Symbol: "AAA", Action: "BUY", FillQty: 2, FillPrice: 0}}

	buy, _, err := l.Apply(trades, results, map[string]float64{"AAA": 40})
	require.NoError(t, err)
	assert.InDelta(t, 80.0, buy, 1e-9)

	// No fill price and no estimate is an error.
	l2 := FromHoldings("ACCT1", map[string]float64{"CASH": 1000})
	_, _, err = l2.Apply(trades, results, map[string]float64{})
	require.Error(t, err)
}

func TestApplyMissingResult(t *testing.T) {
	l := FromHoldings("ACCT1", map[string]float64{"CASH": 1000})
	trades := []sizing.Trade{{Symbol: "AAA", Action: drift.Buy, Quantity: 2, Notional: 80}}

	_, _, err := l.Apply(trades, nil, map[string]float64{"AAA": 40})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing fill result")
}

func TestFilledTotalsToleratesGaps(t *testing.T) {
	trades := []sizing.Trade{
		{Symbol: "AAA", Action: drift.Buy, Quantity: 2, Notional: 80},
		{Symbol: "BBB", Action: drift.Sell, Quantity: 1, Notional: 30},
		{Symbol: "CCC", Action: drift.Buy, Quantity: 1, Notional: 10},
	}
	results := []exec.Result{
		{Symbol: "AAA", Action: "BUY", FillQty: 2, FillPrice: 40},
		{Symbol: "BBB", Action: "SELL", FillQty: 1, FillPrice: 30},
	}
	buy, sell := FilledTotals(trades, results)
	assert.InDelta(t, 80.0, buy, 1e-9)
	assert.InDelta(t, 30.0, sell, 1e-9)
}
