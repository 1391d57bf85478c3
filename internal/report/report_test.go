package report

import (
	"encoding/csv"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rebalancer/internal/config"
	"rebalancer/internal/drift"
	"rebalancer/internal/exec"
	"rebalancer/internal/sizing"
)

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return records
}

func TestRunSummaryOneRowPerAccount(t *testing.T) {
	ts := time.Date(2026, 8, 21, 10, 0, 0, 0, time.UTC)
	s := NewRunSummary(t.TempDir(), ts)

	// The phased path reports each side separately; the rows merge.
	s.Add(SummaryRow{AccountID: "ACCT1", PlannedOrders: 2, Submitted: 2, Filled: 2,
		SellUSD: 500, PreLeverage: 1.1, PostLeverage: 1.05, Status: "completed"})
	s.Add(SummaryRow{AccountID: "ACCT1", PlannedOrders: 1, Submitted: 1, Filled: 1,
		BuyUSD: 300, PreLeverage: 1.05, PostLeverage: 0.98, Status: "completed"})
	s.Add(SummaryRow{AccountID: "ACCT2", Status: "failed", Error: "planning failed"})

	rows := s.Rows()
	require.Len(t, rows, 2)
	assert.Equal(t, "ACCT1", rows[0].AccountID)
	assert.Equal(t, 3, rows[0].PlannedOrders)
	assert.Equal(t, 3, rows[0].Filled)
	assert.Equal(t, 300.0, rows[0].BuyUSD)
	assert.Equal(t, 500.0, rows[0].SellUSD)
	assert.Equal(t, 1.1, rows[0].PreLeverage)
	assert.Equal(t, 0.98, rows[0].PostLeverage)
	assert.Equal(t, "completed", rows[0].Status)
	assert.Equal(t, "failed", rows[1].Status)
}

func TestRunSummaryFailureSticks(t *testing.T) {
	s := NewRunSummary(t.TempDir(), time.Now())
	s.Add(SummaryRow{AccountID: "ACCT1", Status: "failed", Error: "sell phase failed"})
	s.Add(SummaryRow{AccountID: "ACCT1", Status: "completed"})

	rows := s.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, "failed", rows[0].Status)
	assert.Equal(t, "sell phase failed", rows[0].Error)
}

func TestRunSummaryFlush(t *testing.T) {
	dir := t.TempDir()
	ts := time.Date(2026, 8, 21, 10, 0, 0, 0, time.UTC)
	s := NewRunSummary(dir, ts)
	s.Add(SummaryRow{TimestampRun: ts.Format(time.RFC3339), AccountID: "B", Status: "completed"})
	s.Add(SummaryRow{TimestampRun: ts.Format(time.RFC3339), AccountID: "A", Status: "dry_run"})

	path, err := s.Flush()
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, "run_summary_20260821_100000.csv"))

	records := readCSV(t, path)
	require.Len(t, records, 3)
	assert.Equal(t, summaryColumns, records[0])
	assert.Equal(t, "A", records[1][1])
	assert.Equal(t, "B", records[2][1])
	assert.Equal(t, "dry_run", records[1][10])
}

func TestWritePreTrade(t *testing.T) {
	dir := t.TempDir()
	ts := time.Date(2026, 8, 21, 10, 0, 0, 0, time.UTC)
	cfg := config.Default()

	drifts := []drift.Drift{
		{Symbol: "CASH", TargetWtPct: 0, CurrentWtPct: 50, DriftPct: 50, DriftUSD: 500, Action: drift.Sell},
		{Symbol: "AAA", TargetWtPct: 100, CurrentWtPct: 50, DriftPct: -50, DriftUSD: -500, Action: drift.Buy},
	}
	trades := []sizing.Trade{{Symbol: "AAA", Action: drift.Buy, Quantity: 5, Notional: 500}}
	prices := map[string]float64{"AAA": 100}
	exp := Exposure{NetLiq: 1000, PreGross: 500, PreLev: 0.5, PostGross: 1000, PostLev: 1.0}

	path, err := WritePreTrade(dir, ts, "ACCT1", drifts, trades, prices, exp, cfg)
	require.NoError(t, err)

	records := readCSV(t, path)
	require.Len(t, records, 3)
	assert.Equal(t, preTradeColumns, records[0])

	// Rows are sorted by symbol: AAA then CASH.
	assert.Equal(t, "AAA", records[1][2])
	assert.Equal(t, "false", records[1][3])
	assert.Equal(t, "BUY", records[1][8])
	assert.Equal(t, "5", records[1][9])
	assert.Equal(t, "100", records[1][10])

	assert.Equal(t, "CASH", records[2][2])
	assert.Equal(t, "true", records[2][3])
	assert.Equal(t, "1", records[2][10]) // CASH priced at par
	assert.Equal(t, "0", records[2][9])  // no trade row
}

func TestWritePostTradeAggregatesPasses(t *testing.T) {
	dir := t.TempDir()
	ts := time.Date(2026, 8, 21, 10, 0, 0, 0, time.UTC)
	cfg := config.Default()

	drifts := []drift.Drift{
		{Symbol: "AAA", DriftPct: -50, DriftUSD: -500, Action: drift.Buy},
	}
	trades := []sizing.Trade{
		{Symbol: "AAA", Action: drift.Buy, Quantity: 3, Notional: 300},
		{Symbol: "AAA", Action: drift.Buy, Quantity: 2, Notional: 200},
	}
	results := []exec.Result{
		{Symbol: "AAA", Action: "BUY", Status: "Filled", FillQty: 3, FillPrice: 100,
			FillTime: ts, Commission: 1},
		{Symbol: "AAA", Action: "BUY", Status: "Filled", FillQty: 2, FillPrice: 110,
			FillTime: ts, Commission: 1, CommissionPlaceholder: true},
	}
	prices := map[string]float64{"AAA": 100}

	path, err := WritePostTrade(dir, ts, "ACCT1", drifts, trades, results, prices, Exposure{}, cfg)
	require.NoError(t, err)

	records := readCSV(t, path)
	require.Len(t, records, 2)
	assert.Equal(t, postTradeColumns, records[0])

	row := records[1]
	n := len(preTradeColumns)
	assert.Equal(t, "5", row[n])   // fill_qty summed
	assert.Equal(t, "104", row[n+1]) // quantity-weighted fill price
	assert.Equal(t, "2", row[n+3]) // commissions summed
	assert.Equal(t, "true", row[n+4])
	assert.Equal(t, "Filled", row[n+5])
	assert.Contains(t, row[n+7], "commission unavailable")
}

func TestFormatTimestamp(t *testing.T) {
	ts := time.Date(2026, 8, 21, 9, 5, 3, 0, time.UTC)
	assert.Equal(t, "20260821_090503", FormatTimestamp(ts))
}
