package report

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"
)

// SummaryRow is one account's terminal outcome for the run.
type SummaryRow struct {
	TimestampRun  string
	AccountID     string
	PlannedOrders int
	Submitted     int
	Filled        int
	Rejected      int
	BuyUSD        float64
	SellUSD       float64
	PreLeverage   float64
	PostLeverage  float64
	Status        string // dry_run, read_only, aborted, failed, completed
	Error         string
}

var summaryColumns = []string{
	"timestamp_run", "account_id", "planned_orders", "submitted", "filled",
	"rejected", "buy_usd", "sell_usd", "pre_leverage", "post_leverage",
	"status", "error",
}

// RunSummary collects summary rows for one run and persists exactly one row
// per account, sorted by account id. Accounts that terminate more than once
// in a run (the sequential sell-then-buy path reports each phase) have their
// rows merged: counts and dollar totals accumulate, the first pre-leverage
// and the latest post-leverage win, and a failed or aborted status sticks.
type RunSummary struct {
	mu   sync.Mutex
	rows map[string]*SummaryRow
	dir  string
	ts   time.Time
}

func NewRunSummary(reportDir string, ts time.Time) *RunSummary {
	return &RunSummary{
		rows: map[string]*SummaryRow{},
		dir:  reportDir,
		ts:   ts,
	}
}

// Add merges a terminal-outcome row into the run's summary.
func (s *RunSummary) Add(row SummaryRow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.rows[row.AccountID]
	if !ok {
		r := row
		s.rows[row.AccountID] = &r
		return
	}
	existing.PlannedOrders += row.PlannedOrders
	existing.Submitted += row.Submitted
	existing.Filled += row.Filled
	existing.Rejected += row.Rejected
	existing.BuyUSD += row.BuyUSD
	existing.SellUSD += row.SellUSD
	existing.PostLeverage = row.PostLeverage
	if !terminalDominates(existing.Status) {
		existing.Status = row.Status
	} else if terminalDominates(row.Status) {
		existing.Status = row.Status
	}
	if row.Error != "" {
		if existing.Error != "" {
			existing.Error += "; " + row.Error
		} else {
			existing.Error = row.Error
		}
	}
}

func terminalDominates(status string) bool {
	return status == "failed" || status == "aborted"
}

// Rows returns the collected rows sorted by account id.
func (s *RunSummary) Rows() []SummaryRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SummaryRow, 0, len(s.rows))
	for _, r := range s.rows {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

// Flush writes the collected rows to run_summary_<ts>.csv and returns the
// path. Rows are sorted by account id so output is deterministic regardless
// of completion order.
func (s *RunSummary) Flush() (string, error) {
	rows := s.Rows()
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}
	path := filepath.Join(s.dir, "run_summary_"+FormatTimestamp(s.ts)+".csv")
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("write run summary: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(summaryColumns); err != nil {
		return "", err
	}
	for _, r := range rows {
		record := []string{
			r.TimestampRun,
			r.AccountID,
			strconv.Itoa(r.PlannedOrders),
			strconv.Itoa(r.Submitted),
			strconv.Itoa(r.Filled),
			strconv.Itoa(r.Rejected),
			formatFloat(r.BuyUSD),
			formatFloat(r.SellUSD),
			formatFloat(r.PreLeverage),
			formatFloat(r.PostLeverage),
			r.Status,
			r.Error,
		}
		if err := w.Write(record); err != nil {
			return "", err
		}
	}
	w.Flush()
	return path, w.Error()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
