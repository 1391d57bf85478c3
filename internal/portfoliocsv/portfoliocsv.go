// Package portfoliocsv loads model portfolio weights from CSV files with
// columns ETF,SMURF,BADASS,GLTR. Values are percent strings; blank cells are
// zero and a trailing % sign is allowed. Lines starting with # and blank
// lines are skipped.
package portfoliocsv

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"rebalancer/internal/broker"
	"rebalancer/internal/targets"
)

// Error indicates portfolio CSV validation failure.
type Error struct {
	Msg string
}

func (e *Error) Error() string { return e.Msg }

func errf(format string, args ...any) *Error {
	return &Error{Msg: fmt.Sprintf(format, args...)}
}

var expectedColumns = []string{"ETF", "SMURF", "BADASS", "GLTR"}

const totalTolerance = 0.01

// Load reads and validates one portfolio CSV. When session is non-nil, every
// non-CASH symbol is also checked for tradability with the broker.
func Load(ctx context.Context, path string, session broker.Session) (map[string]targets.ModelWeights, error) {
	portfolios, err := parseFile(path)
	if err != nil {
		return nil, err
	}
	if err := validateTotals(portfolios); err != nil {
		return nil, err
	}
	if session != nil {
		if err := validateSymbols(ctx, portfolios, session); err != nil {
			return nil, err
		}
	}
	return portfolios, nil
}

// LoadMap loads the portfolio CSV for each account, deduplicating parses of
// the same file. Paths are resolved to absolutes so relative and absolute
// references to one file share a cache entry.
func LoadMap(ctx context.Context, paths map[string]string, session broker.Session) (map[string]map[string]targets.ModelWeights, error) {
	cache := map[string]map[string]targets.ModelWeights{}
	out := make(map[string]map[string]targets.ModelWeights, len(paths))
	merged := map[string]targets.ModelWeights{}
	for account, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, errf("resolve %s: %v", p, err)
		}
		data, ok := cache[abs]
		if !ok {
			data, err = parseFile(abs)
			if err != nil {
				return nil, err
			}
			if err := validateTotals(data); err != nil {
				return nil, err
			}
			cache[abs] = data
			for sym, wt := range data {
				merged[sym] = wt
			}
		}
		copied := make(map[string]targets.ModelWeights, len(data))
		for sym, wt := range data {
			copied[sym] = wt
		}
		out[account] = copied
	}
	if session != nil {
		if err := validateSymbols(ctx, merged, session); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func parseFile(path string) (map[string]targets.ModelWeights, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errf("cannot read portfolio CSV: %s", path)
	}
	defer f.Close()

	var filtered strings.Builder
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		filtered.WriteString(line)
		filtered.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return nil, errf("read %s: %v", path, err)
	}

	reader := csv.NewReader(strings.NewReader(filtered.String()))
	records, err := reader.ReadAll()
	if err != nil {
		return nil, errf("parse %s: %v", path, err)
	}
	if len(records) == 0 {
		return nil, errf("missing header")
	}

	header := records[0]
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	if err := checkHeader(header); err != nil {
		return nil, err
	}

	portfolios := map[string]targets.ModelWeights{}
	for _, row := range records[1:] {
		symbol := strings.TrimSpace(row[0])
		if symbol == "" {
			return nil, errf("blank ETF symbol")
		}
		if _, dup := portfolios[symbol]; dup {
			return nil, errf("duplicate ETF symbol: %s", symbol)
		}
		var wt targets.ModelWeights
		for i, model := range header[1:] {
			raw := ""
			if i+1 < len(row) {
				raw = row[i+1]
			}
			pct, err := parsePercent(raw, symbol, model)
			if err != nil {
				return nil, err
			}
			switch model {
			case "SMURF":
				wt.Smurf = pct
			case "BADASS":
				wt.Badass = pct
			case "GLTR":
				wt.Gltr = pct
			}
		}
		portfolios[symbol] = wt
	}
	return portfolios, nil
}

func checkHeader(header []string) error {
	seen := map[string]bool{}
	for _, name := range header {
		if seen[name] {
			return errf("duplicate columns: %s", name)
		}
		seen[name] = true
	}
	var missing, extra []string
	want := map[string]bool{}
	for _, name := range expectedColumns {
		want[name] = true
		if !seen[name] {
			missing = append(missing, name)
		}
	}
	for _, name := range header {
		if !want[name] {
			extra = append(extra, name)
		}
	}
	if len(missing) > 0 || len(extra) > 0 {
		var parts []string
		if len(extra) > 0 {
			parts = append(parts, "unknown columns: "+strings.Join(extra, ", "))
		}
		if len(missing) > 0 {
			parts = append(parts, "missing columns: "+strings.Join(missing, ", "))
		}
		return errf("%s", strings.Join(parts, "; "))
	}
	return nil
}

// parsePercent parses a percent cell. CASH may be negative to -100%,
// representing a leveraged model.
func parsePercent(value, symbol, model string) (float64, error) {
	text := strings.TrimSpace(value)
	if text == "" {
		return 0, nil
	}
	text = strings.TrimSuffix(text, "%")
	pct, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, errf("%s: invalid percentage for %s: %q", symbol, model, value)
	}
	low := 0.0
	if symbol == "CASH" {
		low = -100.0
	}
	if pct < low || pct > 100.0 {
		return 0, errf("%s: percent out of range for %s: %g", symbol, model, pct)
	}
	return pct, nil
}

// validateTotals checks that each model's asset weights plus CASH sum to
// 100%.
func validateTotals(portfolios map[string]targets.ModelWeights) error {
	var assets targets.ModelWeights
	for symbol, wt := range portfolios {
		if symbol == "CASH" {
			continue
		}
		assets.Smurf += wt.Smurf
		assets.Badass += wt.Badass
		assets.Gltr += wt.Gltr
	}
	cash, hasCash := portfolios["CASH"]
	check := func(model string, total, cashWt float64) error {
		if !hasCash {
			if math.Abs(total-100.0) > totalTolerance {
				return errf("%s: totals %.2f%% do not sum to 100%%", model, total)
			}
			return nil
		}
		combined := total + cashWt
		if math.Abs(combined-100.0) > totalTolerance {
			return errf("%s: assets %.2f%% + CASH %.2f%% = %.2f%%, expected 100%%",
				model, total, cashWt, combined)
		}
		return nil
	}
	if err := check("SMURF", assets.Smurf, cash.Smurf); err != nil {
		return err
	}
	if err := check("BADASS", assets.Badass, cash.Badass); err != nil {
		return err
	}
	return check("GLTR", assets.Gltr, cash.Gltr)
}

func validateSymbols(ctx context.Context, portfolios map[string]targets.ModelWeights, session broker.Session) error {
	for symbol := range portfolios {
		if symbol == "CASH" {
			continue
		}
		asset, err := session.Asset(ctx, symbol)
		if err != nil {
			return errf("unknown ETF symbol: %s", symbol)
		}
		if !asset.Tradable {
			return errf("%s: not tradable on this venue", symbol)
		}
	}
	return nil
}
