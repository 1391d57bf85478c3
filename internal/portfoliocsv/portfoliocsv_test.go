package portfoliocsv

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rebalancer/internal/broker"
)

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "portfolios.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadParsesCommentsAndPercentSigns(t *testing.T) {
	path := writeCSV(t, `# model portfolios
ETF,SMURF,BADASS,GLTR

AAA,60%,40,
BBB,40,60,100
CASH,,,`)

	out, err := Load(context.Background(), path, nil)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, 60.0, out["AAA"].Smurf)
	assert.Equal(t, 40.0, out["AAA"].Badass)
	assert.Equal(t, 0.0, out["AAA"].Gltr)
	assert.Equal(t, 100.0, out["BBB"].Gltr)
	assert.Equal(t, 0.0, out["CASH"].Smurf)
}

func TestLoadNegativeCashWithinBounds(t *testing.T) {
	path := writeCSV(t, `ETF,SMURF,BADASS,GLTR
AAA,150,100,100
CASH,-50,0,0`)

	out, err := Load(context.Background(), path, nil)
	require.NoError(t, err)
	assert.Equal(t, -50.0, out["CASH"].Smurf)
}

func TestLoadRejectsNegativeAssetWeight(t *testing.T) {
	path := writeCSV(t, `ETF,SMURF,BADASS,GLTR
AAA,-10,100,100
BBB,110,0,0`)

	_, err := Load(context.Background(), path, nil)
	var csvErr *Error
	require.ErrorAs(t, err, &csvErr)
}

func TestLoadRejectsBadTotals(t *testing.T) {
	path := writeCSV(t, `ETF,SMURF,BADASS,GLTR
AAA,60,100,100
CASH,30,0,0`)

	_, err := Load(context.Background(), path, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SMURF")
}

func TestLoadRejectsDuplicateSymbols(t *testing.T) {
	path := writeCSV(t, `ETF,SMURF,BADASS,GLTR
AAA,50,100,100
AAA,50,0,0`)

	_, err := Load(context.Background(), path, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestLoadRejectsBadHeader(t *testing.T) {
	path := writeCSV(t, `ETF,SMURF,BADASS,EXTRA
AAA,100,100,100`)

	_, err := Load(context.Background(), path, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown columns")
	assert.Contains(t, err.Error(), "missing columns")
}

func TestLoadValidatesSymbolsAgainstBroker(t *testing.T) {
	path := writeCSV(t, `ETF,SMURF,BADASS,GLTR
AAA,100,100,100
CASH,0,0,0`)

	session := broker.NewPaperSession()
	session.Assets["AAA"] = broker.Asset{Symbol: "AAA", Tradable: false}

	_, err := Load(context.Background(), path, session)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not tradable")

	session.Assets["AAA"] = broker.Asset{Symbol: "AAA", Tradable: true}
	_, err = Load(context.Background(), path, session)
	require.NoError(t, err)
}

func TestLoadMapSharesParsesAcrossAccounts(t *testing.T) {
	path := writeCSV(t, `ETF,SMURF,BADASS,GLTR
AAA,100,100,100`)

	paths := map[string]string{"ACCT1": path, "ACCT2": path}
	out, err := LoadMap(context.Background(), paths, nil)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, out["ACCT1"], out["ACCT2"])

	// Each account gets its own copy.
	wt := out["ACCT1"]["AAA"]
	wt.Smurf = 1
	out["ACCT1"]["AAA"] = wt
	assert.Equal(t, 100.0, out["ACCT2"]["AAA"].Smurf)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "nope.csv"), nil)
	var csvErr *Error
	require.ErrorAs(t, err, &csvErr)
}
