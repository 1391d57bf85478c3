package targets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rebalancer/internal/config"
)

func TestBuildBlendsModels(t *testing.T) {
	models := map[string]ModelWeights{
		"AAA":  {Smurf: 60, Badass: 20},
		"BBB":  {Smurf: 40, Badass: 50},
		"CCC":  {Badass: 30, Gltr: 100},
		"CASH": {},
	}
	mix := config.Models{Smurf: 0.5, Badass: 0.3, Gltr: 0.2}

	out, err := Build(models, mix)
	require.NoError(t, err)
	assert.InDelta(t, 36.0, out["AAA"], 1e-9)
	assert.InDelta(t, 35.0, out["BBB"], 1e-9)
	assert.InDelta(t, 29.0, out["CCC"], 1e-9)
	assert.InDelta(t, 0.0, out["CASH"], 1e-9)
}

func TestBuildSingleModelPassesThrough(t *testing.T) {
	models := map[string]ModelWeights{
		"AAA":  {Smurf: 70},
		"CASH": {Smurf: 30},
	}
	out, err := Build(models, config.Models{Smurf: 1})
	require.NoError(t, err)
	assert.InDelta(t, 70.0, out["AAA"], 1e-9)
	assert.InDelta(t, 30.0, out["CASH"], 1e-9)
}

func TestBuildRejectsBadTotal(t *testing.T) {
	models := map[string]ModelWeights{
		"AAA": {Smurf: 60},
		"BBB": {Smurf: 20},
	}
	_, err := Build(models, config.Models{Smurf: 1})
	var tgtErr *Error
	require.ErrorAs(t, err, &tgtErr)
}

func TestBuildNegativeCashLeveredModel(t *testing.T) {
	models := map[string]ModelWeights{
		"AAA":  {Smurf: 150},
		"CASH": {Smurf: -50},
	}
	out, err := Build(models, config.Models{Smurf: 1})
	require.NoError(t, err)
	assert.InDelta(t, 150.0, out["AAA"], 1e-9)
	assert.InDelta(t, -50.0, out["CASH"], 1e-9)
}
