// Package targets blends model portfolios into one set of target weights.
package targets

import (
	"fmt"
	"math"

	"rebalancer/internal/config"
)

// Error indicates an invalid generated target set.
type Error struct {
	Msg string
}

func (e *Error) Error() string { return e.Msg }

// ModelWeights is one symbol's weight in percent under each model.
type ModelWeights struct {
	Smurf  float64
	Badass float64
	Gltr   float64
}

const totalTolerance = 0.01

// Build combines model portfolios according to the configured mix and
// returns target weights in percent per symbol. CASH passes through when
// present. The blended weights must sum to 100% within tolerance.
func Build(models map[string]ModelWeights, mix config.Models) (map[string]float64, error) {
	out := make(map[string]float64, len(models))
	total := 0.0
	for symbol, wt := range models {
		weight := mix.Smurf*wt.Smurf + mix.Badass*wt.Badass + mix.Gltr*wt.Gltr
		out[symbol] = weight
		total += weight
	}
	if math.Abs(total-100.0) > totalTolerance {
		return nil, &Error{Msg: fmt.Sprintf("target weights sum to %.2f%%, expected 100%%", total)}
	}
	return out, nil
}
