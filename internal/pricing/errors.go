package pricing

import "fmt"

// MissingPriceError reports a symbol that has no entry in a price map. Drift
// and sizing refuse to value a holding or size a trade without a price.
type MissingPriceError struct {
	Symbol string
}

func (e *MissingPriceError) Error() string {
	return fmt.Sprintf("missing price for %s", e.Symbol)
}

// PriceError reports that no usable price could be obtained from the broker
// for a symbol, including after the optional snapshot fallback.
type PriceError struct {
	Symbol string
	Source string
}

func (e *PriceError) Error() string {
	return fmt.Sprintf("no price available for %s using %s", e.Symbol, e.Source)
}
