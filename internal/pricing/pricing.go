// Package pricing resolves symbol prices from a broker session. The config
// selects which quote field to use; when the field is empty and snapshot
// fallback is enabled, the previous close stands in for the live field.
package pricing

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"rebalancer/internal/broker"
	"rebalancer/internal/config"
)

// Price is one resolved price with the moment it was observed, used for
// staleness checks.
type Price struct {
	Value float64
	AsOf  time.Time
}

// Fetch returns the price for one symbol according to the configured source
// field.
func Fetch(ctx context.Context, s broker.Session, symbol string, cfg config.Pricing) (Price, error) {
	quote, err := s.Quote(ctx, symbol)
	if err != nil {
		return Price{}, err
	}

	value := fromQuote(quote, cfg.PriceSource)
	if value <= 0 && cfg.FallbackToSnapshot {
		value = quote.Close
	}
	if value <= 0 {
		return Price{}, &PriceError{Symbol: symbol, Source: cfg.PriceSource}
	}

	asOf := quote.Time
	if asOf.IsZero() {
		asOf = time.Now()
	}
	return Price{Value: value, AsOf: asOf}, nil
}

// FetchAll fetches prices for all symbols concurrently. The first failure
// cancels the remaining fetches and is returned; partial results are
// discarded.
func FetchAll(ctx context.Context, s broker.Session, symbols []string, cfg config.Pricing, log zerolog.Logger) (map[string]Price, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		firstErr error
	)
	prices := make(map[string]Price, len(symbols))

	for _, symbol := range symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			p, err := Fetch(ctx, s, symbol, cfg)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
					cancel()
				}
				return
			}
			prices[symbol] = p
			log.Debug().Str("symbol", symbol).Float64("price", p.Value).Msg("price fetched")
		}(symbol)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return prices, nil
}

func fromQuote(q broker.Quote, source string) float64 {
	switch source {
	case "last":
		return q.Last
	case "close":
		return q.Close
	case "bid":
		return q.Bid
	case "ask":
		return q.Ask
	case "mid":
		if q.Bid > 0 && q.Ask > 0 {
			return (q.Bid + q.Ask) / 2
		}
		return 0
	default:
		return 0
	}
}
