package broker

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"

	"rebalancer/internal/config"
)

// Dial connects a session, retrying transient failures with exponential
// backoff. The retry budget and initial delay come from the broker config.
func Dial(ctx context.Context, s Session, cfg config.Broker, log zerolog.Logger) error {
	b := &backoff.Backoff{
		Min:    cfg.ConnectBackoff(),
		Max:    30 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	var lastErr error
	for attempt := 0; attempt <= cfg.ConnectRetries; attempt++ {
		if attempt > 0 {
			d := b.Duration()
			log.Warn().Err(lastErr).Dur("retry_in", d).Int("attempt", attempt).
				Msg("broker connect failed, retrying")
			select {
			case <-ctx.Done():
				return Wrap(ctx.Err(), "broker connect cancelled")
			case <-time.After(d):
			}
		}
		lastErr = s.Connect(ctx)
		if lastErr == nil {
			return nil
		}
	}
	return Wrap(lastErr, "broker connect failed after %d retries", cfg.ConnectRetries)
}

// WithSession dials a session, runs fn, and always disconnects afterwards.
// Disconnect failures are logged, not returned; fn's error wins.
func WithSession(ctx context.Context, s Session, cfg config.Broker, log zerolog.Logger, fn func(Session) error) error {
	if err := Dial(ctx, s, cfg, log); err != nil {
		return err
	}
	defer func() {
		if err := s.Disconnect(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Msg("broker disconnect failed")
		}
	}()
	return fn(s)
}
