// Package backoff computes retry delays and runs retry loops.
package backoff

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Config for exponential backoff. Zero values use defaults.
type Config struct {
	Initial  time.Duration // default: 100ms
	Max      time.Duration // default: 5s
	Jitter   float64       // fraction of the delay randomised, 0 disables
	Attempts int           // total attempts for Retry, default: 3
}

func (c *Config) withDefaults() Config {
	out := Config{
		Initial:  100 * time.Millisecond,
		Max:      5 * time.Second,
		Attempts: 3,
	}
	if c == nil {
		return out
	}
	if c.Initial > 0 {
		out.Initial = c.Initial
	}
	if c.Max > 0 {
		out.Max = c.Max
	}
	if c.Jitter > 0 {
		out.Jitter = min(c.Jitter, 1)
	}
	if c.Attempts > 0 {
		out.Attempts = c.Attempts
	}
	return out
}

// Exponential returns the delay before the given retry attempt.
// Attempt 1 returns Initial, attempt 2 returns Initial*2, capped at Max.
// With Jitter set the delay is drawn from [d*(1-Jitter), d].
func Exponential(attempt int, cfg *Config) time.Duration {
	c := cfg.withDefaults()

	d := float64(c.Initial)
	if attempt > 1 {
		d *= math.Pow(2.0, float64(attempt-1))
	}
	d = min(d, float64(c.Max))
	if c.Jitter > 0 {
		d -= d * c.Jitter * rand.Float64()
	}
	return time.Duration(d)
}

// Permanent wraps an error that must not be retried.
type Permanent struct {
	Err error
}

func (p *Permanent) Error() string { return p.Err.Error() }
func (p *Permanent) Unwrap() error { return p.Err }

// Retry calls fn until it succeeds, returns a *Permanent error, the attempts
// are exhausted or ctx is done. The last error is returned.
func Retry(ctx context.Context, cfg *Config, fn func(ctx context.Context) error) error {
	c := cfg.withDefaults()

	var lastErr error
	for attempt := range c.Attempts {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(Exponential(attempt, &c)):
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if p, ok := lastErr.(*Permanent); ok {
			return p.Err
		}
	}
	return lastErr
}
