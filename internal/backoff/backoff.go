// Package backoff computes retry delays for reconnecting drivers and paused
// listeners.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"
)

// Config shapes an exponential delay sequence.
type Config struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	// Jitter draws each delay from [d/2, d] instead of using d exactly.
	Jitter bool
}

func DefaultConfig() Config {
	return Config{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
	}
}

// Delay returns the wait before retry number attempt (1-based). The result
// never exceeds MaxDelay, jittered or not. A nil rng with Jitter set yields the
// lower bound d/2.
func Delay(cfg Config, attempt int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	growth := math.Max(cfg.Multiplier, 1)
	d := float64(cfg.InitialDelay) * math.Pow(growth, float64(attempt-1))
	if limit := float64(cfg.MaxDelay); limit > 0 && d > limit {
		d = limit
	}
	if cfg.Jitter {
		half := d / 2
		spread := 0.0
		if rng != nil {
			spread = rng.Float64() * half
		}
		d = half + spread
	}
	return time.Duration(d)
}

// Backoff tracks consecutive failures against a clock. The zero value is not
// usable; construct with New.
type Backoff struct {
	cfg      Config
	clk      clock.Clock
	rng      *rand.Rand
	failures int
	until    time.Time
}

func New(cfg Config, clk clock.Clock, rng *rand.Rand) *Backoff {
	if clk == nil {
		clk = clock.New()
	}
	return &Backoff{cfg: cfg, clk: clk, rng: rng}
}

// Fail records one more failure and returns how long to hold off.
func (b *Backoff) Fail() time.Duration {
	b.failures++
	d := Delay(b.cfg, b.failures, b.rng)
	b.until = b.clk.Now().Add(d)
	return d
}

// Reset forgets past failures so the next Fail starts from InitialDelay.
func (b *Backoff) Reset() {
	b.failures = 0
	b.until = time.Time{}
}

func (b *Backoff) Failures() int {
	return b.failures
}

// Ready reports whether the hold-off from the last Fail has elapsed.
func (b *Backoff) Ready() bool {
	return !b.clk.Now().Before(b.until)
}

// Wait blocks for the remaining hold-off or until ctx is done.
func (b *Backoff) Wait(ctx context.Context) error {
	d := b.until.Sub(b.clk.Now())
	if d <= 0 {
		return ctx.Err()
	}
	timer := b.clk.Timer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
