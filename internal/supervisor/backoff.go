package supervisor

import (
	"math"
	"math/rand"
	"time"
)

// BackoffConfig holds the configuration for launch-retry and restart delays.
type BackoffConfig struct {
	Initial    time.Duration // First delay (default: 100ms)
	Max        time.Duration // Maximum delay (default: 2s)
	Multiplier float64       // Growth per attempt (default: 2.0)
	JitterPct  float64       // Jitter as a fraction of delay (default: 0.2 = ±10%)

	// ResetAfter is the uptime after which a worker counts as stable and
	// the next restart starts from Initial again (default: 30s).
	ResetAfter time.Duration
}

// DefaultBackoffConfig returns sensible defaults for backoff.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial:    100 * time.Millisecond,
		Max:        2 * time.Second,
		Multiplier: 2.0,
		JitterPct:  0.2,
		ResetAfter: 30 * time.Second,
	}
}

// Backoff calculates exponential delays with jitter.
type Backoff struct {
	config   BackoffConfig
	attempts int
	rng      *rand.Rand
}

// NewBackoff creates a Backoff with a deterministic jitter seed.
func NewBackoff(seed int64, cfg BackoffConfig) *Backoff {
	return &Backoff{
		config: cfg,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// Next returns the next delay and increments the attempt counter.
func (b *Backoff) Next() time.Duration {
	delay := b.Calculate()
	b.attempts++
	return delay
}

// Calculate returns the current delay without incrementing attempts.
func (b *Backoff) Calculate() time.Duration {
	delay := float64(b.config.Initial) * math.Pow(b.config.Multiplier, float64(b.attempts))

	if delay > float64(b.config.Max) {
		delay = float64(b.config.Max)
	}

	// ±(JitterPct/2) of the delay
	if b.config.JitterPct > 0 {
		jitterRange := delay * b.config.JitterPct
		delay += jitterRange*b.rng.Float64() - jitterRange/2
	}

	if delay < 0 {
		delay = 0
	}

	return time.Duration(delay)
}

// Reset resets the attempt counter to zero.
func (b *Backoff) Reset() {
	b.attempts = 0
}

// Attempts returns the current attempt count.
func (b *Backoff) Attempts() int {
	return b.attempts
}

// SetAttempts sets the attempt counter.
func (b *Backoff) SetAttempts(n int) {
	b.attempts = n
}

// ShouldReset reports whether a worker that ran for uptime was stable
// enough to restart without delay.
func (b *Backoff) ShouldReset(uptime time.Duration) bool {
	return b.config.ResetAfter > 0 && uptime >= b.config.ResetAfter
}
