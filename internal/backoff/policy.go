// Package backoff computes retry delays and runs retry loops for outbound
// calls made by executors.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines an exponential backoff with jitter.
type Policy struct {
	// Initial is the delay after the first failed attempt.
	Initial time.Duration `yaml:"initial"`
	// Max caps every delay.
	Max time.Duration `yaml:"max"`
	// Factor multiplies the delay after each attempt.
	Factor float64 `yaml:"factor"`
	// Jitter adds up to this fraction of the delay at random (0.0 to 1.0).
	Jitter float64 `yaml:"jitter"`
}

// DefaultPolicy returns the policy webhook executors use unless configured.
// Initial: 200ms, Max: 5s, Factor: 2, Jitter: 10%
func DefaultPolicy() Policy {
	return Policy{
		Initial: 200 * time.Millisecond,
		Max:     5 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}

// Delay returns the wait before retrying after the given attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	return p.delayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// delayWithRand computes min(max, base + base*jitter*random) where
// base = initial * factor^(attempt-1).
func (p Policy) delayWithRand(attempt int, randomValue float64) time.Duration {
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(factor, exp)
	total := base + base*p.Jitter*randomValue
	if p.Max > 0 {
		total = math.Min(float64(p.Max), total)
	}
	return time.Duration(math.Round(total))
}
