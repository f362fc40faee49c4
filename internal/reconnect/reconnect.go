// Package reconnect computes connector reconnect backoff delays.
// Generalizes the fixed-schedule backoff used elsewhere in the corpus
// into the true exponential backoff with jitter the connector session
// requires: base 1s, factor 2, +/-25% jitter, capped at 60s.
package reconnect

import (
	"math/rand"
	"time"
)

// Policy configures the backoff curve. The zero value is not usable;
// call DefaultPolicy for sane values.
type Policy struct {
	Base   time.Duration
	Factor float64
	Jitter float64
	Cap    time.Duration
}

// DefaultPolicy matches the connector-session spec: base 1s, factor 2,
// +/-25% jitter, cap 60s.
func DefaultPolicy() Policy {
	return Policy{
		Base:   time.Second,
		Factor: 2,
		Jitter: 0.25,
		Cap:    60 * time.Second,
	}
}

// Delay returns the backoff duration for the given zero-based attempt
// number, including jitter. rnd may be nil to use the package-level
// source; tests should pass a seeded *rand.Rand for determinism.
func (p Policy) Delay(attempt int, rnd *rand.Rand) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(p.Base)
	for i := 0; i < attempt; i++ {
		d *= p.Factor
		if d > float64(p.Cap) {
			d = float64(p.Cap)
			break
		}
	}
	if p.Jitter > 0 {
		r := rnd
		if r == nil {
			r = rand.New(rand.NewSource(time.Now().UnixNano()))
		}
		// uniform in [1-jitter, 1+jitter]
		factor := 1 - p.Jitter + r.Float64()*2*p.Jitter
		d *= factor
	}
	if d > float64(p.Cap) {
		d = float64(p.Cap)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
