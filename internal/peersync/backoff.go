package peersync

import (
	"math"
	"math/rand/v2"
	"time"
)

// jitterFraction matches the teacher's graph.Client retry policy: ±25%
// jitter around an exponential base, to avoid a thundering herd of peers
// reconnecting in lockstep after a shared outage.
const jitterFraction = 0.25

// backoffPolicy computes exponential backoff with jitter, bounded by
// base/max durations pulled from config.SyncConfig (spec.md §4.7:
// "exponential backoff"; defaults are config-driven here rather than the
// package constants the teacher used, since this engine's retry policy is
// operator-tunable per spec.md's config surface).
type backoffPolicy struct {
	base, max time.Duration
}

func newBackoffPolicy(base, max time.Duration) backoffPolicy {
	if base <= 0 {
		base = time.Second
	}

	if max <= 0 {
		max = 60 * time.Second
	}

	return backoffPolicy{base: base, max: max}
}

// delay returns the backoff duration for the given zero-indexed attempt,
// grounded on the teacher's graph.Client.calcBackoff: base * 2^attempt,
// capped at max, with ±25% jitter.
func (p backoffPolicy) delay(attempt int) time.Duration {
	d := float64(p.base) * math.Pow(2, float64(attempt))
	if d > float64(p.max) {
		d = float64(p.max)
	}

	jitter := d * jitterFraction * (rand.Float64()*2 - 1)
	d += jitter

	if d < 0 {
		d = 0
	}

	return time.Duration(d)
}
