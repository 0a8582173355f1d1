package peersync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelayStaysWithinBounds(t *testing.T) {
	p := newBackoffPolicy(10*time.Millisecond, 100*time.Millisecond)

	for attempt := 0; attempt < 10; attempt++ {
		d := p.delay(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		// ±25% jitter on top of a max-capped base still bounds comfortably under 2x max.
		assert.LessOrEqual(t, d, 2*p.max)
	}
}

func TestBackoffDelayDefaultsWhenUnset(t *testing.T) {
	p := newBackoffPolicy(0, 0)
	assert.Equal(t, time.Second, p.base)
	assert.Equal(t, 60*time.Second, p.max)
}
