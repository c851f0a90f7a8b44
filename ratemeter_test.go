package torrent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateMeterZeroInputMonotonic(t *testing.T) {
	now := time.Now()
	m := newRateMeter(now)
	r := m.update(now, 1<<20)
	require.Greater(t, r, 0.0)

	t2 := now
	var last float64 = r
	for i := 0; i < 10; i++ {
		t2 = t2.Add(time.Second)
		got := m.update(t2, 0)
		assert.LessOrEqual(t, got, last, "rate must be non-increasing under zero input")
		last = got
	}
}

func TestRateMeterIgnoresEarlyZero(t *testing.T) {
	now := time.Now()
	m := newRateMeter(now)
	m.update(now, 1<<14)
	before := m.rate
	// Calling again before nextExpected with zero bytes must not perturb state.
	m.update(now, 0)
	assert.Equal(t, before, m.rate)
}

func TestRateMeterFreshPeerNotInfinite(t *testing.T) {
	now := time.Now()
	m := newRateMeter(now)
	r := m.update(now, 16384)
	assert.Less(t, r, 1e9, "fresh peer must not appear to have infinite rate")
}

func TestRateMeterSnubbed(t *testing.T) {
	now := time.Now()
	m := newRateMeter(now)
	m.update(now, 16384)
	assert.False(t, m.snubbed(now.Add(29*time.Second)))
	assert.True(t, m.snubbed(now.Add(31*time.Second)))
}
