package torrent

import (
	"math"
	"time"
)

// windowSeconds is the width of the sliding window used to compute a rate.
const windowSeconds = 20

// snubTimeout is how long we wait for piece bytes before flagging a peer
// snubbed (§4.1 / §4.3 of the core spec).
const snubTimeout = 30 * time.Second

// epsilon guards the next_expected computation against division by zero.
const rateEpsilon = 1e-6

// rateMeter tracks a sliding 20-second running average of bytes/s for one
// stream (a peer's send or receive direction). The zero value is not usable;
// construct with newRateMeter.
//
// This is not golang.org/x/time/rate: that package enforces a budget, this
// one only measures one. The two are used side by side on a peer connection
// (§5 "Rate limiting").
type rateMeter struct {
	rate         float64
	total        int64
	nextExpected time.Time
	lastUpdate   time.Time
	rateSince    time.Time
}

func newRateMeter(now time.Time) *rateMeter {
	// Fudge the starting point back so a brand-new peer doesn't look like it
	// has an infinite rate the instant the first byte arrives.
	start := now.Add(-windowSeconds * time.Second)
	return &rateMeter{
		nextExpected: now,
		lastUpdate:   start,
		rateSince:    start,
	}
}

// update folds amount bytes observed at time t into the meter and returns
// the updated rate in bytes/s.
func (m *rateMeter) update(t time.Time, amount int64) float64 {
	if t.Before(m.nextExpected) && amount == 0 {
		return m.rate
	}
	m.total += amount
	elapsed := t.Sub(m.rateSince).Seconds()
	if elapsed <= 0 {
		elapsed = rateEpsilon
	}
	m.rate = (m.rate*m.lastUpdate.Sub(m.rateSince).Seconds() + float64(amount)) / elapsed

	wait := 5.0
	if m.rate > rateEpsilon {
		wait = math.Min(5.0, float64(amount)/m.rate)
	}
	m.nextExpected = t.Add(time.Duration(wait * float64(time.Second)))
	m.lastUpdate = t

	floor := t.Add(-windowSeconds * time.Second)
	if floor.After(m.rateSince) {
		m.rateSince = floor
	}
	return m.rate
}

// Rate returns the current bytes/s estimate without mutating state.
func (m *rateMeter) Rate() float64 {
	return m.rate
}

// Total returns the lifetime byte count folded into this meter.
func (m *rateMeter) Total() int64 {
	return m.total
}

// LastUpdate reports when bytes were last observed.
func (m *rateMeter) LastUpdate() time.Time {
	return m.lastUpdate
}

// snubbed reports whether no piece payload has arrived in snubTimeout,
// relative to now.
func (m *rateMeter) snubbed(now time.Time) bool {
	return now.Sub(m.lastUpdate) >= snubTimeout
}
