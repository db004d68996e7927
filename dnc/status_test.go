package dnc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateTracker(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	var tr rateTracker
	tr.start(t0)

	rate, eta := tr.sample(t0.Add(time.Second), 10, 100)
	assert.InDelta(t, 10.0, rate, 1e-9)
	assert.InDelta(t, 9.0, eta, 1e-9)

	rate, eta = tr.sample(t0.Add(3*time.Second), 30, 100)
	assert.InDelta(t, 10.0, rate, 1e-9)
	assert.InDelta(t, 7.0, eta, 1e-9)

	// no progress: the ETA falls back to the minimum rate
	rate, eta = tr.sample(t0.Add(4*time.Second), 30, 100)
	assert.Zero(t, rate)
	assert.InDelta(t, 70/minRate, eta, 1e-3)

	// zero elapsed time is floored at one microsecond
	rate, _ = tr.sample(t0.Add(4*time.Second), 31, 100)
	assert.InDelta(t, 1e6, rate, 1e-3)

	_, eta = tr.sample(t0.Add(5*time.Second), 120, 100)
	assert.Zero(t, eta, "remaining lines never go negative")
}
