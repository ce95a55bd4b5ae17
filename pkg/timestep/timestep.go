// Package timestep provides a fixed-timestep accumulator for driving
// simulation updates at a constant rate regardless of tick cadence.
package timestep

import (
	"time"
)

// DefaultDT is a 60 Hz simulation step.
const DefaultDT = time.Second / 60

// FixedTimestep accumulates elapsed wall time and releases it in fixed
// steps.
type FixedTimestep struct {
	dt          time.Duration
	accumulator time.Duration
	lastUpdate  time.Time
}

func New(dt time.Duration) *FixedTimestep {
	if dt <= 0 {
		dt = DefaultDT
	}
	return &FixedTimestep{
		dt:         dt,
		lastUpdate: time.Now(),
	}
}

// Update consumes elapsed time and reports whether a simulation step is
// due. Call in a loop until it returns false to catch up after a stall.
func (t *FixedTimestep) Update(now time.Time) bool {
	elapsed := now.Sub(t.lastUpdate)
	if elapsed < 0 {
		elapsed = 0
	}
	t.lastUpdate = now
	t.accumulator += elapsed

	if t.accumulator >= t.dt {
		t.accumulator -= t.dt
		return true
	}
	return false
}

// DT returns the fixed step size.
func (t *FixedTimestep) DT() time.Duration {
	return t.dt
}
