package totalizer

import (
	"math"
	"time"

	"github.com/chackl1990/shelly-pro-3em-net-metering-phase/pkg/types"
)

// Accumulator integrates instantaneous power samples into sign-separated
// window totals using the real time elapsed between samples. Positive power
// accumulates as imported energy, negative power as exported energy.
//
// The accumulator is not safe for concurrent use; the engine serializes all
// calls into it.
type Accumulator struct {
	window types.EnergyTotals

	// lastIntegration is zero before the first sample. The first sample only
	// anchors the clock so an unbounded first interval is never charged.
	lastIntegration time.Time
}

// NewAccumulator returns an Accumulator with an empty window and no anchor.
func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Integrate consumes one power sample, attributing the sample's power over
// the real interval since the previous sample.
//
// A zero or negative interval (duplicate tick, clock stall) skips the tick
// without moving the anchor, so the next valid tick integrates over the full
// elapsed span. An invalid or non-finite sample advances the anchor without
// adding energy: that interval counts as zero energy rather than being
// retroactively charged later.
func (a *Accumulator) Integrate(now time.Time, sample types.PowerSample) {
	if a.lastIntegration.IsZero() {
		a.lastIntegration = now
		return
	}

	dt := now.Sub(a.lastIntegration)
	if dt <= 0 {
		return
	}
	a.lastIntegration = now

	if !sample.Valid || math.IsNaN(sample.Watts) || math.IsInf(sample.Watts, 0) {
		return
	}

	// watts * hours = watt-hours
	energyWH := sample.Watts * dt.Hours()
	if energyWH >= 0 {
		a.window.ImportedWH += energyWH
	} else {
		a.window.ExportedWH += -energyWH
	}
}

// Window returns the energy integrated since the current window opened.
func (a *Accumulator) Window() types.EnergyTotals {
	return a.window
}

// ResetWindow zeroes the window totals at a window boundary.
func (a *Accumulator) ResetWindow() {
	a.window = types.EnergyTotals{}
}

// Rebase moves the integration anchor to now. The corrector calls this after
// closing a window so the gap spent processing the correction is not
// attributed as elapsed energy.
func (a *Accumulator) Rebase(now time.Time) {
	a.lastIntegration = now
}

// Anchored reports whether the accumulator has recorded its first sample.
func (a *Accumulator) Anchored() bool {
	return !a.lastIntegration.IsZero()
}
