package types

import "time"

const (
	// CurrentTotalsVersion is the current version of the persisted totals
	// document. Increment when the document shape changes.
	CurrentTotalsVersion = 1

	// CurrentCorrectionVersion is the current version of the stored
	// correction records.
	CurrentCorrectionVersion = 1
)

// PowerSample is one instantaneous total active power reading from the meter.
// Valid is false when the meter could not produce a usable reading this tick;
// an invalid sample advances the integration clock without adding energy.
type PowerSample struct {
	Timestamp time.Time `json:"timestamp"`
	Watts     float64   `json:"watts"`
	Valid     bool      `json:"valid"`
}

// ReferenceReading is one reading of the meter's absolute per-direction
// energy counters. These counters update on the meter's own coarse cadence
// (typically once a minute) and are used only to correct integration drift.
type ReferenceReading struct {
	Timestamp  time.Time `json:"timestamp"`
	ImportedWH float64   `json:"importedWH"`
	ExportedWH float64   `json:"exportedWH"`
}

// Equal reports whether the counter values of two readings are identical.
// Comparison is exact: the reference meter emits discrete steps, not jitter.
func (r ReferenceReading) Equal(o ReferenceReading) bool {
	return r.ImportedWH == o.ImportedWH && r.ExportedWH == o.ExportedWH
}

// EnergyTotals is a pair of sign-separated cumulative energy values in
// watt-hours. It is used both for the persisted lifetime totals and for the
// volatile per-window totals.
type EnergyTotals struct {
	ImportedWH float64 `json:"importedWH"`
	ExportedWH float64 `json:"exportedWH"`
}

// Add returns the sum of two totals.
func (t EnergyTotals) Add(o EnergyTotals) EnergyTotals {
	return EnergyTotals{
		ImportedWH: t.ImportedWH + o.ImportedWH,
		ExportedWH: t.ExportedWH + o.ExportedWH,
	}
}

// Scale returns the totals with both directions multiplied by factor.
func (t EnergyTotals) Scale(factor float64) EnergyTotals {
	return EnergyTotals{
		ImportedWH: t.ImportedWH * factor,
		ExportedWH: t.ExportedWH * factor,
	}
}

// Net returns the signed net energy (import minus export) in watt-hours.
func (t EnergyTotals) Net() float64 {
	return t.ImportedWH - t.ExportedWH
}

// Correction is the audit record of one closed correction window.
type Correction struct {
	Timestamp time.Time `json:"timestamp"`

	// Factor is the clamped multiplier that was applied to the window.
	Factor float64 `json:"factor"`
	// Clamped is true when the raw ratio fell outside the configured bounds.
	Clamped bool `json:"clamped,omitempty"`
	// Degenerate is true when the window carried no usable integrated signal
	// and the factor was forced to 1.0.
	Degenerate bool `json:"degenerate,omitempty"`

	// RefNetWH is the signed net reference-counter delta over the window.
	RefNetWH float64 `json:"refNetWH"`
	// IntegratedNetWH is the signed net integrated delta over the window.
	IntegratedNetWH float64 `json:"integratedNetWH"`

	// Window holds the uncorrected integrated window totals.
	Window EnergyTotals `json:"window"`
	// Applied holds the corrected window totals folded into the lifetime
	// totals.
	Applied EnergyTotals `json:"applied"`
	// Totals holds the lifetime totals after the correction.
	Totals EnergyTotals `json:"totals"`
}
