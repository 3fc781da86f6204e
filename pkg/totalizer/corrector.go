package totalizer

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/chackl1990/shelly-pro-3em-net-metering-phase/pkg/types"
)

// Config holds the tunables of the drift corrector. The defaults match the
// behavior the Shelly reference counters were calibrated against; deployments
// with noisier meters can widen or tighten the clamp via flags.
type Config struct {
	// SettleDuration is how long the reference counters must stay unchanged
	// after a detected change before a correction is applied.
	SettleDuration time.Duration

	// EpsilonWH guards the factor computation: windows whose net integrated
	// energy is within this many watt-hours of zero pass through uncorrected,
	// and raw factors at or below this value are treated as degenerate.
	EpsilonWH float64

	// MinFactor and MaxFactor clamp the correction factor so a single
	// anomalous reference window cannot produce a runaway adjustment.
	MinFactor float64
	MaxFactor float64
}

// DefaultConfig returns the stock corrector tunables.
func DefaultConfig() Config {
	return Config{
		SettleDuration: 5 * time.Second,
		EpsilonWH:      0.001,
		MinFactor:      0.1,
		MaxFactor:      10.0,
	}
}

// StoreFunc persists the lifetime totals. It is called synchronously inside
// every successful correction, before the corrector returns.
type StoreFunc func(ctx context.Context, totals types.EnergyTotals) error

// Corrector watches the coarse reference counters, detects when they change,
// waits for them to settle, and folds the correction-scaled window totals
// into the lifetime totals. It owns the lifetime totals exclusively.
type Corrector struct {
	cfg   Config
	store StoreFunc

	lifetime types.EnergyTotals

	baselineSet bool
	baseline    types.ReferenceReading
	lastSeen    types.ReferenceReading

	changed        bool
	lastChange     time.Time
	lastCorrection time.Time
}

// NewCorrector returns a Corrector seeded with the persisted lifetime totals.
// Zero-valued Config fields fall back to the defaults.
func NewCorrector(cfg Config, lifetime types.EnergyTotals, store StoreFunc) *Corrector {
	def := DefaultConfig()
	if cfg.SettleDuration <= 0 {
		cfg.SettleDuration = def.SettleDuration
	}
	if cfg.EpsilonWH <= 0 {
		cfg.EpsilonWH = def.EpsilonWH
	}
	if cfg.MinFactor <= 0 {
		cfg.MinFactor = def.MinFactor
	}
	if cfg.MaxFactor <= 0 {
		cfg.MaxFactor = def.MaxFactor
	}
	return &Corrector{
		cfg:      cfg,
		store:    store,
		lifetime: lifetime,
	}
}

// Lifetime returns the current lifetime totals.
func (c *Corrector) Lifetime() types.EnergyTotals {
	return c.lifetime
}

// Snapshot describes the corrector state for the status API.
type Snapshot struct {
	Lifetime       types.EnergyTotals      `json:"lifetime"`
	Baseline       *types.ReferenceReading `json:"baseline,omitempty"`
	PendingChange  bool                    `json:"pendingChange"`
	LastChange     time.Time               `json:"lastChange,omitzero"`
	LastCorrection time.Time               `json:"lastCorrection,omitzero"`
}

// ResetLifetime replaces the lifetime totals and persists them. This is the
// administrative seed path, never used by the correction loop.
func (c *Corrector) ResetLifetime(ctx context.Context, totals types.EnergyTotals) error {
	c.lifetime = totals
	if c.store != nil {
		return c.store(ctx, totals)
	}
	return nil
}

// Snapshot returns a copy of the corrector's observable state.
func (c *Corrector) Snapshot() Snapshot {
	s := Snapshot{
		Lifetime:       c.lifetime,
		PendingChange:  c.changed,
		LastChange:     c.lastChange,
		LastCorrection: c.lastCorrection,
	}
	if c.baselineSet {
		b := c.baseline
		s.Baseline = &b
	}
	return s
}

// Observe consumes one reference-counter reading. The engine skips the call
// entirely on ticks where the reference is unavailable, so every reading seen
// here is finite and present.
//
// When the stability condition is met it closes the window: computes the
// bounded correction factor, folds the corrected window totals into the
// lifetime totals, persists them, and opens the next window against the
// current reading. It returns the audit record of the correction, or nil if
// no window was closed this tick.
func (c *Corrector) Observe(ctx context.Context, now time.Time, reading types.ReferenceReading, acc *Accumulator) *types.Correction {
	if !c.baselineSet {
		c.openWindow(now, reading, acc)
		slog.InfoContext(ctx, "reference baseline established",
			slog.Float64("importedWH", reading.ImportedWH),
			slog.Float64("exportedWH", reading.ExportedWH),
		)
		return nil
	}

	if !reading.Equal(c.lastSeen) {
		c.changed = true
		c.lastChange = now
		c.lastSeen = reading
		slog.DebugContext(ctx, "reference counters changed",
			slog.Float64("importedWH", reading.ImportedWH),
			slog.Float64("exportedWH", reading.ExportedWH),
		)
	}

	if !c.changed {
		// still mid-window
		return nil
	}
	if now.Sub(c.lastChange) < c.cfg.SettleDuration {
		// still settling; the reference update may arrive in multiple steps
		return nil
	}

	window := acc.Window()
	refNet := (reading.ImportedWH - c.baseline.ImportedWH) - (reading.ExportedWH - c.baseline.ExportedWH)
	intNet := window.Net()

	factor, clamped, degenerate := c.factor(refNet, intNet)
	applied := window.Scale(factor)
	c.lifetime = c.lifetime.Add(applied)

	slog.InfoContext(ctx, "correction applied",
		slog.Float64("factor", factor),
		slog.Bool("clamped", clamped),
		slog.Bool("degenerate", degenerate),
		slog.Float64("refNetWH", refNet),
		slog.Float64("integratedNetWH", intNet),
		slog.Float64("lifetimeImportedWH", c.lifetime.ImportedWH),
		slog.Float64("lifetimeExportedWH", c.lifetime.ExportedWH),
	)

	if c.store != nil {
		// must be attempted before returning so a crash right after cannot
		// silently drop the window; a failed write is not rolled back and the
		// next successful write carries the already-advanced totals
		if err := c.store(ctx, c.lifetime); err != nil {
			slog.ErrorContext(ctx, "failed to persist lifetime totals", slog.Any("error", err))
		}
	}

	corr := &types.Correction{
		Timestamp:       now,
		Factor:          factor,
		Clamped:         clamped,
		Degenerate:      degenerate,
		RefNetWH:        refNet,
		IntegratedNetWH: intNet,
		Window:          window,
		Applied:         applied,
		Totals:          c.lifetime,
	}

	c.openWindow(now, reading, acc)
	c.lastCorrection = now
	acc.Rebase(now)

	return corr
}

// openWindow starts a new correction window against the given reading.
func (c *Corrector) openWindow(now time.Time, reading types.ReferenceReading, acc *Accumulator) {
	c.baselineSet = true
	c.baseline = reading
	c.lastSeen = reading
	c.changed = false
	c.lastChange = now
	acc.ResetWindow()
}

// factor computes the bounded correction factor for one window. Windows with
// negligible integrated signal, or whose raw ratio is non-finite or
// non-positive (reference resets, sign flips), pass through with factor 1.0.
func (c *Corrector) factor(refNet, intNet float64) (factor float64, clamped, degenerate bool) {
	if math.IsNaN(intNet) || math.IsInf(intNet, 0) || math.Abs(intNet) <= c.cfg.EpsilonWH {
		return 1.0, false, true
	}
	f := refNet / intNet
	if math.IsNaN(f) || math.IsInf(f, 0) || f <= c.cfg.EpsilonWH {
		return 1.0, false, true
	}
	if f < c.cfg.MinFactor {
		return c.cfg.MinFactor, true, false
	}
	if f > c.cfg.MaxFactor {
		return c.cfg.MaxFactor, true, false
	}
	return f, false, false
}
