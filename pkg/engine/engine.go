package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/chackl1990/shelly-pro-3em-net-metering-phase/pkg/log"
	"github.com/chackl1990/shelly-pro-3em-net-metering-phase/pkg/meter"
	"github.com/chackl1990/shelly-pro-3em-net-metering-phase/pkg/storage"
	"github.com/chackl1990/shelly-pro-3em-net-metering-phase/pkg/totalizer"
	"github.com/chackl1990/shelly-pro-3em-net-metering-phase/pkg/types"
	"github.com/levenlabs/go-lflag"
)

// Engine drives the totalizer: on every tick it feeds one power sample into
// the accumulator and one reference-counter reading into the corrector. All
// state mutation happens inside Step under one mutex, so the core itself
// never needs locking.
type Engine struct {
	mu sync.Mutex

	meter   meter.Meter
	storage storage.Database

	acc  *totalizer.Accumulator
	corr *totalizer.Corrector

	cfg      totalizer.Config
	interval time.Duration
}

// Status is a point-in-time view of the engine for the HTTP API.
type Status struct {
	Totals    types.EnergyTotals `json:"totals"`
	Window    types.EnergyTotals `json:"window"`
	Corrector totalizer.Snapshot `json:"corrector"`
}

// Configured initializes the Engine with dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(m meter.Meter, db storage.Database) *Engine {
	e := &Engine{
		meter:   m,
		storage: db,
		acc:     totalizer.NewAccumulator(),
	}

	def := totalizer.DefaultConfig()
	interval := lflag.Duration("tick-interval", 500*time.Millisecond, "Nominal period between integration ticks")
	settle := lflag.Duration("settle-duration", def.SettleDuration, "Quiet period the reference counters must hold before a correction is applied")
	minFactor := def.MinFactor
	maxFactor := def.MaxFactor
	epsilon := def.EpsilonWH
	lflag.JSON(&minFactor, "factor-min", minFactor, "Lower clamp bound for the correction factor")
	lflag.JSON(&maxFactor, "factor-max", maxFactor, "Upper clamp bound for the correction factor")
	lflag.JSON(&epsilon, "epsilon-wh", epsilon, "Net integrated energy (Wh) below which a window passes through uncorrected")

	lflag.Do(func() {
		e.interval = *interval
		e.cfg = totalizer.Config{
			SettleDuration: *settle,
			EpsilonWH:      epsilon,
			MinFactor:      minFactor,
			MaxFactor:      maxFactor,
		}
		if e.interval <= 0 {
			panic(fmt.Sprintf("invalid tick-interval: %s", e.interval))
		}
		if minFactor <= 0 || maxFactor < minFactor {
			panic(fmt.Sprintf("invalid factor clamp bounds [%v, %v]", minFactor, maxFactor))
		}
	})

	return e
}

// New returns an Engine wired directly, bypassing flags. Used in tests.
func New(m meter.Meter, db storage.Database, cfg totalizer.Config, interval time.Duration) *Engine {
	return &Engine{
		meter:    m,
		storage:  db,
		acc:      totalizer.NewAccumulator(),
		cfg:      cfg,
		interval: interval,
	}
}

// Init loads the persisted lifetime totals and attempts to establish the
// reference baseline from the first available reading. If the reference is
// unavailable the baseline is established by the first successful tick
// instead; the state transitions are identical either way.
func (e *Engine) Init(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	totals, version, err := e.storage.GetTotals(ctx)
	if err != nil {
		return fmt.Errorf("failed to load lifetime totals: %w", err)
	}
	log.Ctx(ctx).InfoContext(ctx, "loaded lifetime totals",
		slog.Float64("importedWH", totals.ImportedWH),
		slog.Float64("exportedWH", totals.ExportedWH),
		slog.Int("version", version),
	)

	e.corr = totalizer.NewCorrector(e.cfg, totals, e.storeTotals)

	ref, err := e.meter.ReadCounters(ctx)
	if err != nil || !finiteReading(ref) {
		log.Ctx(ctx).WarnContext(ctx, "reference counters unavailable at startup, deferring baseline to first tick", slog.Any("error", err))
		return nil
	}
	e.corr.Observe(ctx, time.Now(), ref, e.acc)
	return nil
}

func (e *Engine) storeTotals(ctx context.Context, totals types.EnergyTotals) error {
	return e.storage.SetTotals(ctx, totals, types.CurrentTotalsVersion)
}

// Run starts the periodic driver and blocks until the context is canceled.
// Ticks are driven by real elapsed time; a slow step simply consumes the
// ticks it missed, so steps never overlap.
func (e *Engine) Run(ctx context.Context) error {
	if e.corr == nil {
		if err := e.Init(ctx); err != nil {
			return err
		}
	}

	log.Ctx(ctx).InfoContext(ctx, "totalizer started", slog.Duration("interval", e.interval))

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Ctx(ctx).InfoContext(ctx, "totalizer stopped")
			return nil
		case now := <-ticker.C:
			e.Step(ctx, now)
		}
	}
}

// Step performs one combined tick: integrate one power sample, then feed one
// reference reading to the corrector. Sampling failures degrade that tick to
// a zero-energy interval; they never stop the loop.
func (e *Engine) Step(ctx context.Context, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sample, err := e.meter.ReadPower(ctx)
	if err != nil {
		slog.WarnContext(ctx, "power reading unavailable", slog.Any("error", err))
		sample = types.PowerSample{}
	}
	e.acc.Integrate(now, sample)

	ref, err := e.meter.ReadCounters(ctx)
	if err != nil {
		slog.WarnContext(ctx, "reference counters unavailable", slog.Any("error", err))
		return
	}
	if !finiteReading(ref) {
		slog.WarnContext(ctx, "reference counters non-finite",
			slog.Float64("importedWH", ref.ImportedWH),
			slog.Float64("exportedWH", ref.ExportedWH),
		)
		return
	}

	if corr := e.corr.Observe(ctx, now, ref, e.acc); corr != nil {
		if err := e.storage.InsertCorrection(ctx, *corr, types.CurrentCorrectionVersion); err != nil {
			slog.ErrorContext(ctx, "failed to insert correction record", slog.Any("error", err))
		}
	}
}

// Status returns a snapshot of the current totals and corrector state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Status{Window: e.acc.Window()}
	if e.corr != nil {
		s.Totals = e.corr.Lifetime()
		s.Corrector = e.corr.Snapshot()
	}
	return s
}

// OverrideTotals administratively replaces the lifetime totals and persists
// them. The current window stays open; subsequent corrections fold on top of
// the new totals.
func (e *Engine) OverrideTotals(ctx context.Context, totals types.EnergyTotals) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.corr == nil {
		return fmt.Errorf("engine not initialized")
	}
	if totals.ImportedWH < 0 || totals.ExportedWH < 0 {
		return fmt.Errorf("totals must be non-negative")
	}
	return e.corr.ResetLifetime(ctx, totals)
}

func finiteReading(r types.ReferenceReading) bool {
	return !math.IsNaN(r.ImportedWH) && !math.IsInf(r.ImportedWH, 0) &&
		!math.IsNaN(r.ExportedWH) && !math.IsInf(r.ExportedWH, 0)
}
