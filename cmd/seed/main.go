package main

import (
	"context"
	"math/rand"
	"os"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/chackl1990/shelly-pro-3em-net-metering-phase/pkg/log"
	"github.com/chackl1990/shelly-pro-3em-net-metering-phase/pkg/storage"
	"github.com/chackl1990/shelly-pro-3em-net-metering-phase/pkg/types"
)

// Seeds the Firestore emulator with lifetime totals and a day of synthetic
// correction history so the API has something to serve during development.
func main() {
	os.Setenv("FIRESTORE_EMULATOR_HOST", "127.0.0.1:8087")
	s := storage.Configured()
	lflag.Configure()

	ctx := context.Background()

	log.Ctx(ctx).InfoContext(ctx, "seeding mock data")

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	now := time.Now()
	start := now.Truncate(24 * time.Hour)

	// Simulated household: imports overnight and in the evening, exports
	// solar surplus around midday.
	totals := types.EnergyTotals{ImportedWH: 1_250_000, ExportedWH: 430_000}

	// Corrections land roughly every 10 minutes while energy is flowing.
	for t := start; t.Before(now); t = t.Add(10 * time.Minute) {
		hour := t.Hour()

		// average power for this slice, negative means exporting
		watts := 400.0 + rng.Float64()*300
		if hour >= 10 && hour < 15 {
			watts = -1500 - rng.Float64()*2000 // solar surplus
		} else if hour >= 17 && hour < 21 {
			watts = 2500 + rng.Float64()*1500 // evening load
		}

		sliceWH := watts * 10 / 60
		var window types.EnergyTotals
		if sliceWH >= 0 {
			window.ImportedWH = sliceWH
		} else {
			window.ExportedWH = -sliceWH
		}

		// the fine integration drifts a few percent off the meter's counters
		factor := 1.0 + (rng.Float64()*0.06 - 0.03)
		applied := window.Scale(factor)
		totals = totals.Add(applied)

		correction := types.Correction{
			Timestamp:       t,
			Factor:          factor,
			RefNetWH:        applied.Net(),
			IntegratedNetWH: window.Net(),
			Window:          window,
			Applied:         applied,
			Totals:          totals,
		}
		if err := s.InsertCorrection(ctx, correction, types.CurrentCorrectionVersion); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to insert correction", "error", err)
			os.Exit(1)
		}
	}

	if err := s.SetTotals(ctx, totals, types.CurrentTotalsVersion); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to set totals", "error", err)
		os.Exit(1)
	}

	log.Ctx(ctx).InfoContext(ctx, "seeded mock data",
		"importedWH", totals.ImportedWH,
		"exportedWH", totals.ExportedWH,
	)

	if err := s.Close(); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
	}
}
