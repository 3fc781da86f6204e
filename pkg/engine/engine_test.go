package engine

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/chackl1990/shelly-pro-3em-net-metering-phase/pkg/meter"
	"github.com/chackl1990/shelly-pro-3em-net-metering-phase/pkg/storage"
	"github.com/chackl1990/shelly-pro-3em-net-metering-phase/pkg/storage/storagemock"
	"github.com/chackl1990/shelly-pro-3em-net-metering-phase/pkg/totalizer"
	"github.com/chackl1990/shelly-pro-3em-net-metering-phase/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestEngine(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	newEngine := func(m *meter.Mock, db *storagemock.MockDatabase) *Engine {
		return New(m, db, totalizer.DefaultConfig(), 500*time.Millisecond)
	}

	t.Run("Init Loads Totals And Establishes Baseline", func(t *testing.T) {
		m := meter.NewMock()
		m.SetCounters(2000, 800)
		db := &storagemock.MockDatabase{}
		db.On("GetTotals", mock.Anything).Return(types.EnergyTotals{ImportedWH: 1000, ExportedWH: 500}, types.CurrentTotalsVersion, nil)

		e := newEngine(m, db)
		require.NoError(t, e.Init(ctx))

		status := e.Status()
		assert.Equal(t, 1000.0, status.Totals.ImportedWH)
		assert.Equal(t, 500.0, status.Totals.ExportedWH)
		require.NotNil(t, status.Corrector.Baseline)
		assert.Equal(t, 2000.0, status.Corrector.Baseline.ImportedWH)
		db.AssertExpectations(t)
	})

	t.Run("Init Defers Baseline When Reference Unavailable", func(t *testing.T) {
		m := meter.NewMock()
		m.SetCountersUnavailable(errors.New("device offline"))
		db := &storagemock.MockDatabase{}
		db.On("GetTotals", mock.Anything).Return(types.EnergyTotals{}, 0, nil)

		e := newEngine(m, db)
		require.NoError(t, e.Init(ctx))
		assert.Nil(t, e.Status().Corrector.Baseline)

		// first successful tick establishes the baseline
		m.SetCounters(10, 20)
		e.Step(ctx, base)
		require.NotNil(t, e.Status().Corrector.Baseline)
		assert.Equal(t, 10.0, e.Status().Corrector.Baseline.ImportedWH)
	})

	t.Run("Init Propagates Storage Failure", func(t *testing.T) {
		m := meter.NewMock()
		db := &storagemock.MockDatabase{}
		db.On("GetTotals", mock.Anything).Return(types.EnergyTotals{}, 0, errors.New("firestore down"))

		e := newEngine(m, db)
		require.Error(t, e.Init(ctx))
	})

	t.Run("Unavailable Power Degrades To Zero-Energy Tick", func(t *testing.T) {
		m := meter.NewMock()
		m.SetCounters(0, 0)
		db := &storagemock.MockDatabase{}
		db.On("GetTotals", mock.Anything).Return(types.EnergyTotals{}, 0, nil)

		e := newEngine(m, db)
		require.NoError(t, e.Init(ctx))

		e.Step(ctx, base)
		m.SetPowerUnavailable(errors.New("timeout"))
		e.Step(ctx, base.Add(time.Hour))
		assert.Equal(t, types.EnergyTotals{}, e.Status().Window)

		// the hour after the outage integrates normally
		m.SetPower(1000)
		e.Step(ctx, base.Add(2*time.Hour))
		assert.InDelta(t, 1000.0, e.Status().Window.ImportedWH, 1e-9)
	})

	t.Run("End To End Correction Scenario", func(t *testing.T) {
		m := meter.NewMock()
		m.SetCounters(2000, 800)
		db := &storagemock.MockDatabase{}
		db.On("GetTotals", mock.Anything).Return(types.EnergyTotals{ImportedWH: 1000, ExportedWH: 500}, types.CurrentTotalsVersion, nil)
		db.On("SetTotals", mock.Anything, mock.MatchedBy(func(totals types.EnergyTotals) bool {
			return math.Abs(totals.ImportedWH-1001) < 1e-9 && totals.ExportedWH == 500
		}), types.CurrentTotalsVersion).Return(nil)
		db.On("InsertCorrection", mock.Anything, mock.Anything, types.CurrentCorrectionVersion).Return(nil)

		e := newEngine(m, db)
		require.NoError(t, e.Init(ctx))

		// anchor, then integrate 1000 W over 1800 ms -> 0.5 Wh window
		m.SetPower(1000)
		e.Step(ctx, base)
		e.Step(ctx, base.Add(1800*time.Millisecond))
		assert.InDelta(t, 0.5, e.Status().Window.ImportedWH, 1e-9)
		m.SetPower(0)

		// reference moves +1 Wh import at 4s and stays stable
		m.SetCounters(2001, 800)
		e.Step(ctx, base.Add(4*time.Second))
		e.Step(ctx, base.Add(9*time.Second))

		status := e.Status()
		assert.InDelta(t, 1001.0, status.Totals.ImportedWH, 1e-9)
		assert.InDelta(t, 500.0, status.Totals.ExportedWH, 1e-9)
		assert.Equal(t, types.EnergyTotals{}, status.Window, "window must reset after the correction")
		db.AssertExpectations(t)
	})

	t.Run("Correction Record Insert Failure Is Non-Fatal", func(t *testing.T) {
		m := meter.NewMock()
		m.SetCounters(0, 0)
		db := &storagemock.MockDatabase{}
		db.On("GetTotals", mock.Anything).Return(types.EnergyTotals{}, 0, nil)
		db.On("SetTotals", mock.Anything, mock.Anything, mock.Anything).Return(nil)
		db.On("InsertCorrection", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("write failed"))

		e := newEngine(m, db)
		require.NoError(t, e.Init(ctx))

		m.SetPower(1000)
		e.Step(ctx, base)
		e.Step(ctx, base.Add(time.Hour))
		m.SetCounters(1000, 0)
		e.Step(ctx, base.Add(time.Hour+time.Second))
		e.Step(ctx, base.Add(time.Hour+7*time.Second))

		assert.Greater(t, e.Status().Totals.ImportedWH, 0.0, "totals advance despite audit write failure")
	})

	t.Run("OverrideTotals Persists And Updates State", func(t *testing.T) {
		m := meter.NewMock()
		m.SetCounters(0, 0)
		db := &storagemock.MockDatabase{}
		db.On("GetTotals", mock.Anything).Return(types.EnergyTotals{}, 0, nil)
		db.On("SetTotals", mock.Anything, types.EnergyTotals{ImportedWH: 5000, ExportedWH: 100}, types.CurrentTotalsVersion).Return(nil)

		e := newEngine(m, db)
		require.NoError(t, e.Init(ctx))

		require.NoError(t, e.OverrideTotals(ctx, types.EnergyTotals{ImportedWH: 5000, ExportedWH: 100}))
		assert.Equal(t, 5000.0, e.Status().Totals.ImportedWH)
		db.AssertExpectations(t)

		assert.Error(t, e.OverrideTotals(ctx, types.EnergyTotals{ImportedWH: -1}), "negative totals rejected")
	})

	t.Run("Run Stops On Context Cancel", func(t *testing.T) {
		m := meter.NewMock()
		m.SetCounters(0, 0)
		db := &storagemock.MockDatabase{}
		db.On("GetTotals", mock.Anything).Return(types.EnergyTotals{}, 0, nil)

		e := New(m, db, totalizer.DefaultConfig(), 10*time.Millisecond)
		require.NoError(t, e.Init(ctx))

		runCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()

		done := make(chan error, 1)
		go func() { done <- e.Run(runCtx) }()

		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("Run did not stop after context cancellation")
		}
	})
}

// ensure the mock meter satisfies the interface used by the engine
var _ meter.Meter = (*meter.Mock)(nil)

// ensure the firestore-backed mock satisfies storage.Database
var _ storage.Database = (*storagemock.MockDatabase)(nil)
