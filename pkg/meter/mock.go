package meter

import (
	"context"
	"sync"
	"time"

	"github.com/chackl1990/shelly-pro-3em-net-metering-phase/pkg/types"
)

// Mock is an in-memory meter used in tests and for dry runs without a
// physical device. Power and counter values are scripted by the caller.
type Mock struct {
	mu sync.Mutex

	watts      float64
	powerValid bool
	powerErr   error

	importedWH  float64
	exportedWH  float64
	countersErr error
}

// NewMock returns a Mock reporting zero power and zero counters.
func NewMock() *Mock {
	return &Mock{powerValid: true}
}

// SetPower sets the instantaneous power returned by ReadPower.
func (m *Mock) SetPower(watts float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watts = watts
	m.powerValid = true
	m.powerErr = nil
}

// SetPowerUnavailable makes ReadPower fail until SetPower is called again.
func (m *Mock) SetPowerUnavailable(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.powerErr = err
}

// SetCounters sets the absolute energy counters returned by ReadCounters.
func (m *Mock) SetCounters(importedWH, exportedWH float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.importedWH = importedWH
	m.exportedWH = exportedWH
	m.countersErr = nil
}

// AdvanceCounters moves the counters forward by the given deltas.
func (m *Mock) AdvanceCounters(importedWH, exportedWH float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.importedWH += importedWH
	m.exportedWH += exportedWH
}

// SetCountersUnavailable makes ReadCounters fail until SetCounters is called
// again.
func (m *Mock) SetCountersUnavailable(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.countersErr = err
}

// ReadPower implements Meter.
func (m *Mock) ReadPower(ctx context.Context) (types.PowerSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.powerErr != nil {
		return types.PowerSample{}, m.powerErr
	}
	return types.PowerSample{
		Timestamp: time.Now(),
		Watts:     m.watts,
		Valid:     m.powerValid,
	}, nil
}

// ReadCounters implements Meter.
func (m *Mock) ReadCounters(ctx context.Context) (types.ReferenceReading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.countersErr != nil {
		return types.ReferenceReading{}, m.countersErr
	}
	return types.ReferenceReading{
		Timestamp:  time.Now(),
		ImportedWH: m.importedWH,
		ExportedWH: m.exportedWH,
	}, nil
}
