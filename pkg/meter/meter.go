package meter

import (
	"context"
	"fmt"

	"github.com/chackl1990/shelly-pro-3em-net-metering-phase/pkg/types"
	"github.com/levenlabs/go-lflag"
)

// Meter defines the interface for reading the power meter backing the
// totalizer: the fast instantaneous power signal and the slow absolute
// energy counters used as the drift-correction reference.
type Meter interface {
	// ReadPower returns the current instantaneous total active power.
	// An error means the reading is unavailable for this tick.
	ReadPower(ctx context.Context) (types.PowerSample, error)

	// ReadCounters returns the meter's absolute per-direction energy
	// counters in watt-hours. An error means the counters are unavailable
	// for this tick.
	ReadCounters(ctx context.Context) (types.ReferenceReading, error)
}

// Configured sets up the meter provider based on flags.
func Configured() Meter {
	provider := lflag.String("meter-provider", "shelly", "Meter provider to use (available: shelly, mock)")

	var m struct{ Meter }

	sh := configuredShelly()

	lflag.Do(func() {
		switch *provider {
		case "shelly":
			if err := sh.Validate(); err != nil {
				panic(fmt.Sprintf("shelly validation failed: %v", err))
			}
			m.Meter = sh
		case "mock":
			m.Meter = NewMock()
		default:
			panic(fmt.Sprintf("unknown meter provider: %s", *provider))
		}
	})

	return &m
}
