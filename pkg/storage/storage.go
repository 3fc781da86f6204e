package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chackl1990/shelly-pro-3em-net-metering-phase/pkg/types"
	"github.com/levenlabs/go-lflag"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")
)

// Database defines the interface for persisting the lifetime energy totals
// and the correction audit history.
type Database interface {
	// GetTotals returns the last persisted lifetime totals and their version.
	// A store with no totals yet returns zero totals and no error.
	GetTotals(ctx context.Context) (types.EnergyTotals, int, error)
	// SetTotals persists the lifetime totals. The write must be durable
	// before the next correction may safely overwrite it.
	SetTotals(ctx context.Context, totals types.EnergyTotals, version int) error

	// InsertCorrection adds one correction audit record.
	InsertCorrection(ctx context.Context, correction types.Correction, version int) error
	// GetCorrectionHistory returns correction records within [start, end).
	GetCorrectionHistory(ctx context.Context, start, end time.Time) ([]types.Correction, error)
	// GetLatestCorrection returns the most recent correction record, or
	// ErrNotFound if none exists.
	GetLatestCorrection(ctx context.Context) (*types.Correction, error)

	// Lifecycle
	Close() error
}

// Configured sets up the Storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "firestore", "Storage provider to use (available: firestore)")

	var p struct{ Database }

	fs := configuredFirestore()

	lflag.Do(func() {
		switch *provider {
		case "firestore":
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("firestore validation failed: %v", err))
			}
			p.Database = fs
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}
