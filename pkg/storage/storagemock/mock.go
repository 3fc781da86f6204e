package storagemock

import (
	"context"
	"time"

	"github.com/chackl1990/shelly-pro-3em-net-metering-phase/pkg/storage"
	"github.com/chackl1990/shelly-pro-3em-net-metering-phase/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) GetTotals(ctx context.Context) (types.EnergyTotals, int, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		return args.Get(0).(types.EnergyTotals), args.Int(1), args.Error(2)
	}
	return types.EnergyTotals{}, 0, nil
}

func (m *MockDatabase) SetTotals(ctx context.Context, totals types.EnergyTotals, version int) error {
	args := m.Called(ctx, totals, version)
	return args.Error(0)
}

func (m *MockDatabase) InsertCorrection(ctx context.Context, correction types.Correction, version int) error {
	args := m.Called(ctx, correction, version)
	return args.Error(0)
}

func (m *MockDatabase) GetCorrectionHistory(ctx context.Context, start, end time.Time) ([]types.Correction, error) {
	args := m.Called(ctx, start, end)
	if len(args) > 0 {
		return args.Get(0).([]types.Correction), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) GetLatestCorrection(ctx context.Context) (*types.Correction, error) {
	args := m.Called(ctx)
	val := args.Get(0)
	if val == nil {
		return nil, args.Error(1)
	}
	return val.(*types.Correction), args.Error(1)
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
