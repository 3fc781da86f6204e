package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/chackl1990/shelly-pro-3em-net-metering-phase/pkg/log"
	"github.com/chackl1990/shelly-pro-3em-net-metering-phase/pkg/storage"
	"github.com/chackl1990/shelly-pro-3em-net-metering-phase/pkg/totalizer"
	"github.com/chackl1990/shelly-pro-3em-net-metering-phase/pkg/types"
)

type statusResponse struct {
	Totals         types.EnergyTotals `json:"totals"`
	Window         types.EnergyTotals `json:"window"`
	Corrector      totalizer.Snapshot `json:"corrector"`
	LastCorrection *types.Correction  `json:"lastCorrection,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status := s.engine.Status()

	lastCorrection, err := s.storage.GetLatestCorrection(ctx)
	if err != nil {
		lastCorrection = nil
		if !errors.Is(err, storage.ErrNotFound) {
			log.Ctx(ctx).WarnContext(ctx, "failed to get latest correction", slog.Any("error", err))
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(statusResponse{
		Totals:         status.Totals,
		Window:         status.Window,
		Corrector:      status.Corrector,
		LastCorrection: lastCorrection,
	}); err != nil {
		panic(http.ErrAbortHandler)
	}
}
