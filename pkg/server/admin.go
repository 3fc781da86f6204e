package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/chackl1990/shelly-pro-3em-net-metering-phase/pkg/types"
)

type setTotalsRequest struct {
	Totals types.EnergyTotals `json:"totals"`
}

// handleSetTotals replaces the persisted lifetime totals. This is intended
// for seeding a fresh install from the meter's own counters or for correcting
// operator mistakes and requires an admin id token.
func (s *Server) handleSetTotals(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if len(s.adminEmails) == 0 || s.adminAudience == "" {
		slog.WarnContext(ctx, "totals override attempted without admin auth configured")
		writeJSONError(w, "overrides not enabled", http.StatusForbidden)
		return
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		writeJSONError(w, "missing authorization header", http.StatusUnauthorized)
		return
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		writeJSONError(w, "invalid authorization header", http.StatusUnauthorized)
		return
	}

	payload, err := s.tokenValidator(ctx, parts[1], s.adminAudience)
	if err != nil {
		slog.WarnContext(ctx, "failed to validate id token", slog.Any("error", err))
		writeJSONError(w, "invalid id token", http.StatusUnauthorized)
		return
	}

	email, ok := payload.Claims["email"].(string)
	if !ok {
		slog.WarnContext(ctx, "invalid email in id token")
		writeJSONError(w, "invalid token claims", http.StatusForbidden)
		return
	}

	if !s.isAdmin(email) {
		slog.WarnContext(ctx, "unauthorized email for totals override", slog.String("email", email))
		writeJSONError(w, "unauthorized email", http.StatusForbidden)
		return
	}
	slog.DebugContext(ctx, "totals override: authorized", slog.String("email", email))

	var req setTotalsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if req.Totals.ImportedWH < 0 || req.Totals.ExportedWH < 0 {
		writeJSONError(w, "totals must be non-negative", http.StatusBadRequest)
		return
	}

	if err := s.engine.OverrideTotals(ctx, req.Totals); err != nil {
		slog.ErrorContext(ctx, "failed to override totals", slog.Any("error", err))
		writeJSONError(w, "failed to override totals: "+err.Error(), http.StatusInternalServerError)
		return
	}

	slog.InfoContext(
		ctx,
		"totals overridden",
		slog.String("email", email),
		slog.Float64("importedWH", req.Totals.ImportedWH),
		slog.Float64("exportedWH", req.Totals.ExportedWH),
	)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "success",
		"totals": req.Totals,
	}); err != nil {
		panic(http.ErrAbortHandler)
	}
}
