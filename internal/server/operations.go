package server

import (
	"context"
	"errors"
	"net/http"

	"fundrails/internal/dlq"
	"fundrails/internal/logger"
	"fundrails/internal/reconcile"
	"fundrails/internal/scheduler"

	"go.uber.org/zap"
)

type scanResponse struct {
	Status string                `json:"status"`
	Report *reconcile.TickReport `json:"report,omitempty"`
	Error  string                `json:"error,omitempty"`
}

// handleForceScan runs one tick under the scan task's guard, so a trigger
// while a scheduled tick is running is reported as skipped.
func (s *Server) handleForceScan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx, s.log)

	var report reconcile.TickReport
	err := s.deps.ScanTask.RunWith(ctx, func(ctx context.Context) error {
		var runErr error
		report, runErr = s.deps.Scanner.RunScanTick(ctx)
		return runErr
	})

	switch {
	case errors.Is(err, scheduler.ErrSkipped):
		writeJSON(w, http.StatusConflict, scanResponse{Status: "skipped"})
	case errors.Is(err, reconcile.ErrSourceUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, scanResponse{Status: "source_unavailable", Error: err.Error()})
	case errors.Is(err, reconcile.ErrWindowHeld):
		log.Warn("forced scan held window", zap.Error(err))
		writeJSON(w, http.StatusOK, scanResponse{Status: "held", Report: &report, Error: err.Error()})
	case err != nil:
		log.Error("forced scan failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, scanResponse{Status: "error", Error: err.Error()})
	default:
		writeJSON(w, http.StatusOK, scanResponse{Status: "completed", Report: &report})
	}
}

func (s *Server) handleSettlementFailures(w http.ResponseWriter, r *http.Request) {
	records, err := s.deps.Failures.List()
	if err != nil {
		logger.FromContext(r.Context(), s.log).Error("list settlement failures", zap.Error(err))
		writeError(w, http.StatusInternalServerError, errors.New("failed to list settlement failures"))
		return
	}
	if records == nil {
		records = []dlq.Record{}
	}
	s.metrics.SetDeadLetterDepth(len(records))
	writeJSON(w, http.StatusOK, struct {
		Failures []dlq.Record `json:"failures"`
		Count    int          `json:"count"`
	}{records, len(records)})
}
