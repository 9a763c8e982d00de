package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"bronco-trade-agent-go/internal/models"
	"bronco-trade-agent-go/internal/report"
	"go.uber.org/zap"
)

// DecisionLog lists decision records, newest first.
type DecisionLog interface {
	List(ctx context.Context, instrument string, limit int) ([]models.DecisionRecord, error)
}

// APIHandler holds dependencies for the API endpoints.
type APIHandler struct {
	log       *zap.Logger
	decisions DecisionLog
	now       func() time.Time
}

// NewAPIHandler creates a new APIHandler.
func NewAPIHandler(log *zap.Logger, decisions DecisionLog) *APIHandler {
	return &APIHandler{log: log, decisions: decisions, now: time.Now}
}

// DecisionsHandler returns the decision records, optionally for one instrument.
func (h *APIHandler) DecisionsHandler(w http.ResponseWriter, r *http.Request) {
	records, err := h.decisions.List(r.Context(), r.URL.Query().Get("instrument"), 0)
	if err != nil {
		h.log.Error("Failed to get decisions from database", zap.Error(err))
		http.Error(w, "Failed to get decisions", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(records)
}

// StatisticsHandler calculates and returns win rates and P&L of closed
// decision records.
func (h *APIHandler) StatisticsHandler(w http.ResponseWriter, r *http.Request) {
	records, err := h.decisions.List(r.Context(), r.URL.Query().Get("instrument"), 0)
	if err != nil {
		h.log.Error("Failed to get decisions for statistics", zap.Error(err))
		http.Error(w, "Failed to calculate statistics", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report.Compute(records, h.now()))
}

// ExportHandler returns the statistics and decision log as an XLSX workbook.
func (h *APIHandler) ExportHandler(w http.ResponseWriter, r *http.Request) {
	records, err := h.decisions.List(r.Context(), r.URL.Query().Get("instrument"), 0)
	if err != nil {
		h.log.Error("Failed to get decisions for export", zap.Error(err))
		http.Error(w, "Failed to export decisions", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="decisions.xlsx"`)
	if err := report.WriteXLSX(w, report.Compute(records, h.now()), records); err != nil {
		h.log.Error("Failed to write workbook", zap.Error(err))
	}
}
