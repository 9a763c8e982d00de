package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"bronco-trade-agent-go/internal/models"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// DecisionLister reads the decision record log.
type DecisionLister interface {
	List(ctx context.Context, instrument string, limit int) ([]models.DecisionRecord, error)
}

const defaultDecisionLimit = 100

// APIServer provides an HTTP interface for the trading agent.
type APIServer struct {
	server    *http.Server
	engine    *Engine
	decisions DecisionLister
	events    http.Handler
	logger    *zap.Logger
}

// NewAPIServer creates a new APIServer. decisions and events may be nil.
func NewAPIServer(engine *Engine, port int, decisions DecisionLister, events http.Handler, logger *zap.Logger) *APIServer {
	s := &APIServer{
		engine:    engine,
		decisions: decisions,
		events:    events,
		logger:    logger.Named("api-server"),
	}
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routes served by the API server.
func (s *APIServer) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/status", s.statusHandler).Methods(http.MethodGet)
	router.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/decisions", s.decisionsHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/performance", s.performanceHandler).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	if s.events != nil {
		router.Handle("/ws", s.events)
	}
	return router
}

// Start runs the HTTP server in a new goroutine.
func (s *APIServer) Start() {
	s.logger.Info("Starting API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Error("API server failed", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *APIServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server...")
	return s.server.Shutdown(ctx)
}

func (s *APIServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	session := s.engine.Session()
	status := struct {
		UUID        string             `json:"uuid"`
		Name        string             `json:"name"`
		StartTime   string             `json:"start_time"`
		Uptime      string             `json:"uptime"`
		Session     string             `json:"session"`
		Tradable    bool               `json:"tradable"`
		Instruments []InstrumentStatus `json:"instruments"`
	}{
		UUID:        s.engine.UUID,
		Name:        s.engine.Name,
		StartTime:   s.engine.StartTime.Format(time.RFC3339),
		Uptime:      time.Since(s.engine.StartTime).String(),
		Session:     string(session.Phase),
		Tradable:    session.Tradable,
		Instruments: s.engine.Status(),
	}
	s.writeJSON(w, status)
}

func (s *APIServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

func (s *APIServer) decisionsHandler(w http.ResponseWriter, r *http.Request) {
	if s.decisions == nil {
		http.Error(w, "decision log unavailable", http.StatusServiceUnavailable)
		return
	}
	instrument := r.URL.Query().Get("instrument")
	limit := defaultDecisionLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	records, err := s.decisions.List(r.Context(), instrument, limit)
	if err != nil {
		s.logger.Error("Failed to list decisions", zap.String("instrument", instrument), zap.Error(err))
		http.Error(w, "failed to list decisions", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, records)
}

func (s *APIServer) performanceHandler(w http.ResponseWriter, r *http.Request) {
	instrument := r.URL.Query().Get("instrument")
	if instrument == "" {
		http.Error(w, "instrument is required", http.StatusBadRequest)
		return
	}

	m, err := s.engine.SnapshotPerformance(r.Context(), instrument, s.engine.now())
	if errors.Is(err, ErrUnknownInstrument) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("Failed to snapshot performance", zap.String("instrument", instrument), zap.Error(err))
		http.Error(w, "failed to snapshot performance", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, m)
}

func (s *APIServer) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to write response", zap.Error(err))
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}
