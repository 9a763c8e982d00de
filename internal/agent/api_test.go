package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"bronco-trade-agent-go/internal/dispatch"
	"bronco-trade-agent-go/internal/metrics"
	"bronco-trade-agent-go/internal/models"
	"bronco-trade-agent-go/internal/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestAPI(t *testing.T) (*fixture, http.Handler) {
	metrics.Init()
	f := newFixture(t, nil)
	f.start(t)
	s := NewAPIServer(f.engine, 0, f.decisions, http.NotFoundHandler(), zap.NewNop())
	return f, s.Handler()
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAPI_Health(t *testing.T) {
	_, h := newTestAPI(t)
	rec := get(t, h, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK\n", rec.Body.String())
}

func TestAPI_Status(t *testing.T) {
	f, h := newTestAPI(t)
	_, err := f.engine.ApplyDecision(context.Background(), instrument, dispatch.Decision{StrategyID: "hold", Reason: "baseline", Price: 100})
	require.NoError(t, err)

	rec := get(t, h, "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		UUID        string             `json:"uuid"`
		Name        string             `json:"name"`
		Session     string             `json:"session"`
		Instruments []InstrumentStatus `json:"instruments"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, f.engine.UUID, body.UUID)
	assert.Equal(t, "test-agent", body.Name)
	assert.Equal(t, "CLOSED", body.Session)
	require.Len(t, body.Instruments, 1)
	assert.Equal(t, "hold", body.Instruments[0].ActiveStrategy)
	assert.Equal(t, "active", body.Instruments[0].Phase)
}

func TestAPI_Decisions(t *testing.T) {
	f, h := newTestAPI(t)
	ctx := context.Background()
	_, err := f.engine.ApplyDecision(ctx, instrument, dispatch.Decision{StrategyID: "hold", Reason: "baseline", Price: 100})
	require.NoError(t, err)
	_, err = f.engine.ApplyDecision(ctx, instrument, dispatch.Decision{StrategyID: "trend", Reason: "momentum", Price: 100})
	require.NoError(t, err)

	rec := get(t, h, "/api/decisions?instrument=AAPL&limit=1")
	require.Equal(t, http.StatusOK, rec.Code)
	var records []models.DecisionRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	require.Len(t, records, 1)
	assert.Equal(t, "trend", records[0].StrategyID)

	rec = get(t, h, "/api/decisions?limit=zero")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_Performance(t *testing.T) {
	f, h := newTestAPI(t)
	require.NoError(t, f.engine.Submit(context.Background(), f.obs(1, 100)))

	rec := get(t, h, "/api/performance?instrument=AAPL")
	require.Equal(t, http.StatusOK, rec.Code)
	var m pool.Matrix
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	assert.Equal(t, instrument, m.Instrument)
	require.Len(t, m.Strategies, 2)
	assert.Equal(t, "hold", m.Strategies[0].StrategyID)

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/performance").Code)
	assert.Equal(t, http.StatusNotFound, get(t, h, "/api/performance?instrument=MSFT").Code)
}

func TestAPI_Metrics(t *testing.T) {
	f, h := newTestAPI(t)
	require.NoError(t, f.engine.Submit(context.Background(), f.obs(1, 100)))
	f.barrier(t)

	rec := get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "agent_")
}

func TestAPI_MethodNotAllowed(t *testing.T) {
	_, h := newTestAPI(t)
	req := httptest.NewRequest(http.MethodPost, "/status", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
