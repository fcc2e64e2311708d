package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shelfwatch/shelfwatch/internal/status"
)

type fixedSource struct {
	snap status.Snapshot
}

func (f fixedSource) Latest() status.Snapshot { return f.snap }

func TestHealthz(t *testing.T) {
	srv := NewServer(fixedSource{}, zap.NewNop())
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestStatusServesLatestSnapshot(t *testing.T) {
	snap := status.Snapshot{
		RunID:         "run-9",
		Timestamp:     time.Unix(1700000000, 0).UTC(),
		UptimeSeconds: 120,
		Stats:         status.Stats{TotalItems: 55, WorkersLaunched: 2, BlockingIncidents: 0},
		Workers: []status.WorkerStatus{
			{ID: 1, Target: "42/paint", Alive: true, Items: 55},
		},
	}
	srv := NewServer(fixedSource{snap: snap}, zap.NewNop())
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var got status.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, snap, got)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := NewServer(fixedSource{}, zap.NewNop())
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")
}
