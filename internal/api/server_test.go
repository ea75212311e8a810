package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crawlstack/dispatch/internal/dispatch"
	"github.com/crawlstack/dispatch/internal/monitor"
	storememory "github.com/crawlstack/dispatch/internal/store/memory"
)

func newTestServer(t *testing.T) (*Server, *monitor.Monitor, *storememory.ResultStore) {
	t.Helper()
	mon := monitor.New(monitor.Config{}, nil, zap.NewNop())
	results := storememory.NewResultStore()
	srv := NewServer(mon, results, prometheus.NewRegistry(), zap.NewNop())
	return srv, mon, results
}

func doGet(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t)
	for _, path := range []string{"/healthz", "/readyz"} {
		rec := doGet(t, srv, path)
		require.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t)
	rec := doGet(t, srv, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestListTasks(t *testing.T) {
	t.Parallel()

	srv, mon, _ := newTestServer(t)
	mon.Register("t-1", "https://example.com/a")
	mon.UpdateStatus("t-1", monitor.StatusInProgress, 32)

	rec := doGet(t, srv, "/api/tasks")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Tasks []monitor.TaskRecord `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Tasks, 1)
	require.Equal(t, "t-1", body.Tasks[0].ID)
	require.Equal(t, monitor.StatusInProgress, body.Tasks[0].Status)
}

func TestGetStats(t *testing.T) {
	t.Parallel()

	srv, mon, _ := newTestServer(t)
	mon.Register("t-1", "https://example.com/a")
	mon.UpdateStatus("t-1", monitor.StatusSucceeded, 32)

	rec := doGet(t, srv, "/api/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats monitor.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Equal(t, 1, stats.Succeeded)
}

func TestResultEndpoints(t *testing.T) {
	t.Parallel()

	srv, _, results := newTestServer(t)
	require.NoError(t, results.SaveResult(t.Context(), dispatch.Result{
		TaskID:     "t-1",
		URL:        "https://example.com/a",
		StatusCode: 200,
	}))

	rec := doGet(t, srv, "/api/results/t-1")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doGet(t, srv, "/api/results/missing")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doGet(t, srv, "/api/results/")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Results []dispatch.Result `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Results, 1)
}

func TestEndpointsDegradeWithoutDependencies(t *testing.T) {
	t.Parallel()

	srv := NewServer(nil, nil, nil, zap.NewNop())

	rec := doGet(t, srv, "/api/tasks")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = doGet(t, srv, "/api/results/")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
