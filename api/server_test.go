package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/roadside/api/state"
	"github.com/kilianp07/roadside/core/dispatch"
	"github.com/kilianp07/roadside/core/journal"
	"github.com/kilianp07/roadside/infra/logger"
)

type stubCoordinator struct{}

func (stubCoordinator) Snapshot() dispatch.State { return dispatch.State{CanAccept: true} }

type staticHistory struct{ journal.NopStore }

func (staticHistory) Query(context.Context, journal.Query) ([]journal.Record, error) {
	return []journal.Record{{JobID: "job-1", Event: journal.EventCompleted, Timestamp: time.Now()}}, nil
}

func newTestRouter(token string) http.Handler {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "api_test_total"})
	reg.MustRegister(c)
	c.Inc()
	return NewRouter(token, &state.Handler{WorkerID: "w1", Dispatch: stubCoordinator{}}, staticHistory{}, reg, logger.NopLogger{})
}

func get(h http.Handler, path, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestRouterBearerToken(t *testing.T) {
	h := newTestRouter("secret")
	assert.Equal(t, http.StatusUnauthorized, get(h, "/api/state", "").Code)
	assert.Equal(t, http.StatusUnauthorized, get(h, "/api/state", "Bearer wrong").Code)
	assert.Equal(t, http.StatusOK, get(h, "/api/state", "Bearer secret").Code)
}

func TestRouterRoutes(t *testing.T) {
	h := newTestRouter("")
	rr := get(h, "/api/jobs/history", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"job_id":"job-1"`)

	rr = get(h, "/metrics", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, strings.Contains(rr.Body.String(), "api_test_total 1"))

	rr = get(h, "/api/state", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"worker_id":"w1"`)

	req := httptest.NewRequest(http.MethodPost, "/api/state", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRecoverMiddleware(t *testing.T) {
	h := recoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	rr := get(h, "/", "")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestServeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, "127.0.0.1:0", http.NotFoundHandler(), logger.NopLogger{}) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("server did not stop")
	}
}
