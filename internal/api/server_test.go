package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/snapshot-harvester/internal/harvest"
	"github.com/JakeFAU/snapshot-harvester/internal/progress"
)

func trackerWithRun(t *testing.T) *progress.Tracker {
	t.Helper()
	tracker := progress.NewTracker()
	ts := time.Unix(1_700_000_000, 0)
	require.NoError(t, tracker.Consume(context.Background(), []progress.Event{
		{RunID: "run-1", TS: ts, Kind: progress.KindRunStart},
		{RunID: "run-1", TS: ts, Kind: progress.KindStageStart, Stage: harvest.StageCapture, Items: 3},
		{RunID: "run-1", TS: ts, Kind: progress.KindAttempt, Stage: harvest.StageCapture, ItemID: "1", Attempt: 1},
		{RunID: "run-1", TS: ts, Kind: progress.KindItemDone, Stage: harvest.StageCapture, ItemID: "1", Success: true},
	}))
	return tracker
}

func serve(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	rec := serve(t, NewServer(nil, nil, zap.NewNop()), "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_ReadyzReportsFailingChecks(t *testing.T) {
	t.Parallel()

	checks := map[string]ReadinessCheck{
		"ledger":   func(context.Context) error { return nil },
		"database": func(context.Context) error { return errors.New("connection refused") },
	}
	rec := serve(t, NewServer(nil, checks, zap.NewNop()), "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Status   string            `json:"status"`
		Failures map[string]string `json:"failures"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unavailable", body.Status)
	assert.Equal(t, map[string]string{"database": "connection refused"}, body.Failures)
}

func TestServer_ReadyzAllPassing(t *testing.T) {
	t.Parallel()

	checks := map[string]ReadinessCheck{"ledger": func(context.Context) error { return nil }}
	rec := serve(t, NewServer(nil, checks, nil), "/readyz")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_Status(t *testing.T) {
	t.Parallel()

	s := NewServer(trackerWithRun(t), nil, zap.NewNop())
	rec := serve(t, s, "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var status progress.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "run-1", status.RunID)
	assert.Equal(t, string(harvest.StageCapture), status.State)
	require.Len(t, status.Stages, 1)
	assert.Equal(t, 3, status.Stages[0].Items)
	assert.Equal(t, 1, status.Stages[0].Succeeded)
}

func TestServer_StageStatus(t *testing.T) {
	t.Parallel()

	s := NewServer(trackerWithRun(t), nil, zap.NewNop())

	rec := serve(t, s, "/status/capture")
	require.Equal(t, http.StatusOK, rec.Code)
	var st progress.StageStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, 1, st.Attempts)

	rec = serve(t, s, "/status/index")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_StatusIdleWithoutTracker(t *testing.T) {
	t.Parallel()

	rec := serve(t, NewServer(nil, nil, zap.NewNop()), "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), string(harvest.StateIdle))
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	s := NewServer(nil, nil, zap.NewNop())
	_ = serve(t, s, "/healthz")
	rec := serve(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "harvester_http_requests_total")
}

func TestServer_StartAndShutdown(t *testing.T) {
	t.Parallel()

	s := NewServer(nil, nil, zap.NewNop())
	require.NoError(t, s.Start("127.0.0.1:0"))

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
}
