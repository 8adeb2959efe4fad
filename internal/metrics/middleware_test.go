package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/snapshot-harvester/internal/harvest"
)

func opsRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/status/{stage}", func(w http.ResponseWriter, req *http.Request) {
		switch harvest.Stage(chi.URLParam(req, "stage")) {
		case harvest.StageCapture, harvest.StageIndex:
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"done":0}`))
		default:
			http.Error(w, "unknown stage", http.StatusNotFound)
		}
	})
	return r
}

func get(t *testing.T, url string) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer func() {
		if errInner := resp.Body.Close(); errInner != nil {
			t.Log(errInner)
		}
	}()
	return resp.StatusCode
}

func TestMiddlewareCountsOpsRequests(t *testing.T) {
	Init()
	ts := httptest.NewServer(opsRouter())
	defer ts.Close()

	ok := httpRequestsTotal.WithLabelValues("GET", "200")
	missing := httpRequestsTotal.WithLabelValues("GET", "404")
	okBefore, missingBefore := testutil.ToFloat64(ok), testutil.ToFloat64(missing)

	assert.Equal(t, http.StatusOK, get(t, ts.URL+"/healthz"))
	assert.Equal(t, http.StatusOK, get(t, ts.URL+"/status/"+string(harvest.StageCapture)))
	assert.Equal(t, http.StatusNotFound, get(t, ts.URL+"/status/upload"))

	assert.InDelta(t, 2, testutil.ToFloat64(ok)-okBefore, 0, "implicit 200 from a bare Write is counted")
	assert.InDelta(t, 1, testutil.ToFloat64(missing)-missingBefore, 0)
	assert.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds))
}

func TestMiddlewareRecordsStatusWrittenByHandler(t *testing.T) {
	Init()
	rec := httptest.NewRecorder()
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	unavailable := httpRequestsTotal.WithLabelValues("GET", "503")
	before := testutil.ToFloat64(unavailable)
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.InDelta(t, 1, testutil.ToFloat64(unavailable)-before, 0)
}
