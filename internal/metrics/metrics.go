// Package metrics exposes Prometheus collectors for the ops server and the
// session lifecycle. Per-item pipeline counters live in progress/sinks.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JakeFAU/snapshot-harvester/internal/harvest"
	"github.com/JakeFAU/snapshot-harvester/internal/session"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	sessionLoginsTotal         *prometheus.CounterVec
	sessionProbesTotal         *prometheus.CounterVec
	sessionLoginSeconds        prometheus.Histogram

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_http_requests_total",
				Help: "Total number of ops HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_http_request_duration_seconds",
				Help:    "Histogram of ops HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"method", "route"},
		)

		sessionLoginsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_session_logins_total",
				Help: "Credential login attempts, labeled by outcome kind.",
			},
			[]string{"outcome"},
		)

		sessionProbesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_session_probes_total",
				Help: "Session probes, labeled by result.",
			},
			[]string{"result"},
		)

		sessionLoginSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "harvester_session_login_duration_seconds",
				Help:    "Wall time of credential logins.",
				Buckets: []float64{1, 2, 5, 10, 20, 30, 60},
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveLogin records one login attempt. A nil err counts as "ok".
func ObserveLogin(err error, duration time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = string(harvest.KindOf(err))
	}
	sessionLoginsTotal.WithLabelValues(outcome).Inc()
	sessionLoginSeconds.Observe(duration.Seconds())
}

// ObserveProbe records one session probe.
func ObserveProbe(valid bool, err error) {
	result := "valid"
	switch {
	case err != nil:
		result = "error"
	case !valid:
		result = "invalid"
	}
	sessionProbesTotal.WithLabelValues(result).Inc()
}

// InstrumentAuthenticator counts logins made through auth.
func InstrumentAuthenticator(auth session.Authenticator) session.Authenticator {
	Init()
	return instrumentedAuth{next: auth}
}

type instrumentedAuth struct {
	next session.Authenticator
}

func (a instrumentedAuth) Login(ctx context.Context, creds session.Credentials) (*harvest.Session, error) {
	start := time.Now()
	sess, err := a.next.Login(ctx, creds)
	ObserveLogin(err, time.Since(start))
	return sess, err
}

// InstrumentProber counts probes made through p.
func InstrumentProber(p session.Prober) session.Prober {
	Init()
	return instrumentedProber{next: p}
}

type instrumentedProber struct {
	next session.Prober
}

func (p instrumentedProber) Probe(ctx context.Context, sess *harvest.Session) (bool, error) {
	ok, err := p.next.Probe(ctx, sess)
	ObserveProbe(ok, err)
	return ok, err
}
