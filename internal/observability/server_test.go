package observability_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gotnull/meshsync/internal/observability"
	"github.com/prometheus/client_golang/prometheus"
)

func TestHealthEndpointReportsFailingChecks(t *testing.T) {
	degraded := false
	srv := observability.NewServer(observability.ServerConfig{
		Logger: observability.NoOpLogger(),
		Checks: map[string]func() error{
			"dedupe": func() error {
				if degraded {
					return errors.New("store failed")
				}
				return nil
			},
		},
	})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 while healthy, got %d", rec.Code)
	}

	degraded = true
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with failing check, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "dedupe: store failed") {
		t.Fatalf("expected failing check in body, got %q", rec.Body.String())
	}
}

func TestMetricsHealthFlag(t *testing.T) {
	metrics := observability.NewMetrics(observability.WithRegistry(prometheus.NewRegistry()))
	if !metrics.Healthy() {
		t.Fatalf("expected fresh metrics to be healthy")
	}

	metrics.SetDedupeDegraded(true)
	if metrics.Healthy() {
		t.Fatalf("expected degraded dedupe store to mark service unhealthy")
	}

	metrics.MarkHealthy()
	if !metrics.Healthy() {
		t.Fatalf("expected MarkHealthy to reset the flag")
	}

	var nilMetrics *observability.Metrics
	nilMetrics.ObserveDuplicate("TEXT_MESSAGE_APP")
	if !nilMetrics.Healthy() {
		t.Fatalf("nil metrics should report healthy")
	}
}
