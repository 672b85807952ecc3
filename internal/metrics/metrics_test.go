package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddlewareLabelsByRoutePattern(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/attempts/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, path := range []string{"/attempts/1", "/attempts/2"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	got := testutil.ToFloat64(m.httpRequests.WithLabelValues(http.MethodGet, "/attempts/{id}", "404"))
	if got != 2 {
		t.Errorf("expected 2 requests for route pattern, got %v", got)
	}
}

func TestHandlerExposesDomainCounters(t *testing.T) {
	m := New()
	m.AttemptsSubmitted.Inc()
	m.PushDeliveries.WithLabelValues("expired").Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{
		"cikgu_attempts_submitted_total 1",
		`cikgu_push_deliveries_total{result="expired"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
