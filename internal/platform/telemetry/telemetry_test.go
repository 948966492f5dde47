package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/intake/internal/domain/intake"
)

func newTestServer(tp *Provider) *echo.Echo {
	e := echo.New()
	e.Use(tp.MetricsMiddleware())
	e.GET("/clinics/:clinic/patients", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.POST("/clinics/:clinic/assign", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "no eligible record")
	})
	e.GET("/metrics", tp.PrometheusHandler())
	return e
}

func serve(e *echo.Echo, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestMetricsMiddleware_Labels(t *testing.T) {
	tp := NewProvider()
	e := newTestServer(tp)

	serve(e, http.MethodGet, "/clinics/Heart/patients")
	serve(e, http.MethodGet, "/clinics/Plastic/patients")
	serve(e, http.MethodPost, "/clinics/Heart/assign")

	if got := tp.RequestCount(http.MethodGet, "/clinics/:clinic/patients", "200"); got != 2 {
		t.Errorf("expected 2 requests on the route pattern, got %d", got)
	}
	if got := tp.RequestCount(http.MethodPost, "/clinics/:clinic/assign", "404"); got != 1 {
		t.Errorf("expected HTTPError code to be recorded, got %d", got)
	}
}

func TestProvider_WriteCountsTransitions(t *testing.T) {
	tp := NewProvider()
	p := intake.NewPatient("Ada", "Lovelace", "1", false)
	p.Clinic = "Heart"

	for _, action := range []intake.Action{intake.ActionAdded, intake.ActionAdded, intake.ActionProcessed} {
		if err := tp.Write(context.Background(), intake.NewAuditEntry(time.Now(), "alice", action, p)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	if got := tp.ActionCount(intake.ActionAdded, "Heart"); got != 2 {
		t.Errorf("added = %d, want 2", got)
	}
	if got := tp.ActionCount(intake.ActionProcessed, "Heart"); got != 1 {
		t.Errorf("processed = %d, want 1", got)
	}
	if got := tp.ActionCount(intake.ActionCancelled, "Heart"); got != 0 {
		t.Errorf("cancelled = %d, want 0", got)
	}
}

func TestPrometheusHandler_ValidFormat(t *testing.T) {
	tp := NewProvider()
	tp.RegisterGauge(Gauge{
		Name:  "intake_queue_size",
		Help:  "Patients held per clinic queue.",
		Label: "clinic",
		Read: func() map[string]int64 {
			return map[string]int64{"Plastic": 0, "Heart": 3}
		},
	})
	tp.RegisterGauge(Gauge{
		Name: "intake_audit_dropped_total",
		Help: "Audit entries dropped because the buffer was full.",
		Read: func() map[string]int64 { return map[string]int64{"": 4} },
	})

	p := intake.NewPatient("Ada", "Lovelace", "1", true)
	p.Clinic = "Heart"
	_ = tp.Write(context.Background(), intake.NewAuditEntry(time.Now(), "alice", intake.ActionAdded, p))

	e := newTestServer(tp)
	serve(e, http.MethodGet, "/clinics/Heart/patients")

	rec := serve(e, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()

	want := []string{
		"# TYPE http_server_request_duration_seconds histogram",
		`http_server_request_duration_seconds_count{method="GET",route="/clinics/:clinic/patients",status_code="200"} 1`,
		`http_server_request_duration_seconds_bucket{method="GET",route="/clinics/:clinic/patients",status_code="200",le="+Inf"} 1`,
		"# TYPE http_server_active_requests gauge",
		`intake_transitions_total{action="added",clinic="Heart"} 1`,
		`intake_queue_size{clinic="Heart"} 3`,
		`intake_queue_size{clinic="Plastic"} 0`,
		"intake_audit_dropped_total 4",
	}
	for _, w := range want {
		if !strings.Contains(body, w) {
			t.Errorf("expected metrics output to contain %q, body:\n%s", w, body)
		}
	}

	if strings.Index(body, `clinic="Heart"} 3`) > strings.Index(body, `clinic="Plastic"} 0`) {
		t.Error("expected gauge labels in sorted order")
	}
}

func TestHistogramBuckets_Observation(t *testing.T) {
	h := newHistogram([]float64{0.1, 0.5, 1})
	h.Observe(0.05)
	h.Observe(0.3)
	h.Observe(0.3)
	h.Observe(5)

	if h.Count() != 4 {
		t.Fatalf("expected count 4, got %d", h.Count())
	}
	cum := h.cumulativeBuckets()
	want := []int64{1, 3, 3}
	for i := range want {
		if cum[i] != want[i] {
			t.Errorf("bucket %d = %d, want %d", i, cum[i], want[i])
		}
	}
	if sum := h.Sum(); sum < 5.64 || sum > 5.66 {
		t.Errorf("expected sum 5.65, got %g", sum)
	}
}
