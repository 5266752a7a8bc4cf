package telemetry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/shirou/gopsutil/v3/mem"
)

func TestRegistry_Counters(t *testing.T) {
	r := NewRegistry()
	r.SignOutcome("signed")
	r.SignOutcome("signed")
	r.SignOutcome("credential_invalid")
	r.VerifyResult("revoked")

	if got := r.Counter(MetricSignTotal, "outcome", "signed"); got != 2 {
		t.Errorf("signed = %d, want 2", got)
	}
	if got := r.Counter(MetricSignTotal, "outcome", "credential_invalid"); got != 1 {
		t.Errorf("credential_invalid = %d, want 1", got)
	}
	if got := r.Counter(MetricVerifyTotal, "reason", "not_found"); got != 0 {
		t.Errorf("not_found = %d, want 0", got)
	}
}

func TestRegistry_Expose(t *testing.T) {
	r := NewRegistry()
	r.SignOutcome("signed")
	r.VerifyResult("valid")
	r.Revoked()

	out := r.Expose()
	for _, want := range []string{
		"# TYPE rx_sign_total counter",
		`rx_sign_total{outcome="signed"} 1`,
		`rx_verify_total{reason="valid"} 1`,
		"rx_revoke_total 1",
		"# TYPE http_server_active_requests gauge",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("exposition missing %q\n%s", want, out)
		}
	}
	if out != r.Expose() {
		t.Error("exposition is not stable across calls")
	}
}

func TestMiddlewareAndHandler(t *testing.T) {
	r := NewRegistry()
	e := echo.New()
	e.Use(r.Middleware())
	e.GET("/api/v1/prescriptions/:id", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	e.GET("/metrics", r.Handler())

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/prescriptions/abc", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, `http_server_requests_total{method="GET",route="/api/v1/prescriptions/:id",status_code="200"} 1`) {
		t.Errorf("missing request counter:\n%s", body)
	}
	if !strings.Contains(body, `http_server_request_duration_seconds_count{method="GET",route="/api/v1/prescriptions/:id"} 1`) {
		t.Errorf("missing duration histogram:\n%s", body)
	}
}

func TestHistogram_Buckets(t *testing.T) {
	h := newHistogram([]float64{1, 5})
	h.Observe(0.5)
	h.Observe(3)
	h.Observe(10)

	cum := h.cumulativeBuckets()
	if cum[0] != 1 || cum[1] != 2 {
		t.Errorf("cumulative = %v", cum)
	}
	if h.Count() != 3 || h.Sum() != 13.5 {
		t.Errorf("count=%d sum=%g", h.Count(), h.Sum())
	}
}

func TestNodeMonitor_Collect(t *testing.T) {
	p := NewNodeMonitor()
	p.cpuPercent = func(context.Context) (float64, error) { return 12.5, nil }
	p.memory = func(context.Context) (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{Used: 512 * 1024 * 1024, UsedPercent: 40}, nil
	}
	p.uptime = func(context.Context) (uint64, error) { return 3600, nil }

	s := p.Collect(context.Background())
	if s.Status != "ok" || s.CPUPercent != 12.5 || s.MemoryUsedMB != 512 || s.HostUptimeSec != 3600 {
		t.Errorf("unexpected stats: %+v", s)
	}

	p.uptime = func(context.Context) (uint64, error) { return 0, errors.New("unsupported") }
	if s := p.Collect(context.Background()); s.Status != "degraded" {
		t.Errorf("status = %q, want degraded", s.Status)
	}
}
