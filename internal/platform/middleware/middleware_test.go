package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func newContext(method, target string, body []byte) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestRequestID_GeneratesNew(t *testing.T) {
	c, rec := newContext(http.MethodGet, "/", nil)
	err := RequestID()(func(c echo.Context) error {
		if c.Get("request_id").(string) == "" {
			t.Error("expected request_id to be generated")
		}
		return c.NoContent(http.StatusOK)
	})(c)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("expected X-Request-ID response header")
	}
}

func TestRequestID_PreservesWellFormed(t *testing.T) {
	c, rec := newContext(http.MethodGet, "/", nil)
	c.Request().Header.Set(RequestIDHeader, "edge-7f3a.42")
	_ = RequestID()(func(c echo.Context) error { return nil })(c)
	if got := rec.Header().Get(RequestIDHeader); got != "edge-7f3a.42" {
		t.Errorf("expected inbound id to be kept, got %q", got)
	}
}

func TestRequestID_ReplacesMalformed(t *testing.T) {
	c, rec := newContext(http.MethodGet, "/", nil)
	c.Request().Header.Set(RequestIDHeader, "bad id\nwith newline")
	_ = RequestID()(func(c echo.Context) error { return nil })(c)
	if got := rec.Header().Get(RequestIDHeader); strings.Contains(got, "\n") || got == "" {
		t.Errorf("expected a fresh id, got %q", got)
	}
}

func TestRecovery_ConvertsPanic(t *testing.T) {
	c, _ := newContext(http.MethodGet, "/", nil)
	err := Recovery(zerolog.Nop())(func(c echo.Context) error {
		panic("nil map")
	})(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 HTTPError, got %v", err)
	}
}

func TestLogger_WritesErrorResponse(t *testing.T) {
	var buf bytes.Buffer
	c, rec := newContext(http.MethodGet, "/api/v1/prescriptions", nil)
	err := Logger(zerolog.New(&buf))(func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusConflict, "busy")
	})(c)
	if err != nil {
		t.Fatalf("expected logger to handle the error, got %v", err)
	}
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 response, got %d", rec.Code)
	}
	if !strings.Contains(buf.String(), `"status":409`) {
		t.Errorf("expected status in log line, got %s", buf.String())
	}
}

func TestRequestTimeout(t *testing.T) {
	c, _ := newContext(http.MethodPost, "/api/v1/prescriptions/x/sign", nil)
	err := RequestTimeout(10 * time.Millisecond)(func(c echo.Context) error {
		<-c.Request().Context().Done()
		return c.Request().Context().Err()
	})(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %v", err)
	}
}

func TestRequestTimeout_FastHandler(t *testing.T) {
	c, rec := newContext(http.MethodGet, "/", nil)
	err := RequestTimeout(time.Second)(func(c echo.Context) error {
		if _, ok := c.Request().Context().Deadline(); !ok {
			t.Error("expected deadline on request context")
		}
		return c.NoContent(http.StatusOK)
	})(c)
	if err != nil || rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %v / %d", err, rec.Code)
	}
}

func TestSecurityHeaders(t *testing.T) {
	c, rec := newContext(http.MethodGet, "/", nil)
	_ = SecurityHeaders()(func(c echo.Context) error { return c.NoContent(http.StatusOK) })(c)

	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
		"Referrer-Policy":        "no-referrer",
	} {
		if got := rec.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
	if got := rec.Header().Get("Strict-Transport-Security"); got != "" {
		t.Errorf("HSTS sent over plain http: %q", got)
	}

	c, rec = newContext(http.MethodGet, "/", nil)
	c.Request().Header.Set(echo.HeaderXForwardedProto, "https")
	_ = SecurityHeaders()(func(c echo.Context) error { return c.NoContent(http.StatusOK) })(c)
	if rec.Header().Get("Strict-Transport-Security") == "" {
		t.Error("expected HSTS behind a TLS-terminating proxy")
	}
}

func TestBodyLimit(t *testing.T) {
	body := bytes.Repeat([]byte("a"), 2048)

	c, _ := newContext(http.MethodPost, "/", body)
	err := BodyLimit("1K")(func(c echo.Context) error { return nil })(c)
	if he, ok := err.(*echo.HTTPError); !ok || he.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 from Content-Length, got %v", err)
	}

	c, _ = newContext(http.MethodPost, "/", body)
	c.Request().ContentLength = -1
	err = BodyLimit("1K")(func(c echo.Context) error {
		buf := new(bytes.Buffer)
		_, err := buf.ReadFrom(c.Request().Body)
		return err
	})(c)
	if he, ok := err.(*echo.HTTPError); !ok || he.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 while streaming, got %v", err)
	}
}

func TestParseLimit(t *testing.T) {
	tests := map[string]int64{
		"":     1 << 20,
		"512":  512,
		"64K":  64 << 10,
		"2MB":  2 << 20,
		"1G":   1 << 30,
		"junk": 1 << 20,
		"-5":   1 << 20,
	}
	for in, want := range tests {
		if got := parseLimit(in); got != want {
			t.Errorf("parseLimit(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestRateLimit_BlocksAfterBurst(t *testing.T) {
	mw := RateLimit(RateLimitConfig{RequestsPerSecond: 0.001, BurstSize: 2})
	h := mw(func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	for i := 0; i < 2; i++ {
		c, _ := newContext(http.MethodGet, "/", nil)
		if err := h(c); err != nil {
			t.Fatalf("request %d: unexpected error %v", i, err)
		}
	}

	c, rec := newContext(http.MethodGet, "/", nil)
	err := h(c)
	if he, ok := err.(*echo.HTTPError); !ok || he.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v", err)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestRateLimit_SeparateClinics(t *testing.T) {
	mw := RateLimit(RateLimitConfig{RequestsPerSecond: 0.001, BurstSize: 1})
	h := mw(func(c echo.Context) error { return nil })

	for _, clinic := range []string{"clinic-a", "clinic-b"} {
		c, _ := newContext(http.MethodGet, "/", nil)
		c.Set("jwt_tenant_id", clinic)
		if err := h(c); err != nil {
			t.Errorf("%s: expected independent bucket, got %v", clinic, err)
		}
	}
}

func TestRateLimiterStore_EvictsIdle(t *testing.T) {
	store := newRateLimiterStore(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1, IdleTTL: time.Minute})
	t0 := time.Now()
	store.bucket("a", t0)
	store.bucket("b", t0.Add(2*time.Minute))
	if _, ok := store.buckets["a"]; ok {
		t.Error("expected idle bucket to be evicted")
	}
}

func TestResourceFromPath(t *testing.T) {
	tests := []struct {
		path, typ, id string
	}{
		{"/api/v1/prescriptions", "prescriptions", ""},
		{"/api/v1/prescriptions/0b6c3f8e-5d1e-4c57-9f3a-2f4d7c1e9a10/pdf", "prescriptions", "0b6c3f8e-5d1e-4c57-9f3a-2f4d7c1e9a10"},
		{"/api/v1/prescriptions/not-a-uuid", "prescriptions", ""},
		{"/api/v1/", "unknown", ""},
	}
	for _, tt := range tests {
		typ, id := resourceFromPath(tt.path)
		if typ != tt.typ || id != tt.id {
			t.Errorf("resourceFromPath(%q) = %q, %q; want %q, %q", tt.path, typ, id, tt.typ, tt.id)
		}
	}
}
