package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func newSanitizeEcho() *echo.Echo {
	e := echo.New()
	e.Use(Sanitize(zerolog.Nop()))
	e.GET("/*", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	return e
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		name   string
		target string
		header map[string]string
		want   int
	}{
		{"clean verify link", "/verify/prescription/0b6d4d0e-6a6f-4e55-9f0e-2a2f5c1f0a11?code=ABCD-EFGH-JKMN", nil, http.StatusOK},
		{"path traversal", "/../../etc/passwd", nil, http.StatusBadRequest},
		{"encoded traversal", "/%2e%2e/%2e%2e/etc/passwd", nil, http.StatusBadRequest},
		{"null byte in query", "/verify/prescription/x?code=AB%00CD", nil, http.StatusBadRequest},
		{"script in query", "/verify/prescription/x?code=%3Cscript%3Ealert(1)%3C/script%3E", nil, http.StatusBadRequest},
		{"oversized code", "/verify/prescription/x?code=" + strings.Repeat("A", maxQueryValueSize+1), nil, http.StatusBadRequest},
		{"oversized header", "/api/v1/prescriptions", map[string]string{"X-Clinic-ID": strings.Repeat("a", maxHeaderValueSize+1)}, http.StatusBadRequest},
	}
	e := newSanitizeEcho()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
			if tt.want == http.StatusBadRequest {
				var body map[string]string
				if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
					t.Fatalf("invalid JSON body: %v", err)
				}
				if body["code"] != "malformed_request" || body["error"] == "" {
					t.Errorf("unexpected body %v", body)
				}
			}
		})
	}
}

func TestInspect_HeaderInjection(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header["X-Request-Id"] = []string{"abc\r\nSet-Cookie: x=1"}
	if got := inspect(req); !strings.Contains(got, "header injection") {
		t.Errorf("expected header injection, got %q", got)
	}
}
