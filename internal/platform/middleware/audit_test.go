package middleware

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/prontivus/prontivus/internal/platform/audit"
	"github.com/prontivus/prontivus/internal/platform/auth"
)

func TestAudit_RecordsAPICalls(t *testing.T) {
	var got []audit.Entry
	rec := audit.RecorderFunc(func(_ context.Context, e audit.Entry) error {
		got = append(got, e)
		return nil
	})

	c, _ := newContext(http.MethodPost, "/api/v1/prescriptions/0b6c3f8e-5d1e-4c57-9f3a-2f4d7c1e9a10/sign", nil)
	ctx := context.WithValue(c.Request().Context(), auth.UserIDKey, "doctor-1")
	c.SetRequest(c.Request().WithContext(ctx))
	c.Set("request_id", "req-9")

	err := Audit(zerolog.Nop(), rec)(func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusConflict, "sign in progress")
	})(c)
	if err == nil {
		t.Fatal("expected handler error to pass through")
	}

	if len(got) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(got))
	}
	e := got[0]
	if e.Action != audit.ActionCreate || e.ResourceType != "prescriptions" || e.ActorID != "doctor-1" {
		t.Errorf("unexpected entry: %+v", e)
	}
	if e.StatusCode != http.StatusConflict {
		t.Errorf("expected status from HTTPError, got %d", e.StatusCode)
	}
	if e.RequestID != "req-9" {
		t.Errorf("expected request id, got %q", e.RequestID)
	}
}

func TestAudit_SkipsPublicRoutes(t *testing.T) {
	called := false
	rec := audit.RecorderFunc(func(context.Context, audit.Entry) error {
		called = true
		return nil
	})
	c, _ := newContext(http.MethodGet, "/verify/prescription/abc?code=x", nil)
	_ = Audit(zerolog.Nop(), rec)(func(c echo.Context) error { return nil })(c)
	if called {
		t.Error("expected public verify route not to be audited")
	}
}

func TestAudit_RecorderFailureIsSwallowed(t *testing.T) {
	rec := audit.RecorderFunc(func(context.Context, audit.Entry) error {
		return errors.New("db down")
	})
	c, _ := newContext(http.MethodGet, "/api/v1/prescriptions", nil)
	err := Audit(zerolog.Nop(), rec)(func(c echo.Context) error { return c.NoContent(http.StatusOK) })(c)
	if err != nil {
		t.Errorf("expected recorder failure not to surface, got %v", err)
	}
}

func TestMethodToAction(t *testing.T) {
	for method, want := range map[string]string{
		http.MethodGet:    audit.ActionRead,
		http.MethodHead:   audit.ActionRead,
		http.MethodPost:   audit.ActionCreate,
		http.MethodPatch:  audit.ActionUpdate,
		http.MethodDelete: audit.ActionDelete,
	} {
		if got := methodToAction(method); got != want {
			t.Errorf("methodToAction(%s) = %s, want %s", method, got, want)
		}
	}
}
