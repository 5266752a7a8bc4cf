package db

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	ClinicIDKey contextKey = "clinic_id"
	DBTxKey     contextKey = "db_tx"
)

// ClinicHeader lets service-to-service callers without a tenant claim pick
// the clinic explicitly.
const ClinicHeader = "X-Clinic-ID"

// ClinicMiddleware resolves the clinic that owns the request and stores it in
// the request context. Every clinic-owned row is filtered by this id.
func ClinicMiddleware(defaultClinic string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw := extractClinicID(c, defaultClinic)
			if raw == "" {
				return echo.NewHTTPError(http.StatusBadRequest, "clinic context required")
			}

			clinicID, err := uuid.Parse(raw)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid clinic identifier")
			}

			c.SetRequest(c.Request().WithContext(WithClinic(c.Request().Context(), clinicID)))
			c.Set("clinic_id", clinicID.String())

			return next(c)
		}
	}
}

func extractClinicID(c echo.Context, defaultClinic string) string {
	// The token claim wins so a caller cannot hop clinics with a header.
	if cid, ok := c.Get("jwt_tenant_id").(string); ok && cid != "" {
		return cid
	}

	if cid := c.Request().Header.Get(ClinicHeader); cid != "" {
		return cid
	}

	return defaultClinic
}

// WithClinic returns a copy of ctx scoped to clinicID.
func WithClinic(ctx context.Context, clinicID uuid.UUID) context.Context {
	return context.WithValue(ctx, ClinicIDKey, clinicID)
}

// ClinicFromContext retrieves the clinic resolved by ClinicMiddleware.
func ClinicFromContext(ctx context.Context) (uuid.UUID, bool) {
	cid, ok := ctx.Value(ClinicIDKey).(uuid.UUID)
	return cid, ok
}
