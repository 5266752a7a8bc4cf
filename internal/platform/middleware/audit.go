package middleware

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/prontivus/prontivus/internal/platform/audit"
	"github.com/prontivus/prontivus/internal/platform/auth"
	"github.com/prontivus/prontivus/internal/platform/db"
)

const apiPrefix = "/api/v1/"

// Audit records one access entry per authenticated /api/v1 call, after the
// handler has run so the status code is known. Recorder failures are logged.
func Audit(logger zerolog.Logger, recorder audit.Recorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !strings.HasPrefix(req.URL.Path, apiPrefix) {
				return next(c)
			}

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}

			ctx := req.Context()
			resourceType, resourceID := resourceFromPath(req.URL.Path)
			entry := audit.Entry{
				ActorID:      auth.UserIDFromContext(ctx),
				ActorRoles:   auth.RolesFromContext(ctx),
				Action:       methodToAction(req.Method),
				ResourceType: resourceType,
				ResourceID:   resourceID,
				Method:       req.Method,
				Path:         req.URL.Path,
				StatusCode:   status,
				RequestID:    requestIDOf(c),
				IPAddress:    c.RealIP(),
				UserAgent:    req.UserAgent(),
			}
			if clinic, ok := db.ClinicFromContext(ctx); ok {
				entry.ClinicID = clinic
			}

			if recorder != nil {
				if recErr := recorder.Record(ctx, entry); recErr != nil {
					logger.Error().Err(recErr).Str("request_id", entry.RequestID).Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "access_audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.ActorID).
				Str("action", entry.Action).
				Str("resource_type", entry.ResourceType).
				Str("resource_id", entry.ResourceID).
				Int("status", entry.StatusCode).
				Msg("resource_access")

			return err
		}
	}
}

func methodToAction(method string) string {
	switch method {
	case http.MethodPost:
		return audit.ActionCreate
	case http.MethodPut, http.MethodPatch:
		return audit.ActionUpdate
	case http.MethodDelete:
		return audit.ActionDelete
	default:
		return audit.ActionRead
	}
}

// resourceFromPath splits /api/v1/<type>/<id>/... into type and id. The id is
// only returned when it parses as a UUID.
func resourceFromPath(path string) (string, string) {
	segments := strings.Split(strings.TrimPrefix(path, apiPrefix), "/")
	resourceType := "unknown"
	if segments[0] != "" {
		resourceType = segments[0]
	}
	if len(segments) > 1 {
		if _, err := uuid.Parse(segments[1]); err == nil {
			return resourceType, segments[1]
		}
	}
	return resourceType, ""
}
