package middleware

import (
	"fmt"
	"net/http"
	"runtime"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/prontivus/prontivus/internal/platform/auth"
)

// Recovery turns a handler panic into a 500. The signing path holds
// unlocked key material, so the panic value is logged but never echoed.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if r == http.ErrAbortHandler {
					panic(r)
				}

				stack := make([]byte, 8<<10)
				stack = stack[:runtime.Stack(stack, false)]
				clinic, _ := c.Get("clinic_id").(string)
				logger.Error().
					Str("request_id", requestIDOf(c)).
					Str("route", c.Path()).
					Str("clinic_id", clinic).
					Str("user_id", auth.UserIDFromContext(c.Request().Context())).
					Str("panic", fmt.Sprint(r)).
					Bytes("stack", stack).
					Msg("panic recovered")

				err = echo.NewHTTPError(http.StatusInternalServerError, map[string]string{
					"error":      "internal error",
					"code":       "internal",
					"request_id": requestIDOf(c),
				})
			}()
			return next(c)
		}
	}
}
