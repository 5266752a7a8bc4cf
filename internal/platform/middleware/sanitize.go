package middleware

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const (
	maxHeaderValueSize = 8 << 10
	// Query values are ids, filters and verification codes. Nothing
	// legitimate comes close to this.
	maxQueryValueSize = 512
)

var scriptPattern = regexp.MustCompile(`(?i)(<script|javascript\s*:|on\w+\s*=)`)

// Sanitize rejects requests whose path, headers or query carry traversal
// sequences, control bytes or markup. The public verification route echoes
// neither, but its parameters come straight from a printed QR code.
func Sanitize(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if reason := inspect(c.Request()); reason != "" {
				logger.Warn().
					Str("path", c.Request().URL.Path).
					Str("remote_ip", c.RealIP()).
					Str("reason", reason).
					Msg("malformed request rejected")
				return c.JSON(http.StatusBadRequest, map[string]string{
					"error": reason,
					"code":  "malformed_request",
				})
			}
			return next(c)
		}
	}
}

func inspect(req *http.Request) string {
	for _, p := range []string{req.URL.Path, req.URL.RawPath} {
		if containsPathTraversal(p) {
			return "path traversal detected"
		}
		if containsNullByte(p) {
			return "null byte in path"
		}
	}

	for name, values := range req.Header {
		for _, v := range values {
			if len(v) > maxHeaderValueSize {
				return "header value too large: " + name
			}
			if strings.ContainsAny(v, "\r\n") {
				return "header injection detected: " + name
			}
		}
	}

	for key, values := range req.URL.Query() {
		for _, v := range values {
			if len(v) > maxQueryValueSize {
				return "query parameter too large: " + key
			}
			if containsNullByte(v) || containsNullByte(key) {
				return "null byte in query parameter"
			}
			if scriptPattern.MatchString(v) || scriptPattern.MatchString(key) {
				return "markup in query parameter"
			}
		}
	}
	return ""
}

func containsPathTraversal(s string) bool {
	lower := strings.ToLower(s)
	return strings.Contains(s, "..") || strings.Contains(lower, "%2e%2e") || strings.Contains(lower, "%252e")
}

func containsNullByte(s string) bool {
	return strings.ContainsRune(s, '\x00') || strings.Contains(strings.ToLower(s), "%00")
}
