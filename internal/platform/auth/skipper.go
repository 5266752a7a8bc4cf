package auth

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// publicPaths bypass authentication and clinic resolution.
var publicPaths = map[string]bool{
	"/health":      true,
	"/health/db":   true,
	"/health/node": true,
	"/metrics":     true,
}

// publicPrefixes cover parameterised public routes.
var publicPrefixes = []string{
	"/verify/prescription/",
}

// IsPublicPath reports whether path is reachable without credentials.
func IsPublicPath(path string) bool {
	if publicPaths[path] {
		return true
	}
	for _, p := range publicPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// AuthSkipper is the echo Skipper form of IsPublicPath.
func AuthSkipper(c echo.Context) bool {
	return IsPublicPath(c.Request().URL.Path)
}
