package auth

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// publicPaths bypass bearer verification: infrastructure endpoints and the
// local notification socket.
var publicPaths = map[string]bool{
	"/health":    true,
	"/health/db": true,
	"/metrics":   true,
	"/ws":        true,
}

// AuthSkipper returns true for requests whose path should skip
// authentication. Admin routes under /api/ are served to the local UI and
// are not guarded by counterpart tokens either.
func AuthSkipper(c echo.Context) bool {
	return IsPublicPath(c.Path()) || strings.HasPrefix(c.Path(), "/api/")
}

// IsPublicPath reports whether path is a public infrastructure endpoint.
func IsPublicPath(path string) bool {
	return publicPaths[path]
}
