package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths bypass authentication and tenant resolution.
var publicPaths = map[string]bool{
	"/health":    true,
	"/health/db": true,
}

// AuthSkipper reports whether the request's route is public.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()] || publicPaths[c.Request().URL.Path]
}

// IsPublicPath reports whether path is a public infrastructure endpoint.
func IsPublicPath(path string) bool {
	return publicPaths[path]
}
