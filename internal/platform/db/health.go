package db

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// Pinger is implemented by every resource store backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler reports whether the backing store answers within five seconds.
func HealthHandler(store Pinger, backend string) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		if err := store.Ping(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
				"status":  "unhealthy",
				"backend": backend,
				"error":   err.Error(),
			})
		}

		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":  "healthy",
			"backend": backend,
		})
	}
}
