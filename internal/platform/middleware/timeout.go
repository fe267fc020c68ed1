package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestTimeout sets a deadline on the request context. Handlers are
// expected to stop when the context is done; the bundle processor abandons
// the bundle and its unit of work rolls back. If the handler returns without
// writing a response after the deadline passed, a 504 OperationOutcome is
// written.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) && !c.Response().Committed {
				return gatewayTimeoutError(c)
			}
			return err
		}
	}
}

func gatewayTimeoutError(c echo.Context) error {
	return writeOutcome(c, http.StatusGatewayTimeout, "timeout",
		"Request processing exceeded the allowed time limit")
}

// writeOutcome writes a single-issue OperationOutcome.
func writeOutcome(c echo.Context, status int, code, diagnostics string) error {
	outcome := map[string]interface{}{
		"resourceType": "OperationOutcome",
		"issue": []map[string]interface{}{
			{
				"severity":    "error",
				"code":        code,
				"diagnostics": diagnostics,
			},
		},
	}
	return c.JSON(status, outcome)
}
