package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()

			err := next(c)
			if err != nil {
				// Let echo render the error first so the logged status is final.
				c.Error(err)
			}

			rid, _ := c.Get("request_id").(string)
			tenant, _ := c.Get("tenant_id").(string)
			evt := logger.Info()
			if err != nil || c.Response().Status >= 500 {
				evt = logger.Error().Err(err)
			}

			evt.
				Str("request_id", rid).
				Str("tenant", tenant).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", c.Response().Status).
				Int64("bytes_out", c.Response().Size).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP()).
				Msg("request")

			return nil
		}
	}
}
