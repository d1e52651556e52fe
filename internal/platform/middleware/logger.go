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

			rid, _ := c.Get("request_id").(string)
			uid, _ := c.Get("user_id").(string)

			evt := logger.Info()
			if err != nil {
				// Let echo write the error response so the logged status is final.
				c.Error(err)
				evt = logger.Warn().Err(err)
				if c.Response().Status >= 500 {
					evt = logger.Error().Err(err)
				}
			}

			evt.
				Str("request_id", rid).
				Str("user_id", uid).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", c.Response().Status).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP()).
				Msg("request")

			return err
		}
	}
}
