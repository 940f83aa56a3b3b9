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
			rid, _ := c.Get("request_id").(string)

			err := next(c)
			if err != nil {
				// Let echo write the error response so the logged status is final.
				c.Error(err)
			}

			status := c.Response().Status
			var evt *zerolog.Event
			switch {
			case status >= 500:
				evt = logger.Error().Err(err)
			case status >= 400:
				evt = logger.Warn()
			default:
				evt = logger.Info()
			}

			hid, _ := c.Get("hospital_id").(string)
			evt.
				Str("request_id", rid).
				Str("hospital_id", hid).
				Str("method", req.Method).
				Str("path", c.Path()).
				Int("status", status).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP()).
				Msg("request")

			return nil
		}
	}
}
