package middleware

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/medicore/hms/internal/platform/metrics"
)

// Metrics records request counts and latency by route template.
func Metrics(m *metrics.Collector) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.InFlightGauge.Inc()
			defer m.InFlightGauge.Dec()

			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			} else if err != nil && status < 400 {
				status = 500
			}
			path := c.Path()
			if path == "" {
				path = "unmatched"
			}
			labels := []string{c.Request().Method, path, strconv.Itoa(status)}
			m.RequestsTotal.WithLabelValues(labels...).Inc()
			m.RequestDuration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())
			return err
		}
	}
}
