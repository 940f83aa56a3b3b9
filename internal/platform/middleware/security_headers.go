package middleware

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
)

// HeaderPolicy controls SecurityHeaders. HSTSMaxAge of zero omits
// Strict-Transport-Security, which is only sent when the service sits
// behind TLS.
type HeaderPolicy struct {
	HSTSMaxAge time.Duration
	// CacheablePaths are route templates whose responses carry no patient
	// data and may be cached by intermediaries.
	CacheablePaths []string
}

// SecurityHeaders applies policy to every response. Patient data is never
// cacheable; only paths listed in CacheablePaths skip Cache-Control.
func SecurityHeaders(policy HeaderPolicy) echo.MiddlewareFunc {
	cacheable := make(map[string]bool, len(policy.CacheablePaths))
	for _, p := range policy.CacheablePaths {
		cacheable[p] = true
	}
	var hsts string
	if policy.HSTSMaxAge > 0 {
		hsts = "max-age=" + strconv.Itoa(int(policy.HSTSMaxAge/time.Second)) + "; includeSubDomains"
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			h.Set("Cross-Origin-Resource-Policy", "same-origin")
			h.Set("Referrer-Policy", "no-referrer")
			if hsts != "" {
				h.Set("Strict-Transport-Security", hsts)
			}
			if !cacheable[c.Path()] {
				h.Set("Cache-Control", "no-store")
			}
			return next(c)
		}
	}
}
