package db

import (
	"context"
	"net/http"
	"regexp"

	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	HospitalIDKey contextKey = "hospital_id"

	HospitalHeader = "X-Hospital-ID"
)

var hospitalIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// ValidHospitalID reports whether id is an acceptable tenant identifier.
func ValidHospitalID(id string) bool {
	return hospitalIDPattern.MatchString(id)
}

// HospitalMiddleware scopes every request to exactly one hospital. The hospital
// is taken from the session token, then the X-Hospital-ID header, then the
// hospital_id query parameter, then defaultHospital.
func HospitalMiddleware(defaultHospital string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			hospitalID := extractHospitalID(c, defaultHospital)

			if !ValidHospitalID(hospitalID) {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid hospital identifier"})
			}

			ctx := WithHospital(c.Request().Context(), hospitalID)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("hospital_id", hospitalID)

			return next(c)
		}
	}
}

func extractHospitalID(c echo.Context, defaultHospital string) string {
	// A hospital claim in the token always wins so a session cannot be
	// replayed against another tenant by switching headers.
	if hid, ok := c.Get("jwt_tenant_id").(string); ok && hid != "" {
		return hid
	}

	if hid := c.Request().Header.Get(HospitalHeader); hid != "" {
		return hid
	}

	if hid := c.QueryParam("hospital_id"); hid != "" {
		return hid
	}

	return defaultHospital
}

// WithHospital returns a copy of ctx scoped to hospitalID.
func WithHospital(ctx context.Context, hospitalID string) context.Context {
	return context.WithValue(ctx, HospitalIDKey, hospitalID)
}

// HospitalFromContext retrieves the hospital ID from context.
func HospitalFromContext(ctx context.Context) string {
	hid, _ := ctx.Value(HospitalIDKey).(string)
	return hid
}
