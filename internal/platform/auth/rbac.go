package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// StaffRoles may read and edit any patient record in their hospital.
var StaffRoles = []string{"admin", "registrar", "physician", "nurse"}

// RequireRole returns middleware that checks if the user has at least one of the specified roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if HasRole(RolesFromContext(c.Request().Context()), roles...) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// HasRole reports whether userRoles grants any of required. admin grants all.
func HasRole(userRoles []string, required ...string) bool {
	for _, has := range userRoles {
		if has == "admin" {
			return true
		}
		for _, r := range required {
			if has == r {
				return true
			}
		}
	}
	return false
}
