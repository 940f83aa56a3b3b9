package identity

import (
	"errors"
	"net/http"

	"github.com/medicore/hms/internal/domain/patient"
)

var (
	// ErrNotAuthenticated means there is no valid session and no usable
	// recovery signals. Callers must not write any record.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrRecoveryFailed means recovery signals were supplied but matched no
	// record and no record could be created for them.
	ErrRecoveryFailed = errors.New("recovery failed")
)

// HTTPStatus maps an identity or patient error to a response status.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrNotAuthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrRecoveryFailed):
		return http.StatusUnprocessableEntity
	default:
		return patient.HTTPStatus(err)
	}
}
