package patient

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

var (
	ErrRecordNotFound = errors.New("patient record not found")
	ErrMedicalIDTaken = errors.New("medical id already assigned in this hospital")
)

// ValidationError lists request fields that failed validation, keyed by the
// JSON field name.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s %s", k, e.Fields[k]))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, msg string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	e.Fields[field] = msg
}

func newValidationError(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

// HTTPStatus maps a patient error to a response status.
func HTTPStatus(err error) int {
	var ve *ValidationError
	switch {
	case errors.Is(err, ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrMedicalIDTaken):
		return http.StatusConflict
	case errors.As(err, &ve):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
