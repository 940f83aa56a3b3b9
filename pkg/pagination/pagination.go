package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params holds pagination parameters extracted from a request.
type Params struct {
	Limit  int
	Offset int
}

// FromContext extracts pagination parameters from the echo context. Both the
// FHIR style _count/_offset and plain limit/offset are accepted.
func FromContext(c echo.Context) Params {
	limit, _ := strconv.Atoi(c.QueryParam("_count"))
	if limit <= 0 {
		limit, _ = strconv.Atoi(c.QueryParam("limit"))
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	offset, _ := strconv.Atoi(c.QueryParam("_offset"))
	if offset <= 0 {
		offset, _ = strconv.Atoi(c.QueryParam("offset"))
	}
	if offset < 0 {
		offset = 0
	}

	return Params{Limit: limit, Offset: offset}
}

// HasNext returns true if there are more results after the current page.
func (p Params) HasNext(total int) bool {
	return p.Offset+p.Limit < total
}

// Response wraps a paginated API response.
type Response struct {
	Data    interface{} `json:"data"`
	Total   int         `json:"total"`
	Limit   int         `json:"limit"`
	Offset  int         `json:"offset"`
	HasMore bool        `json:"has_more"`
}

func NewResponse(data interface{}, total int, p Params) *Response {
	return &Response{
		Data:    data,
		Total:   total,
		Limit:   p.Limit,
		Offset:  p.Offset,
		HasMore: p.HasNext(total),
	}
}
