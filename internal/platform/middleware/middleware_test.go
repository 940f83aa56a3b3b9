package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medicore/hms/internal/platform/metrics"
)

func TestRequestID_GeneratesNew(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		rid := c.Get("request_id").(string)
		if rid == "" {
			t.Error("expected request_id to be generated")
		}
		return c.String(http.StatusOK, "ok")
	}

	mw := RequestID()
	h := mw(handler)
	err := h(c)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("expected X-Request-ID response header")
	}
}

func TestRequestID_PreservesExisting(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "my-custom-id")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		rid := c.Get("request_id").(string)
		if rid != "my-custom-id" {
			t.Errorf("expected my-custom-id, got %s", rid)
		}
		return c.String(http.StatusOK, "ok")
	}

	mw := RequestID()
	h := mw(handler)
	h(c)

	if rec.Header().Get(RequestIDHeader) != "my-custom-id" {
		t.Errorf("expected my-custom-id in response header, got %s", rec.Header().Get(RequestIDHeader))
	}
}

func TestLogger_LogsRequest(t *testing.T) {
	logger := zerolog.New(os.Stderr).With().Logger()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}

	mw := Logger(logger)
	h := mw(handler)
	err := h(c)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRecovery_CatchesPanic(t *testing.T) {
	logger := zerolog.New(os.Stderr).With().Logger()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/panic", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		panic("test panic")
	}

	mw := Recovery(logger)
	h := mw(handler)
	err := h(c)

	if err == nil {
		t.Fatal("expected error from recovered panic")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", httpErr.Code)
	}
}

func TestRecovery_LogsCorrelationFields(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/panic", nil), httptest.NewRecorder())
	c.Set("request_id", "req-1")
	c.Set("hospital_id", "h1")

	_ = Recovery(zerolog.New(&buf))(func(c echo.Context) error { panic("boom") })(c)

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log: %v", err)
	}
	if entry["request_id"] != "req-1" || entry["hospital_id"] != "h1" || entry["panic"] != "boom" {
		t.Errorf("unexpected log entry %v", entry)
	}
}

func TestRecovery_PassesThrough(t *testing.T) {
	logger := zerolog.New(os.Stderr).With().Logger()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}

	mw := Recovery(logger)
	h := mw(handler)
	err := h(c)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRequestID_RejectsUnsafeValue(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "bad id\r\ninjected")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := RequestID()(func(c echo.Context) error { return nil })
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rid := rec.Header().Get(RequestIDHeader)
	if rid == "" || strings.Contains(rid, " ") {
		t.Errorf("expected a generated request id, got %q", rid)
	}
}

func TestLogger_WritesErrorStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/missing", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set("hospital_id", "h1")

	h := Logger(logger)(func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "record not found")
	})
	if err := h(c); err != nil {
		t.Fatalf("expected error to be handled, got %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 written, got %d", rec.Code)
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["level"] != "warn" {
		t.Errorf("expected warn level, got %v", entry["level"])
	}
	if entry["hospital_id"] != "h1" {
		t.Errorf("expected hospital_id h1, got %v", entry["hospital_id"])
	}
	if entry["status"] != float64(404) {
		t.Errorf("expected status 404, got %v", entry["status"])
	}
}

func TestSecurityHeaders(t *testing.T) {
	tests := []struct {
		name      string
		policy    HeaderPolicy
		path      string
		wantHSTS  string
		wantCache string
	}{
		{"default", HeaderPolicy{}, "/patients/:id", "", "no-store"},
		{"hsts", HeaderPolicy{HSTSMaxAge: 365 * 24 * time.Hour}, "/patients/:id", "max-age=31536000; includeSubDomains", "no-store"},
		{"cacheable path", HeaderPolicy{CacheablePaths: []string{"/metrics"}}, "/metrics", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			rec := httptest.NewRecorder()
			c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
			c.SetPath(tt.path)

			h := SecurityHeaders(tt.policy)(func(c echo.Context) error { return c.NoContent(http.StatusOK) })
			if err := h(c); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if rec.Header().Get("X-Content-Type-Options") != "nosniff" || rec.Header().Get("Referrer-Policy") != "no-referrer" {
				t.Errorf("expected base headers, got %v", rec.Header())
			}
			if got := rec.Header().Get("Strict-Transport-Security"); got != tt.wantHSTS {
				t.Errorf("HSTS = %q, want %q", got, tt.wantHSTS)
			}
			if got := rec.Header().Get("Cache-Control"); got != tt.wantCache {
				t.Errorf("Cache-Control = %q, want %q", got, tt.wantCache)
			}
		})
	}
}

func TestMetrics_CountsByRouteTemplate(t *testing.T) {
	m := metrics.NewCollector()
	e := echo.New()
	e.Use(Metrics(m))
	e.GET("/patients/:id", func(c echo.Context) error {
		if c.Param("id") == "missing" {
			return echo.NewHTTPError(http.StatusNotFound, "record not found")
		}
		return c.NoContent(http.StatusOK)
	})

	for _, id := range []string{"a", "b", "missing"} {
		req := httptest.NewRequest(http.MethodGet, "/patients/"+id, nil)
		e.ServeHTTP(httptest.NewRecorder(), req)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()

	ok := `hms_http_requests_total{method="GET",path="/patients/:id",status="200"} 2`
	if !strings.Contains(body, ok) {
		t.Errorf("expected %q in metrics output", ok)
	}
	notFound := `hms_http_requests_total{method="GET",path="/patients/:id",status="404"} 1`
	if !strings.Contains(body, notFound) {
		t.Errorf("expected %q in metrics output", notFound)
	}
}
