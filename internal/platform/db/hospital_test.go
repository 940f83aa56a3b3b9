package db

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestExtractHospitalID_FromHeader(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HospitalHeader, "st_marys")
	c := e.NewContext(req, httptest.NewRecorder())

	if hid := extractHospitalID(c, "default"); hid != "st_marys" {
		t.Errorf("expected st_marys, got %s", hid)
	}
}

func TestExtractHospitalID_FromQuery(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/?hospital_id=clinic-7", nil)
	c := e.NewContext(req, httptest.NewRecorder())

	if hid := extractHospitalID(c, "default"); hid != "clinic-7" {
		t.Errorf("expected clinic-7, got %s", hid)
	}
}

func TestExtractHospitalID_TokenWinsOverHeader(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HospitalHeader, "other")
	c := e.NewContext(req, httptest.NewRecorder())
	c.Set("jwt_tenant_id", "from_token")

	if hid := extractHospitalID(c, "default"); hid != "from_token" {
		t.Errorf("expected from_token, got %s", hid)
	}
}

func TestExtractHospitalID_Default(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())

	if hid := extractHospitalID(c, "default"); hid != "default" {
		t.Errorf("expected default, got %s", hid)
	}
}

func TestHospitalMiddleware_SetsContext(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HospitalHeader, "general_1")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var seen string
	h := HospitalMiddleware("default")(func(c echo.Context) error {
		seen = HospitalFromContext(c.Request().Context())
		return c.NoContent(http.StatusOK)
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seen != "general_1" {
		t.Errorf("expected general_1 in context, got %q", seen)
	}
}

func TestHospitalMiddleware_RejectsInvalid(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HospitalHeader, "bad id; drop")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	called := false
	h := HospitalMiddleware("default")(func(c echo.Context) error {
		called = true
		return nil
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called {
		t.Error("expected next handler not to be called")
	}
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHospitalFromContext_Empty(t *testing.T) {
	if hid := HospitalFromContext(context.Background()); hid != "" {
		t.Errorf("expected empty hospital, got %q", hid)
	}
	if TxFromContext(context.Background()) != nil {
		t.Error("expected no transaction in empty context")
	}
}
