package identity

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medicore/hms/internal/domain/patient"
)

// PatientStore is Records plus the operations the patient-facing endpoints
// need once an identity is resolved.
type PatientStore interface {
	Records
	ValidateUpdate(u *patient.Update) error
	ApplyUpdate(ctx context.Context, id uuid.UUID, u *patient.Update) (*patient.Record, error)
	Profile(ctx context.Context, id uuid.UUID, asOf time.Time) (*patient.Profile, error)
}

type Handler struct {
	resolver *Resolver
	patients PatientStore
	log      zerolog.Logger
	now      func() time.Time
}

func NewHandler(resolver *Resolver, patients PatientStore, logger zerolog.Logger) *Handler {
	return &Handler{resolver: resolver, patients: patients, log: logger, now: time.Now}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/patients/resolve", h.Resolve)
	api.GET("/patients/me", h.Me)
	api.PATCH("/patients/me/onboarding", h.Onboarding)
}

// Resolve reports which record the caller is. Recovery signals come from the
// body; the session comes from the bearer token.
func (h *Handler) Resolve(c echo.Context) error {
	var sig Signals
	if err := decodeBody(c, &sig); err != nil {
		return err
	}
	res, err := h.resolver.Resolve(c.Request().Context(), sig)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// Me returns the profile of the session-bound record.
func (h *Handler) Me(c echo.Context) error {
	ctx := c.Request().Context()
	res, err := h.resolver.Resolve(ctx, Signals{})
	if err != nil {
		return h.writeError(c, err)
	}
	p, err := h.patients.Profile(ctx, res.RecordID, h.now())
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

type onboardingRequest struct {
	Signals
	Update patient.Update `json:"update"`
}

type onboardingResponse struct {
	ID        uuid.UUID `json:"id"`
	MedicalID string    `json:"medicalId"`
	Created   bool      `json:"created"`
}

// Onboarding resolves the caller, then merges one onboarding step into the
// resolved record. The update is validated before resolution, so an invalid
// step never creates a record, and nothing is written when resolution fails.
func (h *Handler) Onboarding(c echo.Context) error {
	var req onboardingRequest
	if err := decodeBody(c, &req); err != nil {
		return err
	}
	if err := h.patients.ValidateUpdate(&req.Update); err != nil {
		return h.writeError(c, err)
	}
	ctx := c.Request().Context()
	res, err := h.resolver.Resolve(ctx, req.Signals)
	if err != nil {
		return h.writeError(c, err)
	}
	rec, err := h.patients.ApplyUpdate(ctx, res.RecordID, &req.Update)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, onboardingResponse{ID: rec.ID, MedicalID: rec.MedicalID, Created: res.Created})
}

func decodeBody(c echo.Context, v interface{}) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "could not read request body")
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return nil
}

func (h *Handler) writeError(c echo.Context, err error) error {
	status := HTTPStatus(err)
	if status == http.StatusInternalServerError {
		rid, _ := c.Get("request_id").(string)
		h.log.Error().Err(err).Str("request_id", rid).Str("path", c.Path()).Msg("identity request failed")
		return echo.NewHTTPError(status, "internal server error")
	}
	return echo.NewHTTPError(status, err.Error())
}
