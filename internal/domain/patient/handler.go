package patient

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medicore/hms/internal/platform/auth"
	"github.com/medicore/hms/internal/platform/fhir"
	"github.com/medicore/hms/pkg/pagination"
)

type Handler struct {
	svc *Service
	log zerolog.Logger
	now func() time.Time
}

func NewHandler(svc *Service, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, log: logger, now: time.Now}
}

func (h *Handler) RegisterRoutes(api *echo.Group, fhirGroup *echo.Group) {
	// Public sign-up
	api.POST("/patients/register", h.Register)

	// Staff endpoints
	staff := api.Group("", auth.RequireRole(auth.StaffRoles...))
	staff.GET("/patients", h.ListRecords)
	staff.GET("/patients/:id", h.GetRecord)
	staff.PATCH("/patients/:id", h.MergeRecord)

	fhirRead := fhirGroup.Group("", auth.RequireRole(auth.StaffRoles...))
	fhirRead.GET("/Patient/:id", h.GetPatientFHIR)
}

type registerResponse struct {
	ID        uuid.UUID `json:"id"`
	MedicalID string    `json:"medicalId"`
}

func (h *Handler) Register(c echo.Context) error {
	var reg Registration
	if err := c.Bind(&reg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	rec, err := h.svc.Register(c.Request().Context(), reg)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusCreated, registerResponse{ID: rec.ID, MedicalID: rec.MedicalID})
}

func (h *Handler) ListRecords(c echo.Context) error {
	pg := pagination.FromContext(c)
	records, total, err := h.svc.List(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(records, total, pg))
}

func (h *Handler) GetRecord(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	p, err := h.svc.Profile(c.Request().Context(), id, h.now())
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

// MergeRecord applies a partial update. It never creates a record.
func (h *Handler) MergeRecord(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	u, err := BindUpdate(c)
	if err != nil {
		return err
	}
	rec, err := h.svc.ApplyUpdate(c.Request().Context(), id, u)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, BuildProfile(rec, h.now()))
}

func (h *Handler) GetPatientFHIR(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.NewOperationOutcome("error", "invalid", "invalid id"))
	}
	rec, err := h.svc.Get(c.Request().Context(), id)
	switch {
	case errors.Is(err, ErrRecordNotFound):
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("Patient", id.String()))
	case err != nil:
		h.log.Error().Err(err).Str("request_id", requestID(c)).Msg("fhir read failed")
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome("internal error"))
	}
	return c.JSON(http.StatusOK, rec.ToFHIR())
}

// BindUpdate decodes a partial update body. An empty body is an empty update.
func BindUpdate(c echo.Context) (*Update, error) {
	var u Update
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "could not read request body")
	}
	if len(body) == 0 {
		return &u, nil
	}
	if err := json.Unmarshal(body, &u); err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return &u, nil
}

func (h *Handler) writeError(c echo.Context, err error) error {
	status := HTTPStatus(err)
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).
			Str("request_id", requestID(c)).
			Str("path", c.Path()).
			Msg("patient request failed")
		return echo.NewHTTPError(status, "internal server error")
	}
	return echo.NewHTTPError(status, err.Error())
}

func requestID(c echo.Context) string {
	rid, _ := c.Get("request_id").(string)
	return rid
}
