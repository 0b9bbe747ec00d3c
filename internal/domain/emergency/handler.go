package emergency

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/triage/internal/domain/identity"
	"github.com/ehr/triage/internal/platform/auth"
	"github.com/ehr/triage/internal/platform/db"
	"github.com/ehr/triage/internal/platform/middleware"
	"github.com/ehr/triage/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the desk endpoints. Every known role may call them;
// the service itself refuses intake to administrative staff.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole(auth.AllRoles...))
	g.POST("/admissions", h.CreateAdmission)
	g.GET("/admissions/active", h.ListActive)
	g.GET("/admissions/:id", h.GetAdmission)
	g.PATCH("/admissions/:id/state", h.Transition)
	g.GET("/admissions/:id/history", h.GetHistory)
	g.GET("/patients/:id/admissions", h.ListByPatient)
	g.GET("/triage-colors", h.ListColors)
}

func (h *Handler) CreateAdmission(c echo.Context) error {
	var req IntakeRequest
	if err := c.Bind(&req); err != nil {
		return middleware.NewHTTPError(http.StatusBadRequest, "invalid_input", "invalid request body")
	}
	ctx := c.Request().Context()
	a, err := h.svc.CreateAdmission(ctx, auth.ActorFromContext(ctx), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) ListActive(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListActive(c.Request().Context(), pg)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*QueueEntry{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg).WithNext(c.Request().URL))
}

func (h *Handler) GetAdmission(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return middleware.NewHTTPError(http.StatusBadRequest, "invalid_input", "invalid admission id")
	}
	d, err := h.svc.GetDetail(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, d)
}

type transitionRequest struct {
	State string `json:"state"`
}

func (h *Handler) Transition(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return middleware.NewHTTPError(http.StatusBadRequest, "invalid_input", "invalid admission id")
	}
	var req transitionRequest
	if err := c.Bind(&req); err != nil {
		return middleware.NewHTTPError(http.StatusBadRequest, "invalid_input", "invalid request body")
	}
	ctx := c.Request().Context()
	a, err := h.svc.Transition(ctx, auth.ActorFromContext(ctx), id, req.State)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) GetHistory(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return middleware.NewHTTPError(http.StatusBadRequest, "invalid_input", "invalid admission id")
	}
	items, err := h.svc.History(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*StatusChange{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) ListByPatient(c echo.Context) error {
	patientID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return middleware.NewHTTPError(http.StatusBadRequest, "invalid_input", "invalid patient id")
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListByPatient(c.Request().Context(), patientID, pg)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Admission{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg).WithNext(c.Request().URL))
}

func (h *Handler) ListColors(c echo.Context) error {
	colors, err := h.svc.ListColors(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	if colors == nil {
		colors = []*TriageColor{}
	}
	return c.JSON(http.StatusOK, colors)
}

// errorMapping is checked in order; the first match wins.
var errorMapping = []struct {
	err    error
	status int
	code   string
}{
	{db.ErrUnavailable, http.StatusServiceUnavailable, "unavailable"},
	{ErrForbidden, http.StatusForbidden, "forbidden"},
	{ErrNotFound, http.StatusNotFound, "not_found"},
	{identity.ErrNotFound, http.StatusNotFound, "not_found"},
	{ErrInvalidState, http.StatusUnprocessableEntity, "invalid_state"},
	{ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{ErrUnknownColor, http.StatusUnprocessableEntity, "unknown_color"},
	{ErrInvalidInput, http.StatusBadRequest, "invalid_input"},
	{identity.ErrInvalidInput, http.StatusBadRequest, "invalid_input"},
	{identity.ErrConstraintViolation, http.StatusConflict, "constraint_violation"},
	{ErrAllocationExhausted, http.StatusInternalServerError, "allocation_exhausted"},
}

func httpError(err error) error {
	err = db.Classify(err)
	for _, m := range errorMapping {
		if errors.Is(err, m.err) {
			msg := err.Error()
			if m.status >= http.StatusInternalServerError {
				msg = m.err.Error()
			}
			return middleware.NewHTTPError(m.status, m.code, msg)
		}
	}
	return err
}
