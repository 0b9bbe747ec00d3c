package identity

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/triage/internal/platform/auth"
	"github.com/ehr/triage/internal/platform/db"
	"github.com/ehr/triage/internal/platform/middleware"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.AllRoles...))
	read.GET("/patients", h.FindPatient)
	read.GET("/patients/:id", h.GetPatient)
}

func (h *Handler) GetPatient(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return middleware.NewHTTPError(http.StatusBadRequest, "invalid_input", "invalid patient id")
	}
	p, err := h.svc.GetPatient(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

// FindPatient looks a patient up by ?fiscal_code=.
func (h *Handler) FindPatient(c echo.Context) error {
	code := c.QueryParam("fiscal_code")
	if code == "" {
		return middleware.NewHTTPError(http.StatusBadRequest, "invalid_input", "fiscal_code query parameter is required")
	}
	p, err := h.svc.GetPatientByFiscalCode(c.Request().Context(), code)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func httpError(err error) error {
	err = db.Classify(err)
	switch {
	case errors.Is(err, ErrNotFound):
		return middleware.NewHTTPError(http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, ErrInvalidInput):
		return middleware.NewHTTPError(http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, db.ErrUnavailable):
		return middleware.NewHTTPError(http.StatusServiceUnavailable, "unavailable", "patient store unavailable")
	}
	return err
}
