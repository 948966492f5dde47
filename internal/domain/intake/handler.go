package intake

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehr/intake/internal/platform/auth"
	"github.com/ehr/intake/pkg/pagination"
)

type Handler struct {
	mgr       *Manager
	batchSize int
}

func NewHandler(mgr *Manager, batchSize int) *Handler {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Handler{mgr: mgr, batchSize: batchSize}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Queue work – coordinators and supervisors
	work := api.Group("", auth.RequireRole("coordinator", "supervisor"))
	work.GET("/clinics", h.ListClinics)
	work.GET("/clinics/:clinic/patients", h.ListPatients)
	work.POST("/clinics/:clinic/patients", h.AddPatient)
	work.POST("/clinics/:clinic/assign", h.Assign)
	work.GET("/assignments/me", h.GetAssignment)
	work.POST("/assignments/me/process", h.Process)
	work.POST("/assignments/me/cancel", h.Cancel)
	work.POST("/assignments/me/release", h.Release)
	work.GET("/patients", h.SearchPatients)

	// Clinic administration – supervisors only
	admin := api.Group("", auth.RequireRole("supervisor"))
	admin.POST("/clinics", h.CreateClinic)
}

// ClinicSummary is one row of the clinic listing.
type ClinicSummary struct {
	Name string `json:"name"`
	Size int    `json:"size"`
}

type createClinicRequest struct {
	Name string `json:"name"`
}

type addPatientRequest struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	SSN       string `json:"ssn"`
	Critical  bool   `json:"critical"`
}

// -- Clinic Handlers --

func (h *Handler) ListClinics(c echo.Context) error {
	sizes := h.mgr.Sizes()
	out := make([]ClinicSummary, 0, len(sizes))
	for _, name := range h.mgr.Clinics() {
		out = append(out, ClinicSummary{Name: name, Size: sizes[name]})
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) CreateClinic(c echo.Context) error {
	var req createClinicRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.mgr.AddClinic(req.Name); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, ClinicSummary{Name: strings.TrimSpace(req.Name)})
}

// -- Patient Handlers --

func (h *Handler) ListPatients(c echo.Context) error {
	clinic := c.Param("clinic")
	pg := pagination.FromContext(c, h.batchSize)

	if raw := c.QueryParam("status"); raw != "" {
		status, err := ParseStatus(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		items, err := h.mgr.Patients(clinic, &status)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusOK, pagination.NewResponse(page(items, pg), len(items), pg))
	}

	items, err := h.mgr.Batch(clinic, pg.Page, pg.Size)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, h.mgr.Sizes()[clinic], pg))
}

func (h *Handler) AddPatient(c echo.Context) error {
	coordinator, err := coordinatorOf(c)
	if err != nil {
		return err
	}
	var req addPatientRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p := NewPatient(strings.TrimSpace(req.FirstName), strings.TrimSpace(req.LastName), strings.TrimSpace(req.SSN), req.Critical)
	if err := h.mgr.AddPatient(c.Request().Context(), c.Param("clinic"), p, coordinator); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) SearchPatients(c echo.Context) error {
	first, last := c.QueryParam("first"), c.QueryParam("last")
	if first == "" || last == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "first and last are required")
	}
	return c.JSON(http.StatusOK, h.mgr.SearchByName(first, last))
}

// -- Assignment Handlers --

func (h *Handler) Assign(c echo.Context) error {
	coordinator, err := coordinatorOf(c)
	if err != nil {
		return err
	}
	p, err := h.mgr.Assign(c.Request().Context(), c.Param("clinic"), coordinator)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) GetAssignment(c echo.Context) error {
	coordinator, err := coordinatorOf(c)
	if err != nil {
		return err
	}
	p, ok := h.mgr.AssignedTo(coordinator)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, ErrNoActiveAssignment.Error())
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) Process(c echo.Context) error {
	return h.finalize(c, Processed)
}

func (h *Handler) Cancel(c echo.Context) error {
	return h.finalize(c, Cancelled)
}

func (h *Handler) finalize(c echo.Context, outcome Outcome) error {
	coordinator, err := coordinatorOf(c)
	if err != nil {
		return err
	}
	p, err := h.mgr.Finalize(c.Request().Context(), coordinator, outcome)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) Release(c echo.Context) error {
	coordinator, err := coordinatorOf(c)
	if err != nil {
		return err
	}
	if !h.mgr.Release(coordinator) {
		return echo.NewHTTPError(http.StatusNotFound, ErrNoActiveAssignment.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func coordinatorOf(c echo.Context) (string, error) {
	coordinator := auth.CoordinatorFromContext(c.Request().Context())
	if coordinator == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "no authenticated coordinator")
	}
	return coordinator, nil
}

func page(items []*Patient, pg pagination.Params) []*Patient {
	start := pg.Offset()
	if start >= len(items) {
		return []*Patient{}
	}
	end := len(items)
	if pg.Size < len(items)-start {
		end = start + pg.Size
	}
	return items[start:end]
}

// httpError maps intake sentinels onto HTTP statuses.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrQueueNotFound),
		errors.Is(err, ErrNoEligibleRecord),
		errors.Is(err, ErrNoActiveAssignment):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrDuplicateIdentity),
		errors.Is(err, ErrQueueFull),
		errors.Is(err, ErrAlreadyAssigned):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidPatient),
		errors.Is(err, ErrInvalidOutcome):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
