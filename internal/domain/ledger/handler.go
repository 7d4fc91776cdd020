package ledger

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/clinic/ledger/internal/platform/auth"
	"github.com/clinic/ledger/pkg/pagination"
)

const defaultFollowUpWindow = 30 * 24 * time.Hour

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – reception, billing
	read := api.Group("", auth.RequireRole(auth.RoleReception, auth.RoleBilling))
	read.GET("/patients", h.ListPatients)
	read.GET("/patients/follow-ups", h.ListPatientsWithFollowUps)
	read.GET("/patients/:id", h.GetPatient)
	read.GET("/patients/:id/record", h.GetPatientRecord)
	read.GET("/patients/:id/treatments", h.ListPatientTreatments)
	read.GET("/treatments", h.ListTreatments)
	read.GET("/treatments/recent", h.ListRecentTreatments)
	read.GET("/treatments/follow-ups", h.ListFollowUps)
	read.GET("/treatments/:id", h.GetTreatment)
	read.GET("/treatments/:id/receipt", h.GetReceipt)
	read.GET("/stats", h.GetStats)

	// Intake – reception, billing
	intake := api.Group("", auth.RequireRole(auth.RoleReception, auth.RoleBilling))
	intake.POST("/patients", h.CreatePatient)
	intake.POST("/patients/:id/treatments", h.AddTreatment)

	// Payments – billing
	pay := api.Group("", auth.RequireRole(auth.RoleBilling))
	pay.POST("/patients/:id/payments", h.ApplyPatientPayment)
	pay.POST("/treatments/:id/payments", h.RecordTreatmentPayment)

	// Destructive and maintenance endpoints – admin
	admin := api.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.DELETE("/patients/:id", h.DeletePatient)
	admin.DELETE("/treatments/:id", h.DeleteTreatment)
	admin.POST("/patients/:id/reconcile", h.ReconcilePatient)
	admin.POST("/reconcile", h.ReconcileAll)
}

type createPatientRequest struct {
	Patient   PatientInput   `json:"patient"`
	Treatment TreatmentInput `json:"treatment"`
}

type paymentRequest struct {
	Amount *decimal.Decimal `json:"amount"`
	Note   string           `json:"note"`
}

type createdResponse struct {
	ID uuid.UUID `json:"id"`
}

// httpError maps a ledger error onto a status code. Backend details stay
// in the logs.
func httpError(err error) error {
	switch {
	case IsValidation(err):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case IsNotFound(err):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case IsConflict(err):
		return echo.NewHTTPError(http.StatusConflict, "the ledger is busy, retry the request")
	case errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusGatewayTimeout, "request timed out")
	case errors.Is(err, ErrBackend):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "storage unavailable")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func statusParam(c echo.Context) PaymentStatus {
	return PaymentStatus(strings.ToUpper(strings.TrimSpace(c.QueryParam("status"))))
}

// parseDay accepts RFC 3339 timestamps or plain dates. A plain date used
// as an upper bound covers the whole day.
func parseDay(s string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, err
	}
	if endOfDay {
		t = t.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	return t, nil
}

func bindPayment(c echo.Context) (paymentRequest, error) {
	var req paymentRequest
	if err := c.Bind(&req); err != nil {
		return req, echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Amount == nil {
		return req, echo.NewHTTPError(http.StatusBadRequest, "amount: is required")
	}
	req.Note = strings.TrimSpace(req.Note)
	return req, nil
}

// -- Patient Handlers --

func (h *Handler) CreatePatient(c echo.Context) error {
	var req createPatientRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	id, err := h.svc.CreatePatientWithFirstTreatment(c.Request().Context(), req.Patient, req.Treatment)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, createdResponse{ID: id})
}

func (h *Handler) GetPatient(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.GetPatient(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) GetPatientRecord(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	rec, err := h.svc.GetPatientRecord(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) ListPatients(c echo.Context) error {
	pg := pagination.FromContext(c)
	opts := ListOptions{
		Limit:  pg.Limit,
		Offset: pg.Offset,
		Query:  strings.TrimSpace(c.QueryParam("q")),
		Status: statusParam(c),
	}
	items, total, err := h.svc.ListAllPatients(c.Request().Context(), opts)
	if err != nil {
		return httpError(err)
	}

	var extra []string
	if opts.Query != "" {
		extra = append(extra, "q="+url.QueryEscape(opts.Query))
	}
	if opts.Status != "" {
		extra = append(extra, "status="+string(opts.Status))
	}
	resp := pagination.NewResponse(items, total, pg.Limit, pg.Offset)
	resp.Links = pg.Links(c.Request().URL.Path, total, extra...)
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) ListPatientsWithFollowUps(c echo.Context) error {
	items, err := h.svc.ListPatientsWithUpcomingFollowUps(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) ListPatientTreatments(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListTreatmentsForPatient(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) AddTreatment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var in TreatmentInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	tid, err := h.svc.AddTreatmentToExistingPatient(c.Request().Context(), id, in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, createdResponse{ID: tid})
}

func (h *Handler) ApplyPatientPayment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	req, err := bindPayment(c)
	if err != nil {
		return err
	}
	dist, err := h.svc.ApplyPatientPayment(c.Request().Context(), id, *req.Amount, req.Note)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, dist)
}

func (h *Handler) DeletePatient(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeletePatientAndTreatments(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ReconcilePatient(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	fix, _ := strconv.ParseBool(c.QueryParam("fix"))
	drift, err := h.svc.ReconcilePatient(c.Request().Context(), id, fix)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, drift)
}

func (h *Handler) ReconcileAll(c echo.Context) error {
	fix, _ := strconv.ParseBool(c.QueryParam("fix"))
	drifted, err := h.svc.ReconcileAll(c.Request().Context(), fix)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, drifted)
}

// -- Treatment Handlers --

func (h *Handler) GetTreatment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	t, err := h.svc.GetTreatment(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) GetReceipt(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	r, err := h.svc.GetTreatmentReceipt(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) ListTreatments(c echo.Context) error {
	pg := pagination.FromContext(c)
	opts := ListOptions{Limit: pg.Limit, Offset: pg.Offset, Status: statusParam(c)}
	items, total, err := h.svc.ListAllTreatments(c.Request().Context(), opts)
	if err != nil {
		return httpError(err)
	}

	var extra []string
	if opts.Status != "" {
		extra = append(extra, "status="+string(opts.Status))
	}
	resp := pagination.NewResponse(items, total, pg.Limit, pg.Offset)
	resp.Links = pg.Links(c.Request().URL.Path, total, extra...)
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) ListRecentTreatments(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit > pagination.MaxLimit {
		limit = pagination.MaxLimit
	}
	items, err := h.svc.ListRecentTreatments(c.Request().Context(), limit)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

// ListFollowUps defaults to the window from today through the next 30 days.
func (h *Handler) ListFollowUps(c echo.Context) error {
	now := time.Now().UTC()
	from := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	to := from.Add(defaultFollowUpWindow)

	if v := c.QueryParam("from"); v != "" {
		t, err := parseDay(v, false)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid from date")
		}
		from = t
	}
	if v := c.QueryParam("to"); v != "" {
		t, err := parseDay(v, true)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid to date")
		}
		to = t
	}

	items, err := h.svc.ListFollowUps(c.Request().Context(), from, to)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) RecordTreatmentPayment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	req, err := bindPayment(c)
	if err != nil {
		return err
	}
	t, err := h.svc.RecordPaymentOnTreatment(c.Request().Context(), id, *req.Amount, req.Note)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) DeleteTreatment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteTreatment(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) GetStats(c echo.Context) error {
	stats, err := h.svc.GetDashboardStats(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, stats)
}
