package checkin

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinicops/clinic/internal/platform/apierr"
	"github.com/clinicops/clinic/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/checkins")

	// Front desk or a patient at the kiosk
	g.POST("", h.CheckIn, auth.RequireRole(auth.RoleReceptionist, auth.RoleNurse, auth.RolePatient))
	g.GET("/:id", h.Get, auth.RequireRole(auth.AnyRole...))
	g.GET("", h.ListToday, auth.RequireRole(auth.StaffRoles...))

	clinical := g.Group("", auth.RequireRole(auth.RoleNurse, auth.RoleDoctor))
	clinical.POST("/:id/vitals", h.RecordVitals)
	clinical.POST("/:id/notify", h.NotifyDoctor)

	doctor := g.Group("", auth.RequireRole(auth.RoleDoctor))
	doctor.POST("/:id/start", h.Start)
	doctor.POST("/:id/complete", h.Complete)

	desk := g.Group("", auth.RequireRole(auth.RoleReceptionist))
	desk.POST("/:id/no-show", h.MarkNoShow)
	desk.POST("/:id/cancel", h.Cancel)
}

func (h *Handler) CheckIn(c echo.Context) error {
	var req CheckInRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sess, err := h.svc.CheckIn(c.Request().Context(), actor(c), req)
	if err != nil {
		return apierr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, sess)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	sess, err := h.svc.Get(c.Request().Context(), actor(c), id)
	if err != nil {
		return apierr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) ListToday(c echo.Context) error {
	items, err := h.svc.ListToday(c.Request().Context(), actor(c))
	if err != nil {
		return apierr.ToHTTP(err)
	}
	if items == nil {
		items = []*Session{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) RecordVitals(c echo.Context) error {
	var v Vitals
	if err := c.Bind(&v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return h.act(c, func(ctx context.Context, a auth.Actor, id uuid.UUID) (*Session, error) {
		return h.svc.RecordVitals(ctx, a, id, v)
	})
}

func (h *Handler) NotifyDoctor(c echo.Context) error {
	return h.act(c, h.svc.NotifyDoctor)
}

type startRequest struct {
	DoctorID uuid.UUID `json:"doctor_id"`
}

func (h *Handler) Start(c echo.Context) error {
	var req startRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return h.act(c, func(ctx context.Context, a auth.Actor, id uuid.UUID) (*Session, error) {
		return h.svc.Start(ctx, a, id, req.DoctorID)
	})
}

func (h *Handler) Complete(c echo.Context) error {
	var req CompleteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return h.act(c, func(ctx context.Context, a auth.Actor, id uuid.UUID) (*Session, error) {
		return h.svc.Complete(ctx, a, id, req)
	})
}

func (h *Handler) MarkNoShow(c echo.Context) error {
	return h.act(c, h.svc.MarkNoShow)
}

func (h *Handler) Cancel(c echo.Context) error {
	return h.act(c, h.svc.Cancel)
}

func (h *Handler) act(c echo.Context, op func(context.Context, auth.Actor, uuid.UUID) (*Session, error)) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	sess, err := op(c.Request().Context(), actor(c), id)
	if err != nil {
		return apierr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, sess)
}

func actor(c echo.Context) auth.Actor {
	a, _ := auth.ActorFromContext(c.Request().Context())
	return a
}
