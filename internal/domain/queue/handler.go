package queue

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinicops/clinic/internal/domain/checkin"
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
	staff := auth.RequireRole(auth.StaffRoles...)
	api.GET("/queue", h.Queue, staff)
	api.GET("/checkups/today", h.TodaysCheckups, staff)
	api.GET("/checkups/summary", h.Summary, staff)
}

func (h *Handler) Queue(c echo.Context) error {
	var doctorID *uuid.UUID
	if v := c.QueryParam("doctor_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid doctor_id")
		}
		doctorID = &id
	}
	entries, err := h.svc.Queue(c.Request().Context(), actor(c), doctorID)
	if err != nil {
		return apierr.ToHTTP(err)
	}
	if entries == nil {
		entries = []Entry{}
	}
	return c.JSON(http.StatusOK, entries)
}

func (h *Handler) TodaysCheckups(c echo.Context) error {
	items, err := h.svc.TodaysCheckups(c.Request().Context(), actor(c))
	if err != nil {
		return apierr.ToHTTP(err)
	}
	if items == nil {
		items = []*checkin.Session{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) Summary(c echo.Context) error {
	sum, err := h.svc.Summary(c.Request().Context(), actor(c))
	if err != nil {
		return apierr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, sum)
}

func actor(c echo.Context) auth.Actor {
	a, _ := auth.ActorFromContext(c.Request().Context())
	return a
}
