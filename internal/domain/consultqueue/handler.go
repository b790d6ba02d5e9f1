package consultqueue

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/pocholosatoh/wellserv-portal-sub004/internal/platform/apperr"
	"github.com/pocholosatoh/wellserv-portal-sub004/internal/platform/auth"
	"github.com/pocholosatoh/wellserv-portal-sub004/internal/platform/branch"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/consult-queue", auth.RequireRole(auth.RoleStaff, auth.RoleDoctor))
	g.GET("", h.List)
	g.POST("/enable", h.Enable)
	g.POST("/disable", h.Disable)
	g.POST("/reorder", h.Reorder)
}

// resolveBranch parses raw, falling back to the actor's own branch.
func resolveBranch(a auth.Actor, raw string) (branch.Code, error) {
	if raw == "" {
		if a.Branch == "" {
			return "", apperr.Validation("branch is required")
		}
		return a.Branch, nil
	}
	b, err := branch.ParseCode(raw)
	if err != nil {
		return "", apperr.Validation("%v", err)
	}
	return b, nil
}

type enableRequest struct {
	EncounterID uuid.UUID `json:"encounter_id"`
	Branch      string    `json:"branch"`
}

func (h *Handler) Enable(c echo.Context) error {
	actor, err := auth.RequireActor(c.Request().Context())
	if err != nil {
		return err
	}
	var req enableRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	b, err := resolveBranch(actor, req.Branch)
	if err != nil {
		return err
	}
	res, err := h.svc.Enable(c.Request().Context(), actor, req.EncounterID, b)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

type disableRequest struct {
	EncounterID uuid.UUID `json:"encounter_id"`
}

func (h *Handler) Disable(c echo.Context) error {
	actor, err := auth.RequireActor(c.Request().Context())
	if err != nil {
		return err
	}
	var req disableRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	slot, err := h.svc.Disable(c.Request().Context(), actor, req.EncounterID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, slot)
}

type reorderRequest struct {
	Branch       string      `json:"branch"`
	EncounterIDs []uuid.UUID `json:"encounter_ids"`
}

func (h *Handler) Reorder(c echo.Context) error {
	actor, err := auth.RequireActor(c.Request().Context())
	if err != nil {
		return err
	}
	var req reorderRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	b, err := resolveBranch(actor, req.Branch)
	if err != nil {
		return err
	}
	out, err := h.svc.Reorder(c.Request().Context(), actor, b, req.EncounterIDs)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"data": out})
}

func (h *Handler) List(c echo.Context) error {
	actor, err := auth.RequireActor(c.Request().Context())
	if err != nil {
		return err
	}
	b, err := resolveBranch(actor, c.QueryParam("branch"))
	if err != nil {
		return err
	}
	out, err := h.svc.List(c.Request().Context(), actor, b)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"branch": b,
		"date":   h.svc.Today(b),
		"data":   out,
	})
}
