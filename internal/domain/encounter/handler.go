package encounter

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/pocholosatoh/wellserv-portal-sub004/internal/platform/apperr"
	"github.com/pocholosatoh/wellserv-portal-sub004/internal/platform/auth"
	"github.com/pocholosatoh/wellserv-portal-sub004/internal/platform/branch"
	"github.com/pocholosatoh/wellserv-portal-sub004/internal/platform/caldate"
	"github.com/pocholosatoh/wellserv-portal-sub004/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Front desk and doctors, scoped to their branch
	g := api.Group("/encounters", auth.RequireRole(auth.RoleStaff, auth.RoleDoctor))
	g.GET("", h.ListEncounters)
	g.GET("/:id", h.GetEncounter)
	g.GET("/:id/status-history", h.GetStatusHistory)
	g.POST("", h.CreateEncounter)
	g.PATCH("/:id/status", h.UpdateEncounterStatus)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func (h *Handler) CreateEncounter(c echo.Context) error {
	actor, err := auth.RequireActor(c.Request().Context())
	if err != nil {
		return err
	}
	var in CreateInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	res, err := h.svc.CreateEncounter(c.Request().Context(), actor, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) GetEncounter(c echo.Context) error {
	actor, err := auth.RequireActor(c.Request().Context())
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	enc, err := h.svc.GetEncounter(c.Request().Context(), actor, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, enc)
}

func (h *Handler) ListEncounters(c echo.Context) error {
	actor, err := auth.RequireActor(c.Request().Context())
	if err != nil {
		return err
	}
	f := ListFilter{Branch: actor.Branch}
	if raw := c.QueryParam("branch"); raw != "" {
		if f.Branch, err = branch.ParseCode(raw); err != nil {
			return apperr.Validation("%v", err)
		}
	}
	if f.Branch == "" {
		return apperr.Validation("branch is required")
	}
	if raw := c.QueryParam("date"); raw != "" {
		if f.Date, err = caldate.Parse(raw); err != nil {
			return apperr.Validation("date: %v", err)
		}
	}

	pg := pagination.FromContext(c)
	encs, total, err := h.svc.ListEncounters(c.Request().Context(), actor, f, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewPage(encs, total, pg).WithLinks(c.Request().URL, pg))
}

func (h *Handler) UpdateEncounterStatus(c echo.Context) error {
	actor, err := auth.RequireActor(c.Request().Context())
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	enc, err := h.svc.UpdateEncounterStatus(c.Request().Context(), actor, id, body.Status)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, enc)
}

func (h *Handler) GetStatusHistory(c echo.Context) error {
	actor, err := auth.RequireActor(c.Request().Context())
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	history, err := h.svc.GetStatusHistory(c.Request().Context(), actor, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, history)
}
