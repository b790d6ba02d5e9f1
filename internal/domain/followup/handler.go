package followup

import (
	"net/http"
	"strings"

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
	// Read endpoints – patients see only their own followups
	read := api.Group("/followups", auth.RequireRole(auth.RoleStaff, auth.RoleDoctor, auth.RolePatient))
	read.GET("", h.ListFollowups)
	read.GET("/:id", h.GetFollowup)
	read.GET("/:id/attempts", h.ListAttempts)

	// Write endpoints – front desk and doctors
	write := api.Group("/followups", auth.RequireRole(auth.RoleStaff, auth.RoleDoctor))
	write.POST("", h.UpsertFollowup)
	write.GET("/due", h.DueBoard)
	write.POST("/auto-clear", h.AutoClear)
	write.PATCH("/:id", h.UpdateFollowup)
	write.DELETE("/:id", h.DeleteFollowup)
	write.POST("/:id/reschedule", h.Reschedule)
	write.POST("/:id/cancel", h.Cancel)
	write.POST("/:id/skip", h.Skip)
	write.POST("/:id/attach", h.Attach)
	write.POST("/:id/attempts", h.LogAttempt)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func bind(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return nil
}

// visibleTo hides other patients' followups behind a 404.
func visibleTo(a auth.Actor, f *Followup) error {
	if a.Role == auth.RolePatient && f.PatientID != a.PatientID {
		return apperr.NotFound("followup %s not found", f.ID)
	}
	return nil
}

func (h *Handler) UpsertFollowup(c echo.Context) error {
	actor, err := auth.RequireActor(c.Request().Context())
	if err != nil {
		return err
	}
	var in UpsertInput
	if err := bind(c, &in); err != nil {
		return err
	}
	f, err := h.svc.Upsert(c.Request().Context(), actor, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, f)
}

func (h *Handler) GetFollowup(c echo.Context) error {
	actor, err := auth.RequireActor(c.Request().Context())
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	f, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if err := visibleTo(actor, f); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, f)
}

func (h *Handler) ListFollowups(c echo.Context) error {
	actor, err := auth.RequireActor(c.Request().Context())
	if err != nil {
		return err
	}
	patientID := c.QueryParam("patient_id")
	if actor.Role == auth.RolePatient {
		patientID = actor.PatientID
	}
	pg := pagination.FromContext(c)
	out, total, err := h.svc.ListByPatient(c.Request().Context(), patientID, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewPage(out, total, pg).WithLinks(c.Request().URL, pg))
}

func (h *Handler) DueBoard(c echo.Context) error {
	actor, err := auth.RequireActor(c.Request().Context())
	if err != nil {
		return err
	}
	var filter DueFilter
	if raw := c.QueryParam("branch"); raw != "" {
		b, err := branch.ParseCode(raw)
		if err != nil {
			return apperr.Validation("%v", err)
		}
		if !actor.CanActInBranch(b) {
			return apperr.Forbidden("not allowed to view branch %s", b)
		}
		filter.Branch = &b
	} else if actor.Branch != "" && actor.Role != auth.RoleAdmin {
		b := actor.Branch
		filter.Branch = &b
	}
	if raw := c.QueryParam("date"); raw != "" {
		d, err := caldate.Parse(raw)
		if err != nil {
			return apperr.Validation("date: %v", err)
		}
		filter.On = d
	}

	pg := pagination.FromContext(c)
	out, total, err := h.svc.DueBoard(c.Request().Context(), filter, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewPage(out, total, pg).WithLinks(c.Request().URL, pg))
}

func (h *Handler) UpdateFollowup(c echo.Context) error {
	actor, err := auth.RequireActor(c.Request().Context())
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var in UpdateInput
	if err := bind(c, &in); err != nil {
		return err
	}
	f, err := h.svc.Update(c.Request().Context(), actor, id, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, f)
}

func (h *Handler) DeleteFollowup(c echo.Context) error {
	actor, err := auth.RequireActor(c.Request().Context())
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.Delete(c.Request().Context(), actor, id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Reschedule(c echo.Context) error {
	actor, err := auth.RequireActor(c.Request().Context())
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var in RescheduleInput
	if err := bind(c, &in); err != nil {
		return err
	}
	res, err := h.svc.Reschedule(c.Request().Context(), actor, id, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, res)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) Cancel(c echo.Context) error {
	actor, err := auth.RequireActor(c.Request().Context())
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req cancelRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	res, err := h.svc.Cancel(c.Request().Context(), actor, id, req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

type skipRequest struct {
	Note string `json:"note"`
}

func (h *Handler) Skip(c echo.Context) error {
	actor, err := auth.RequireActor(c.Request().Context())
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req skipRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	res, err := h.svc.Skip(c.Request().Context(), actor, id, req.Note)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

type attachRequest struct {
	ClosedByConsultationID string `json:"closed_by_consultation_id"`
	CompletionNote         string `json:"completion_note"`
}

func (h *Handler) Attach(c echo.Context) error {
	actor, err := auth.RequireActor(c.Request().Context())
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req attachRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	res, err := h.svc.Attach(c.Request().Context(), actor, id, req.ClosedByConsultationID, req.CompletionNote)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) LogAttempt(c echo.Context) error {
	actor, err := auth.RequireActor(c.Request().Context())
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var in AttemptInput
	if err := bind(c, &in); err != nil {
		return err
	}
	a, err := h.svc.LogAttempt(c.Request().Context(), actor, id, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) ListAttempts(c echo.Context) error {
	actor, err := auth.RequireActor(c.Request().Context())
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if actor.Role == auth.RolePatient {
		f, err := h.svc.Get(c.Request().Context(), id)
		if err != nil {
			return err
		}
		if err := visibleTo(actor, f); err != nil {
			return err
		}
	}
	out, err := h.svc.ListAttempts(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) AutoClear(c echo.Context) error {
	actor, err := auth.RequireActor(c.Request().Context())
	if err != nil {
		return err
	}
	var fc FinishedConsultation
	if err := bind(c, &fc); err != nil {
		return err
	}
	if strings.TrimSpace(string(fc.Branch)) == "" {
		fc.Branch = actor.Branch
	} else {
		b, err := branch.ParseCode(string(fc.Branch))
		if err != nil {
			return apperr.Validation("%v", err)
		}
		fc.Branch = b
	}
	res, err := h.svc.AutoClear(c.Request().Context(), fc)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}
