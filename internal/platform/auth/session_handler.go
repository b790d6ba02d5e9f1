package auth

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// SessionHandler serves the session endpoints every portal shares.
type SessionHandler struct {
	store  RevocationStore
	logger zerolog.Logger
}

func NewSessionHandler(store RevocationStore, logger zerolog.Logger) *SessionHandler {
	return &SessionHandler{store: store, logger: logger}
}

// RegisterRoutes mounts POST /auth/logout and GET /me on g.
func (h *SessionHandler) RegisterRoutes(g *echo.Group) {
	g.POST("/auth/logout", h.Logout)
	g.GET("/me", h.Me)
}

// Logout revokes the presented session and clears the role cookie.
func (h *SessionHandler) Logout(c echo.Context) error {
	actor, err := RequireActor(c.Request().Context())
	if err != nil {
		return err
	}

	if actor.tokenID != "" {
		exp := time.Unix(actor.expiresAt, 0)
		if err := h.store.Revoke(c.Request().Context(), actor.tokenID, actor.ID, exp); err != nil {
			h.logger.Error().Err(err).Str("user_id", actor.ID).Msg("logout revoke failed")
			return echo.NewHTTPError(http.StatusServiceUnavailable, "session store unavailable")
		}
		h.logger.Info().Str("user_id", actor.ID).Str("role", string(actor.Role)).Msg("session revoked")
	}

	c.SetCookie(&http.Cookie{
		Name:     actor.Role.CookieName(),
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return c.NoContent(http.StatusNoContent)
}

// Me returns the resolved actor.
func (h *SessionHandler) Me(c echo.Context) error {
	actor, err := RequireActor(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, actor)
}
