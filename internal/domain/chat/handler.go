package chat

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/ehr-realtime/internal/platform/apperr"
	"github.com/ehr/ehr-realtime/internal/platform/auth"
	"github.com/ehr/ehr-realtime/pkg/pagination"
)

type Handler struct {
	ch    *Channel
	authz auth.Authorizer
}

func NewHandler(ch *Channel, authz auth.Authorizer) *Handler {
	return &Handler{ch: ch, authz: authz}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	role := auth.RequireRole(auth.RoleDoctor, auth.RoleNurse, auth.RoleLabTechnician)

	g := api.Group("/patients/:id/messages", role)
	g.GET("", h.ListMessages)
	g.GET("/unread", h.UnreadCount)
	g.POST("/read", h.MarkRead)
}

func (h *Handler) authorize(c echo.Context) (auth.Identity, string, error) {
	identity, ok := auth.IdentityFromContext(c.Request().Context())
	if !ok {
		return auth.Identity{}, "", echo.NewHTTPError(http.StatusUnauthorized, "unauthenticated")
	}
	patientID := c.Param("id")
	if err := h.authz.AuthorizePatient(c.Request().Context(), identity, patientID); err != nil {
		return auth.Identity{}, "", apperr.HTTP(err)
	}
	return identity, patientID, nil
}

func (h *Handler) ListMessages(c echo.Context) error {
	_, patientID, err := h.authorize(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.ch.History(c.Request().Context(), patientID, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTP(err)
	}
	if items == nil {
		items = []*Message{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) UnreadCount(c echo.Context) error {
	identity, patientID, err := h.authorize(c)
	if err != nil {
		return err
	}
	n, err := h.ch.UnreadCount(c.Request().Context(), patientID, identity.UserID)
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusOK, map[string]int{"unread": n})
}

type markReadRequest struct {
	MessageIDs []uuid.UUID `json:"messageIds"`
}

func (h *Handler) MarkRead(c echo.Context) error {
	identity, patientID, err := h.authorize(c)
	if err != nil {
		return err
	}
	var req markReadRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}
	marked, err := h.ch.MarkRead(c.Request().Context(), patientID, identity, req.MessageIDs)
	if err != nil {
		return apperr.HTTP(err)
	}
	if marked == nil {
		marked = []uuid.UUID{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"marked":     len(marked),
		"messageIds": marked,
	})
}
