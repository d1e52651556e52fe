package simulation

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/ehr-realtime/internal/platform/apperr"
	"github.com/ehr/ehr-realtime/pkg/pagination"
)

type Handler struct {
	co *Coordinator
}

func NewHandler(co *Coordinator) *Handler {
	return &Handler{co: co}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/simulation-sessions", h.ListSessions)
	api.GET("/simulation-sessions/code/:code", h.GetByCode)
	api.GET("/simulation-sessions/:id", h.GetSession)
}

func (h *Handler) ListSessions(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.co.ListActive(c.Request().Context(), Status(c.QueryParam("status")), pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTP(err)
	}
	if items == nil {
		items = []*Session{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetByCode(c echo.Context) error {
	s, err := h.co.LookupCode(c.Request().Context(), c.Param("code"))
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusOK, s)
}

func (h *Handler) GetSession(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid session id")
	}
	s, err := h.co.Get(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusOK, s)
}
