package notification

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/ehr-realtime/internal/platform/apperr"
	"github.com/ehr/ehr-realtime/internal/platform/auth"
	"github.com/ehr/ehr-realtime/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/notifications")
	g.GET("", h.List)
	g.GET("/templates", h.ListTemplates)
	g.POST("", h.Create, auth.RequireRole(auth.RoleDoctor, auth.RoleNurse, auth.RoleLabTechnician, auth.RoleAdmin))
	g.POST("/:id/read", h.MarkRead)
}

func identity(c echo.Context) (auth.Identity, error) {
	id, ok := auth.IdentityFromContext(c.Request().Context())
	if !ok {
		return auth.Identity{}, echo.NewHTTPError(http.StatusUnauthorized, "unauthenticated")
	}
	return id, nil
}

func (h *Handler) List(c echo.Context) error {
	user, err := identity(c)
	if err != nil {
		return err
	}
	unreadOnly, _ := strconv.ParseBool(c.QueryParam("unread"))
	pg := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), user.UserID, unreadOnly, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTP(err)
	}
	if items == nil {
		items = []*Notification{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListTemplates(c echo.Context) error {
	engine := h.svc.Templates()
	out := make([]Template, 0)
	for _, id := range engine.IDs() {
		if t, ok := engine.Get(id); ok {
			out = append(out, t)
		}
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) Create(c echo.Context) error {
	if _, err := identity(c); err != nil {
		return err
	}
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	n, err := h.svc.Create(c.Request().Context(), req)
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusCreated, n)
}

func (h *Handler) MarkRead(c echo.Context) error {
	user, err := identity(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid notification id")
	}
	n, err := h.svc.MarkRead(c.Request().Context(), id, user.UserID)
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusOK, n)
}
