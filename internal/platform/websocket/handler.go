package websocket

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/ehr-realtime/internal/platform/auth"
	"github.com/ehr/ehr-realtime/internal/platform/middleware"
)

// Dispatcher receives connection lifecycle callbacks and inbound frames.
// Handle is called from the connection's read pump, one frame at a time.
type Dispatcher interface {
	Connected(c *Client)
	Handle(c *Client, data []byte)
	Disconnected(c *Client)
}

// Handler upgrades authenticated requests on GET /ws.
type Handler struct {
	hub        *Hub
	authn      auth.Authenticator
	dispatcher Dispatcher
	cfg        Config
	upgrader   gorillawebsocket.Upgrader
	log        zerolog.Logger
}

func NewHandler(hub *Hub, authn auth.Authenticator, dispatcher Dispatcher, cfg Config, log zerolog.Logger) *Handler {
	h := &Handler{
		hub:        hub,
		authn:      authn,
		dispatcher: dispatcher,
		cfg:        cfg,
		log:        log,
	}
	h.upgrader = gorillawebsocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// RegisterRoutes registers the WebSocket endpoint on the provided Echo group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", h.HandleConnect)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// HandleConnect authenticates the bearer credential, upgrades, registers the
// connection and starts its pumps. Unauthenticated requests get 401 and are
// never upgraded.
func (h *Handler) HandleConnect(c echo.Context) error {
	identity, err := h.authn.Authenticate(c.Request().Context(), auth.BearerToken(c.Request()))
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing credential")
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader has already written the error response
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return nil
	}

	client := NewClient(uuid.NewString(), ws, identity, h.cfg, h.log)
	h.hub.Registry.Register(client)
	h.hub.observer.ConnectionOpened()
	client.log.Info().Str("role", identity.Role).Msg("connection registered")

	h.dispatcher.Connected(client)

	go client.WritePump()
	go func() {
		client.ReadPump(func(data []byte) { h.dispatch(client, data) })
		h.release(client)
	}()

	return nil
}

// dispatch isolates a panicking event handler to the frame that caused it.
func (h *Handler) dispatch(c *Client, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", middleware.Stack()).
				Msg("panic recovered in event handler")
		}
	}()
	h.dispatcher.Handle(c, data)
}

// release runs the disconnect path once per connection.
func (h *Handler) release(c *Client) {
	c.Close()
	if _, ok := h.hub.Registry.Unregister(c.ID); !ok {
		return
	}
	h.hub.observer.ConnectionClosed()
	h.dispatcher.Disconnected(c)
	c.log.Info().Msg("connection unregistered")
}
