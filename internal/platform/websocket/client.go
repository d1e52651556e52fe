package websocket

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ehr/ehr-realtime/internal/platform/auth"
)

// Conn abstracts a WebSocket connection for testability. *gorilla/websocket.Conn
// satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Config tunes heartbeats and buffering for every connection.
type Config struct {
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
	SendBuffer     int
	// AllowedOrigins lists browser origins accepted on upgrade; "*" accepts any.
	AllowedOrigins []string
}

func DefaultConfig() Config {
	return Config{
		PingInterval:   25 * time.Second,
		PongWait:       60 * time.Second,
		WriteWait:      10 * time.Second,
		MaxMessageSize: 64 * 1024,
		SendBuffer:     256,
	}
}

// Client is one authenticated connection. Frames queued on Send are written by
// the write pump; nothing else writes data frames to the socket.
type Client struct {
	ID          string
	UserID      string
	Role        string
	Name        string
	ConnectedAt time.Time
	Send        chan []byte

	conn      Conn
	cfg       Config
	log       zerolog.Logger
	lastSeen  atomic.Int64
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewClient builds a client for an upgraded socket. conn may be nil in tests
// that only inspect Send.
func NewClient(id string, conn Conn, identity auth.Identity, cfg Config, log zerolog.Logger) *Client {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		ID:          id,
		UserID:      identity.UserID,
		Role:        identity.Role,
		Name:        identity.DisplayName(),
		ConnectedAt: time.Now(),
		Send:        make(chan []byte, cfg.SendBuffer),
		conn:        conn,
		cfg:         cfg,
		ctx:         ctx,
		cancel:      cancel,
	}
	c.log = log.With().Str("conn_id", id).Str("user_id", identity.UserID).Logger()
	c.Touch()
	return c
}

func (c *Client) Identity() auth.Identity {
	return auth.Identity{UserID: c.UserID, Role: c.Role, Name: c.Name}
}

// Context is cancelled when the connection closes.
func (c *Client) Context() context.Context {
	return c.ctx
}

func (c *Client) Logger() *zerolog.Logger {
	return &c.log
}

func (c *Client) Touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

func (c *Client) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// Enqueue queues a frame without blocking. It returns false when the buffer is
// full or the connection is closed; the frame is then dropped for this client.
func (c *Client) Enqueue(frame []byte) bool {
	if c.ctx.Err() != nil {
		return false
	}
	select {
	case c.Send <- frame:
		return true
	default:
		return false
	}
}

// Close tears the connection down. Safe to call more than once and from any
// goroutine.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

// CloseWithReason sends a close frame before closing.
func (c *Client) CloseWithReason(code int, reason string) {
	if c.conn != nil && c.ctx.Err() == nil {
		msg := gorillawebsocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(gorillawebsocket.CloseMessage, msg, time.Now().Add(c.cfg.WriteWait))
	}
	c.Close()
}

// WritePump drains Send to the socket and pings every PingInterval. It returns
// when a write fails or the client is closed.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case frame := <-c.Send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.conn.WriteMessage(gorillawebsocket.TextMessage, frame); err != nil {
				c.log.Debug().Err(err).Msg("write failed")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(gorillawebsocket.PingMessage, nil, time.Now().Add(c.cfg.WriteWait)); err != nil {
				c.log.Debug().Err(err).Msg("ping failed")
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// ReadPump reads text frames and hands them to handle, one at a time, until
// the socket fails or the read deadline passes without a frame or pong.
func (c *Client) ReadPump(handle func(data []byte)) {
	defer c.Close()

	c.conn.SetReadLimit(c.cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.Touch()
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			if gorillawebsocket.IsUnexpectedCloseError(err,
				gorillawebsocket.CloseGoingAway,
				gorillawebsocket.CloseNormalClosure,
				gorillawebsocket.CloseNoStatusReceived) {
				c.log.Debug().Err(err).Msg("connection closed unexpectedly")
			}
			return
		}
		c.Touch()
		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))

		if mt != gorillawebsocket.TextMessage {
			continue
		}
		handle(data)
	}
}
