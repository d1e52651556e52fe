// Package rtclient is a reconnecting WebSocket client for the real-time
// server. It redials with exponential backoff, re-joins the rooms it was asked
// to join, and reports connectivity changes to subscribers.
package rtclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	ErrNotConnected = errors.New("rtclient: not connected")
	ErrGaveUp       = errors.New("rtclient: gave up reconnecting")
	ErrClosed       = errors.New("rtclient: closed")
)

// State is the connectivity state of a Client.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Frame is one server-to-client event.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

type envelope struct {
	Type      string      `json:"type"`
	RequestID string      `json:"requestId,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
}

type Config struct {
	// URL is the socket endpoint, e.g. ws://localhost:8080/ws.
	URL   string
	Token string
	// MaxAttempts bounds consecutive failed dials; 0 retries forever.
	MaxAttempts  int
	Backoff      Backoff
	Dialer       *websocket.Dialer
	FrameBuffer  int
	WriteTimeout time.Duration
	Logger       zerolog.Logger
}

type Client struct {
	cfg Config
	log zerolog.Logger

	mu     sync.Mutex
	state  State
	conn   *websocket.Conn
	rooms  map[string]struct{}
	subs   map[int]chan State
	nextID int
	closed bool

	writeMu sync.Mutex
	frames  chan Frame
	done    chan struct{}
}

func New(cfg Config) *Client {
	if cfg.Backoff == (Backoff{}) {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.FrameBuffer <= 0 {
		cfg.FrameBuffer = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Client{
		cfg:    cfg,
		log:    cfg.Logger.With().Str("component", "rtclient").Logger(),
		rooms:  make(map[string]struct{}),
		subs:   make(map[int]chan State),
		frames: make(chan Frame, cfg.FrameBuffer),
		done:   make(chan struct{}),
	}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe returns a channel of state transitions, starting with the
// current state. Slow subscribers miss transitions rather than block the
// client. Call the returned func to unsubscribe.
func (c *Client) Subscribe() (<-chan State, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan State, 16)
	id := c.nextID
	c.nextID++
	c.subs[id] = ch
	ch <- c.state
	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
	}
}

// Frames delivers every frame read from the server. Frames are dropped when
// the buffer is full.
func (c *Client) Frames() <-chan Frame {
	return c.frames
}

// Rooms returns the rooms the client re-joins on every connect.
func (c *Client) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	return out
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == s {
		return
	}
	c.state = s
	for _, sub := range c.subs {
		select {
		case sub <- s:
		default:
		}
	}
}

// Run dials and redials until ctx is done, Close is called, or MaxAttempts
// consecutive dials fail.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	failures := 0
	for {
		c.setState(StateConnecting)
		conn, err := c.dial(ctx)
		if err != nil {
			c.setState(StateDisconnected)
			if ctx.Err() != nil {
				return c.stopErr()
			}
			failures++
			if c.cfg.MaxAttempts > 0 && failures >= c.cfg.MaxAttempts {
				return fmt.Errorf("%w after %d attempts: %v", ErrGaveUp, failures, err)
			}
			delay := c.cfg.Backoff.Delay(failures-1, rand.Float64())
			c.log.Warn().Err(err).Int("attempt", failures).Dur("retry_in", delay).Msg("dial failed")
			if !sleep(ctx, delay) {
				return c.stopErr()
			}
			continue
		}

		failures = 0
		c.attach(conn)
		c.setState(StateConnected)
		c.rejoin()
		err = c.readLoop(ctx, conn)
		c.detach()
		c.setState(StateDisconnected)
		if ctx.Err() != nil {
			return c.stopErr()
		}
		c.log.Info().Err(err).Msg("connection lost, reconnecting")
		if !sleep(ctx, c.cfg.Backoff.Delay(0, rand.Float64())) {
			return c.stopErr()
		}
	}
}

func (c *Client) stopErr() error {
	select {
	case <-c.done:
		return ErrClosed
	default:
		return nil
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	conn, resp, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", c.cfg.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	return conn, nil
}

func (c *Client) attach(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
}

func (c *Client) detach() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (c *Client) rejoin() {
	for _, room := range c.Rooms() {
		if err := c.Send("join_room", "", map[string]string{"roomKey": room}); err != nil {
			c.log.Warn().Err(err).Str("room", room).Msg("re-join failed")
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Warn().Err(err).Msg("undecodable frame")
			continue
		}
		select {
		case c.frames <- f:
		default:
			c.log.Warn().Str("type", f.Type).Msg("frame buffer full, dropping")
		}
	}
}

// Send writes one event envelope. It fails with ErrNotConnected while the
// client is between connections.
func (c *Client) Send(kind, requestID string, payload interface{}) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(envelope{Type: kind, RequestID: requestID, Payload: payload})
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s: %w", kind, err)
	}
	return nil
}

// JoinRoom remembers room for every future connection and joins it now when
// connected.
func (c *Client) JoinRoom(room string) error {
	c.mu.Lock()
	c.rooms[room] = struct{}{}
	connected := c.conn != nil
	c.mu.Unlock()
	if !connected {
		return nil
	}
	return c.Send("join_room", "", map[string]string{"roomKey": room})
}

func (c *Client) LeaveRoom(room string) error {
	c.mu.Lock()
	delete(c.rooms, room)
	connected := c.conn != nil
	c.mu.Unlock()
	if !connected {
		return nil
	}
	return c.Send("leave_room", "", map[string]string{"roomKey": room})
}

// Close stops Run and closes the current connection.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	close(c.done)
	c.detach()
}
