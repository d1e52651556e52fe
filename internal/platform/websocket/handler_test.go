package websocket

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/ehr-realtime/internal/platform/auth"
)

// echoDispatcher joins every connection to "patient:1" and broadcasts each
// inbound frame to that room.
type echoDispatcher struct {
	hub          *Hub
	mu           sync.Mutex
	connected    []string
	disconnected chan string
	panicOn      string
}

func (d *echoDispatcher) Connected(c *Client) {
	d.mu.Lock()
	d.connected = append(d.connected, c.UserID)
	d.mu.Unlock()
	d.hub.Rooms.Join("patient:1", c.ID)
}

func (d *echoDispatcher) Handle(c *Client, data []byte) {
	if string(data) == d.panicOn {
		panic("boom")
	}
	d.hub.Broadcast("patient:1", data, nil)
}

func (d *echoDispatcher) Disconnected(c *Client) {
	d.hub.Rooms.LeaveAll(c.ID)
	d.disconnected <- c.ID
}

func newTestServer(t *testing.T) (*Hub, *echoDispatcher, string) {
	t.Helper()
	hub, _ := newTestHub()
	d := &echoDispatcher{hub: hub, disconnected: make(chan string, 4), panicOn: "panic"}
	h := NewHandler(hub, auth.DevAuthenticator{}, d, DefaultConfig(), zerolog.Nop())

	e := echo.New()
	h.RegisterRoutes(e.Group(""))
	server := httptest.NewServer(e)
	t.Cleanup(server.Close)

	return hub, d, "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
}

func dial(t *testing.T, url, token string) *gorillawebsocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := gorillawebsocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHandler_RejectsUnauthenticated(t *testing.T) {
	_, _, url := newTestServer(t)

	_, resp, err := gorillawebsocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial without credential to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", resp)
	}
}

func TestHandler_QueryTokenAccepted(t *testing.T) {
	hub, _, url := newTestServer(t)

	conn, _, err := gorillawebsocket.DefaultDialer.Dial(url+"?token=u-9:nurse", nil)
	if err != nil {
		t.Fatalf("dial with query token: %v", err)
	}
	defer conn.Close()

	waitFor(t, func() bool { return len(hub.Registry.ConnectionsOf("u-9")) == 1 })
}

func TestHandler_FullRoundTrip(t *testing.T) {
	hub, d, url := newTestServer(t)

	a := dial(t, url, "doc-1:doctor:Dr. A")
	b := dial(t, url, "nurse-1:nurse")

	waitFor(t, func() bool { return hub.Registry.Count() == 2 && len(hub.Rooms.MembersOf("patient:1")) == 2 })

	if err := a.WriteMessage(gorillawebsocket.TextMessage, []byte(`{"hello":"world"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	for _, conn := range []*gorillawebsocket.Conn{a, b} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(msg) != `{"hello":"world"}` {
			t.Errorf("unexpected frame %s", msg)
		}
	}

	a.Close()
	select {
	case <-d.disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("expected disconnect callback")
	}
	waitFor(t, func() bool { return hub.Registry.Count() == 1 && len(hub.Rooms.MembersOf("patient:1")) == 1 })
}

func TestHandler_PanicDoesNotKillConnection(t *testing.T) {
	_, _, url := newTestServer(t)
	conn := dial(t, url, "doc-1:doctor")

	if err := conn.WriteMessage(gorillawebsocket.TextMessage, []byte("panic")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := conn.WriteMessage(gorillawebsocket.TextMessage, []byte("after")); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("expected connection to survive the panic: %v", err)
	}
	if string(msg) != "after" {
		t.Errorf("unexpected frame %s", msg)
	}
}

func TestHandler_CheckOrigin(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowedOrigins = []string{"https://emr.example"}
	h := NewHandler(nil, auth.DevAuthenticator{}, nil, cfg, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if !h.checkOrigin(req) {
		t.Error("requests without Origin should pass")
	}
	req.Header.Set("Origin", "https://emr.example")
	if !h.checkOrigin(req) {
		t.Error("listed origin should pass")
	}
	req.Header.Set("Origin", "https://evil.example")
	if h.checkOrigin(req) {
		t.Error("unlisted origin should be rejected")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
