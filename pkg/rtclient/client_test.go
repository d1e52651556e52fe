package rtclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 2, Jitter: 0.5}

	want := []time.Duration{100, 200, 400, 800, 1000, 1000}
	for i, w := range want {
		if got := b.Delay(i, 0.5); got != w*time.Millisecond {
			t.Errorf("attempt %d: expected %s, got %s", i, w*time.Millisecond, got)
		}
	}

	if got := b.Delay(1, 0); got != 100*time.Millisecond {
		t.Errorf("lowest jitter: expected 100ms, got %s", got)
	}
	if got := b.Delay(1, 0.999); got <= 200*time.Millisecond || got > 300*time.Millisecond {
		t.Errorf("highest jitter out of range: %s", got)
	}
	if got := b.Delay(10, 0.999); got != time.Second {
		t.Errorf("jitter must not exceed the cap, got %s", got)
	}
}

func TestBackoff_ZeroValueUsesDefaults(t *testing.T) {
	if got := (Backoff{}).Delay(0, 0.5); got != DefaultBackoff().Initial {
		t.Errorf("expected default initial delay, got %s", got)
	}
}

// testServer accepts sockets, records the envelopes each connection sends,
// and closes a connection after its first message when dropFirst is set.
type testServer struct {
	t         *testing.T
	srv       *httptest.Server
	upgrader  websocket.Upgrader
	dropFirst bool

	mu       sync.Mutex
	conns    int
	received [][]envelope
	auth     []string
	greeting []byte
}

func newTestServer(t *testing.T) *testServer {
	ts := &testServer{t: t}
	ts.srv = httptest.NewServer(http.HandlerFunc(ts.serve))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) url() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws"
}

func (ts *testServer) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := ts.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ts.mu.Lock()
	idx := ts.conns
	ts.conns++
	ts.received = append(ts.received, nil)
	ts.auth = append(ts.auth, r.Header.Get("Authorization"))
	greeting := ts.greeting
	ts.mu.Unlock()

	if greeting != nil {
		_ = conn.WriteMessage(websocket.TextMessage, greeting)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env struct {
			Type      string          `json:"type"`
			RequestID string          `json:"requestId"`
			Payload   json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		ts.mu.Lock()
		ts.received[idx] = append(ts.received[idx], envelope{Type: env.Type, RequestID: env.RequestID, Payload: string(env.Payload)})
		drop := ts.dropFirst && idx == 0
		ts.mu.Unlock()
		if drop {
			return
		}
	}
}

func (ts *testServer) messages(conn int) []envelope {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if conn >= len(ts.received) {
		return nil
	}
	return append([]envelope(nil), ts.received[conn]...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func fastBackoff() Backoff {
	return Backoff{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond, Multiplier: 2}
}

func start(t *testing.T, c *Client) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()
	t.Cleanup(c.Close)
	return done
}

func TestClient_ConnectSendAndReceive(t *testing.T) {
	ts := newTestServer(t)
	ts.greeting = []byte(`{"type":"user_online","data":{"userId":"bob"},"timestamp":"2026-01-01T00:00:00Z"}`)

	c := New(Config{URL: ts.url(), Token: "alice:doctor", Backoff: fastBackoff(), Logger: zerolog.Nop()})
	if err := c.Send("typing_start", "", nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected before Run, got %v", err)
	}
	start(t, c)
	waitFor(t, func() bool { return c.State() == StateConnected })

	select {
	case f := <-c.Frames():
		if f.Type != "user_online" || !strings.Contains(string(f.Data), "bob") {
			t.Errorf("unexpected frame %+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
	}

	if err := c.Send("send_message", "r1", map[string]string{"patientId": "p1", "content": "hi"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitFor(t, func() bool { return len(ts.messages(0)) == 1 })
	got := ts.messages(0)[0]
	if got.Type != "send_message" || got.RequestID != "r1" {
		t.Errorf("unexpected envelope %+v", got)
	}

	ts.mu.Lock()
	authHeader := ts.auth[0]
	ts.mu.Unlock()
	if authHeader != "Bearer alice:doctor" {
		t.Errorf("expected bearer credential, got %q", authHeader)
	}
}

func TestClient_ReconnectRejoinsRooms(t *testing.T) {
	ts := newTestServer(t)
	ts.dropFirst = true

	c := New(Config{URL: ts.url(), Backoff: fastBackoff(), Logger: zerolog.Nop()})
	states, unsubscribe := c.Subscribe()
	defer unsubscribe()

	if err := c.JoinRoom("patient:p1"); err != nil {
		t.Fatalf("JoinRoom while disconnected: %v", err)
	}
	start(t, c)

	waitFor(t, func() bool { return len(ts.messages(1)) == 1 })
	first, second := ts.messages(0), ts.messages(1)
	if len(first) != 1 || first[0].Type != "join_room" || !strings.Contains(first[0].Payload.(string), "patient:p1") {
		t.Errorf("first connection should join the room, got %+v", first)
	}
	if second[0].Type != "join_room" {
		t.Errorf("room should be re-joined after reconnect, got %+v", second)
	}

	var seen []State
	waitFor(t, func() bool {
		for {
			select {
			case s := <-states:
				seen = append(seen, s)
			default:
				return len(seen) >= 6
			}
		}
	})
	want := []State{StateDisconnected, StateConnecting, StateConnected, StateDisconnected, StateConnecting, StateConnected}
	for i, s := range want {
		if seen[i] != s {
			t.Fatalf("state %d: expected %s, got %s (all %v)", i, s, seen[i], seen)
		}
	}
}

func TestClient_LeaveRoomIsNotRejoined(t *testing.T) {
	c := New(Config{URL: "ws://127.0.0.1:0/ws", Logger: zerolog.Nop()})
	_ = c.JoinRoom("patient:p1")
	_ = c.JoinRoom("session:s1")
	_ = c.LeaveRoom("patient:p1")

	rooms := c.Rooms()
	if len(rooms) != 1 || rooms[0] != "session:s1" {
		t.Errorf("unexpected rooms %v", rooms)
	}
}

func TestClient_GivesUpAfterMaxAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(Config{
		URL:         "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		MaxAttempts: 3,
		Backoff:     fastBackoff(),
		Logger:      zerolog.Nop(),
	})
	err := c.Run(context.Background())
	if !errors.Is(err, ErrGaveUp) {
		t.Fatalf("expected ErrGaveUp, got %v", err)
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("expected the status in the error, got %v", err)
	}
	if c.State() != StateDisconnected {
		t.Errorf("expected disconnected, got %s", c.State())
	}
}

func TestClient_CloseStopsRun(t *testing.T) {
	ts := newTestServer(t)
	c := New(Config{URL: ts.url(), Backoff: fastBackoff(), Logger: zerolog.Nop()})
	done := start(t, c)
	waitFor(t, func() bool { return c.State() == StateConnected })

	c.Close()
	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("expected ErrClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after Close")
	}
	if c.State() != StateDisconnected {
		t.Errorf("expected disconnected, got %s", c.State())
	}
}

func TestClient_ContextCancelStopsRun(t *testing.T) {
	ts := newTestServer(t)
	c := New(Config{URL: ts.url(), Backoff: fastBackoff(), Logger: zerolog.Nop()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	waitFor(t, func() bool { return c.State() == StateConnected })

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected nil on cancel, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
