package realtime

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/ehr-realtime/internal/domain/chat"
	"github.com/ehr/ehr-realtime/internal/platform/auth"
	"github.com/ehr/ehr-realtime/internal/platform/websocket"
	"github.com/ehr/ehr-realtime/pkg/rtclient"
)

func startSocketServer(t *testing.T, f *fixture) string {
	t.Helper()
	e := echo.New()
	websocket.NewHandler(f.hub, auth.DevAuthenticator{}, f.router, websocket.DefaultConfig(), zerolog.Nop()).
		RegisterRoutes(e.Group(""))
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dialClient(t *testing.T, url, token string, rooms ...string) *rtclient.Client {
	t.Helper()
	c := rtclient.New(rtclient.Config{
		URL:     url,
		Token:   token,
		Backoff: rtclient.Backoff{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond, Multiplier: 2},
		Logger:  zerolog.Nop(),
	})
	for _, r := range rooms {
		_ = c.JoinRoom(r)
	}
	go func() { _ = c.Run(context.Background()) }()
	t.Cleanup(c.Close)
	return c
}

func awaitFrame(t *testing.T, c *rtclient.Client, kind string) rtclient.Frame {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case f := <-c.Frames():
			if f.Type == kind {
				return f
			}
		case <-timeout:
			t.Fatalf("no %s frame received", kind)
		}
	}
}

func TestEndToEnd_ChatOverSockets(t *testing.T) {
	f := newFixture(t, Config{})
	url := startSocketServer(t, f)
	patientRoom := websocket.PatientRoom("p1")

	a := dialClient(t, url, "alice:doctor:Dr. Alice", patientRoom)
	awaitFrame(t, a, EventRoomJoined)
	b := dialClient(t, url, "bob:nurse:Bob", patientRoom)
	awaitFrame(t, b, EventRoomJoined)
	awaitFrame(t, a, EventUserOnline)

	err := a.Send(KindSendMessage, "r1", map[string]string{"patientId": "p1", "content": "K+ is 6.1", "tempId": "tmp-1"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	var event struct {
		PatientID string        `json:"patientId"`
		Message   *chat.Message `json:"message"`
	}
	got := awaitFrame(t, b, chat.EventNewMessage)
	if err := json.Unmarshal(got.Data, &event); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if event.PatientID != "p1" || event.Message == nil || event.Message.Content != "K+ is 6.1" || event.Message.SenderID != "alice" {
		t.Errorf("unexpected message %+v", event)
	}

	ack := awaitFrame(t, a, EventMessageAck)
	if ack.RequestID != "r1" || !strings.Contains(string(ack.Data), "tmp-1") {
		t.Errorf("unexpected ack %+v", ack)
	}

	a.Close()
	awaitFrame(t, b, EventUserOffline)
}

func TestEndToEnd_RejectsBadCredential(t *testing.T) {
	f := newFixture(t, Config{})
	url := startSocketServer(t, f)

	c := rtclient.New(rtclient.Config{
		URL:         url,
		Token:       "no-role",
		MaxAttempts: 1,
		Logger:      zerolog.Nop(),
	})
	if err := c.Run(context.Background()); err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected a 401 dial failure, got %v", err)
	}
	if f.hub.Registry.Count() != 0 {
		t.Error("rejected handshake must not register a connection")
	}
}
