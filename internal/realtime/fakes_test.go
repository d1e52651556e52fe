package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/ehr-realtime/internal/domain/chat"
	"github.com/ehr/ehr-realtime/internal/domain/simulation"
	"github.com/ehr/ehr-realtime/internal/platform/apperr"
	"github.com/ehr/ehr-realtime/internal/platform/auth"
	"github.com/ehr/ehr-realtime/internal/platform/pubsub"
	"github.com/ehr/ehr-realtime/internal/platform/websocket"
)

type messageRepo struct {
	mu       sync.Mutex
	messages []*chat.Message
	fail     bool
}

func (r *messageRepo) Create(_ context.Context, m *chat.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("database unavailable")
	}
	m.ID = uuid.New()
	m.CreatedAt = time.Now().UTC()
	r.messages = append(r.messages, m)
	return nil
}

func (r *messageRepo) ListByPatient(context.Context, string, int, int) ([]*chat.Message, int, error) {
	return nil, 0, nil
}

func (r *messageRepo) MarkRead(_ context.Context, patientID, userID string, ids []uuid.UUID) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []uuid.UUID
	for _, m := range r.messages {
		if m.PatientID != patientID || m.SenderID == userID {
			continue
		}
		if len(ids) == 0 {
			out = append(out, m.ID)
			continue
		}
		for _, id := range ids {
			if id == m.ID {
				out = append(out, id)
			}
		}
	}
	return out, nil
}

func (r *messageRepo) UnreadCount(context.Context, string, string) (int, error) { return 0, nil }

type sessionRepo struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*simulation.Session
}

func (r *sessionRepo) Create(_ context.Context, s *simulation.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s.Clone()
	return nil
}

func (r *sessionRepo) Update(_ context.Context, s *simulation.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s.Clone()
	return nil
}

func (r *sessionRepo) find(match func(*simulation.Session) bool) (*simulation.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if match(s) {
			return s.Clone(), nil
		}
	}
	return nil, apperr.NotFound("session not found")
}

func (r *sessionRepo) GetByID(_ context.Context, id uuid.UUID) (*simulation.Session, error) {
	return r.find(func(s *simulation.Session) bool { return s.ID == id })
}

func (r *sessionRepo) GetByCode(_ context.Context, code string) (*simulation.Session, error) {
	return r.find(func(s *simulation.Session) bool { return s.Code == code })
}

func (r *sessionRepo) GetByLink(_ context.Context, link string) (*simulation.Session, error) {
	return r.find(func(s *simulation.Session) bool { return s.Link == link })
}

func (r *sessionRepo) ListActive(context.Context, simulation.Status, int, int) ([]*simulation.Session, int, error) {
	return nil, 0, nil
}

type publishedEvent struct {
	channel string
	event   *pubsub.Event
}

// fakeBus records publishes and lets a test push events to subscribers.
type fakeBus struct {
	mu        sync.Mutex
	published []publishedEvent
	inbound   chan *pubsub.Event
}

func newFakeBus() *fakeBus {
	return &fakeBus{inbound: make(chan *pubsub.Event, 16)}
}

func (b *fakeBus) Publish(_ context.Context, channel string, ev *pubsub.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, publishedEvent{channel: channel, event: ev})
	return nil
}

func (b *fakeBus) SubscribePattern(context.Context, string) (<-chan *pubsub.Event, error) {
	return b.inbound, nil
}

func (b *fakeBus) Close() error { return nil }

func (b *fakeBus) sent() []publishedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]publishedEvent(nil), b.published...)
}

type countingMetrics struct {
	mu       sync.Mutex
	handled  map[string]int
	rejected map[string]int
	rooms    int
	online   int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{handled: make(map[string]int), rejected: make(map[string]int)}
}

func (m *countingMetrics) EventHandled(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handled[kind]++
}

func (m *countingMetrics) EventRejected(kind, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected[kind+"/"+reason]++
}

func (m *countingMetrics) SetRooms(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms = n
}

func (m *countingMetrics) SetOnlineUsers(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.online = n
}

type fixture struct {
	router   *Router
	hub      *websocket.Hub
	chat     *chat.Channel
	sessions *simulation.Coordinator
	messages *messageRepo
	bus      *fakeBus
	relay    *Relay
	metrics  *countingMetrics
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	log := zerolog.Nop()
	hub := websocket.NewHub(log, nil)
	messages := &messageRepo{}
	ch := chat.NewChannel(messages, hub, chat.Config{TypingExpiry: time.Minute, PersistTimeout: time.Second}, log, nil)
	t.Cleanup(ch.Close)
	co, err := simulation.NewCoordinator(&sessionRepo{sessions: make(map[uuid.UUID]*simulation.Session)}, hub,
		simulation.Config{AbandonAfter: time.Minute, PersistTimeout: time.Second}, log, nil)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	t.Cleanup(co.Close)

	bus := newFakeBus()
	relay := NewRelay(bus, hub, "ehr", "instance-a", log, nil)
	metrics := newCountingMetrics()
	r := NewRouter(hub, auth.NewRoleAuthorizer(), ch, co, NewPresence(), relay, cfg, log, metrics)
	return &fixture{
		router:   r,
		hub:      hub,
		chat:     ch,
		sessions: co,
		messages: messages,
		bus:      bus,
		relay:    relay,
		metrics:  metrics,
	}
}

func (f *fixture) connect(connID string, id auth.Identity) *websocket.Client {
	c := websocket.NewClient(connID, nil, id, websocket.DefaultConfig(), zerolog.Nop())
	f.hub.Registry.Register(c)
	f.router.Connected(c)
	return c
}

// disconnect mirrors the socket handler's release path.
func (f *fixture) disconnect(c *websocket.Client) {
	c.Close()
	if _, ok := f.hub.Registry.Unregister(c.ID); ok {
		f.router.Disconnected(c)
	}
}

func (f *fixture) send(t *testing.T, c *websocket.Client, kind, requestID string, payload interface{}) {
	t.Helper()
	env := map[string]interface{}{"type": kind}
	if requestID != "" {
		env["requestId"] = requestID
	}
	if payload != nil {
		env["payload"] = payload
	}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	f.router.Handle(c, data)
}

type frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	Data      json.RawMessage `json:"data"`
}

func frames(c *websocket.Client) []frame {
	var out []frame
	for {
		select {
		case raw := <-c.Send:
			var f frame
			if err := json.Unmarshal(raw, &f); err == nil {
				out = append(out, f)
			}
		default:
			return out
		}
	}
}

func ofType(fs []frame, kind string) []frame {
	var out []frame
	for _, f := range fs {
		if f.Type == kind {
			out = append(out, f)
		}
	}
	return out
}

func only(t *testing.T, fs []frame, kind string) frame {
	t.Helper()
	got := ofType(fs, kind)
	if len(got) != 1 {
		t.Fatalf("expected exactly one %s frame, got %d in %+v", kind, len(got), fs)
	}
	return got[0]
}

func decodeData(t *testing.T, f frame, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(f.Data, v); err != nil {
		t.Fatalf("decode %s data: %v", f.Type, err)
	}
}

var (
	alice  = auth.Identity{UserID: "alice", Role: auth.RoleDoctor, Name: "Dr. Alice"}
	bob    = auth.Identity{UserID: "bob", Role: auth.RoleNurse, Name: "Bob"}
	carol  = auth.Identity{UserID: "carol", Role: auth.RoleDoctor, Name: "Carol"}
	reggie = auth.Identity{UserID: "reggie", Role: auth.RoleReceptionist, Name: "Reggie"}
)

func room(patientID string) map[string]string {
	return map[string]string{"roomKey": websocket.PatientRoom(patientID)}
}
