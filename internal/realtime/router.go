// Package realtime routes socket events between connections, rooms and the
// chat, presence and simulation services, and relays events to and from the
// other server instances.
package realtime

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/ehr-realtime/internal/domain/chat"
	"github.com/ehr/ehr-realtime/internal/domain/simulation"
	"github.com/ehr/ehr-realtime/internal/platform/apperr"
	"github.com/ehr/ehr-realtime/internal/platform/auth"
	"github.com/ehr/ehr-realtime/internal/platform/middleware"
	"github.com/ehr/ehr-realtime/internal/platform/pubsub"
	"github.com/ehr/ehr-realtime/internal/platform/websocket"
)

// Metrics receives router counters and gauges.
type Metrics interface {
	EventHandled(kind string)
	EventRejected(kind, reason string)
	SetRooms(n int)
	SetOnlineUsers(n int)
}

type nopMetrics struct{}

func (nopMetrics) EventHandled(string)          {}
func (nopMetrics) EventRejected(string, string) {}
func (nopMetrics) SetRooms(int)                 {}
func (nopMetrics) SetOnlineUsers(int)           {}

type Config struct {
	// EventRPS and EventBurst bound inbound events per connection. A zero
	// rate disables the limit.
	EventRPS   float64
	EventBurst int
	// PublishTimeout bounds a relay publish.
	PublishTimeout time.Duration
}

type handlerFunc func(ctx context.Context, c *websocket.Client, env websocket.Envelope) error

// Router implements websocket.Dispatcher.
type Router struct {
	hub      *websocket.Hub
	authz    auth.Authorizer
	chat     *chat.Channel
	sessions *simulation.Coordinator
	presence *Presence
	relay    *Relay
	limiter  *middleware.Limiter
	metrics  Metrics
	cfg      Config
	log      zerolog.Logger
	handlers map[string]handlerFunc
}

// NewRouter wires the router. relay may be nil.
func NewRouter(hub *websocket.Hub, authz auth.Authorizer, ch *chat.Channel, sessions *simulation.Coordinator, presence *Presence, relay *Relay, cfg Config, log zerolog.Logger, metrics Metrics) *Router {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if presence == nil {
		presence = NewPresence()
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	r := &Router{
		hub:      hub,
		authz:    authz,
		chat:     ch,
		sessions: sessions,
		presence: presence,
		relay:    relay,
		metrics:  metrics,
		cfg:      cfg,
		log:      log.With().Str("component", "router").Logger(),
	}
	if cfg.EventRPS > 0 {
		r.limiter = middleware.NewLimiter(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.EventRPS,
			BurstSize:         cfg.EventBurst,
		})
	}
	r.handlers = map[string]handlerFunc{
		KindJoinRoom:          r.joinRoom,
		KindLeaveRoom:         r.leaveRoom,
		KindSendMessage:       r.sendMessage,
		KindTypingStart:       r.typingStart,
		KindTypingStop:        r.typingStop,
		KindMarkRead:          r.markRead,
		KindPatientUpdate:     r.patientUpdate,
		KindSessionCreate:     r.sessionCreate,
		KindSessionJoinCode:   r.sessionJoinCode,
		KindSessionJoinLink:   r.sessionJoinLink,
		KindSessionControl:    r.sessionControl,
		KindSessionToolUpdate: r.sessionToolUpdate,
	}
	return r
}

func (r *Router) Presence() *Presence { return r.presence }

// Connected counts the connection toward its user's presence. A fresh
// connection is in no room, so coming online has nobody to tell yet; the
// announcement happens when it joins rooms.
func (r *Router) Connected(c *websocket.Client) {
	if r.presence.ConnectionOpened(c.UserID) {
		c.Logger().Debug().Msg("user online")
	}
	r.metrics.SetOnlineUsers(r.presence.Count())
}

// Disconnected removes the connection from every room, clears what the user
// left behind there and announces user_offline when this was the user's last
// connection. The announcement goes to every room the user was announced
// online in, through any of their connections; each recipient connection gets
// at most one user_offline.
func (r *Router) Disconnected(c *websocket.Client) {
	rooms := r.hub.Rooms.LeaveAll(c.ID)
	for _, room := range rooms {
		r.afterLeave(room, c.UserID)
	}
	if r.limiter != nil {
		r.limiter.Forget(c.ID)
	}

	if announced, offline := r.presence.ConnectionClosed(c.UserID); offline {
		seen := make(map[string]bool)
		ev := presenceEvent{UserID: c.UserID, Name: c.Name}
		for _, room := range announced {
			for _, member := range r.hub.Rooms.MembersOf(room) {
				if seen[member] {
					continue
				}
				seen[member] = true
				r.hub.SendEvent(member, EventUserOffline, "", ev)
			}
		}
		c.Logger().Debug().Int("notified", len(seen)).Msg("user offline")
	}
	r.metrics.SetRooms(r.hub.Rooms.Count())
	r.metrics.SetOnlineUsers(r.presence.Count())
}

// Handle decodes and dispatches one inbound frame. Failures are answered
// with an error frame to the sender only.
func (r *Router) Handle(c *websocket.Client, data []byte) {
	env, err := websocket.DecodeEnvelope(data)
	if err != nil {
		r.reject(c, websocket.Envelope{Type: "envelope"}, apperr.Invalid("malformed event: %v", err))
		return
	}
	if c.UserID == "" {
		r.reject(c, env, apperr.Unauthorized("unauthenticated"))
		return
	}
	if r.limiter != nil {
		if ok, retry := r.limiter.Allow(c.ID); !ok {
			r.reject(c, env, apperr.New(apperr.KindRateLimited, "too many events, retry in %ds", retry))
			return
		}
	}

	handle, ok := r.handlers[env.Type]
	if !ok {
		c.Logger().Debug().Str("type", env.Type).Msg("unknown event")
		r.reject(c, websocket.Envelope{Type: "unknown", RequestID: env.RequestID},
			apperr.New(apperr.KindUnknownEvent, "unknown event type %q", env.Type))
		return
	}
	if err := handle(c.Context(), c, env); err != nil {
		r.reject(c, env, err)
		return
	}
	r.metrics.EventHandled(env.Type)
}

// ackedError marks a failure already reported to the sender in a
// kind-specific reply.
type ackedError struct{ err error }

func (e ackedError) Error() string { return e.err.Error() }
func (e ackedError) Unwrap() error { return e.err }

func (r *Router) reject(c *websocket.Client, env websocket.Envelope, err error) {
	kind := apperr.KindOf(err)
	r.metrics.EventRejected(env.Type, string(kind))

	var acked ackedError
	if errors.As(err, &acked) {
		return
	}
	c.Logger().Debug().Err(err).Str("type", env.Type).Str("kind", string(kind)).Msg("event rejected")
	r.hub.SendEvent(c.ID, EventError, env.RequestID, errorEvent{Kind: string(kind), Message: apperr.Message(err)})
}

func decode(env websocket.Envelope, v interface{}) error {
	if err := websocket.DecodeStrict(env.Payload, v); err != nil {
		return apperr.Invalid("invalid %s payload: %v", env.Type, err)
	}
	return nil
}

func (r *Router) authorizePatient(ctx context.Context, c *websocket.Client, patientID string) error {
	return r.authz.AuthorizePatient(ctx, c.Identity(), patientID)
}

func (r *Router) ownedBy(userID string) func(connID string) bool {
	return func(connID string) bool {
		uid, ok := r.hub.Registry.UserOf(connID)
		return ok && uid == userID
	}
}

// userInRoom reports whether userID has a connection in room.
func (r *Router) userInRoom(room, userID string) bool {
	owned := r.ownedBy(userID)
	for _, member := range r.hub.Rooms.MembersOf(room) {
		if owned(member) {
			return true
		}
	}
	return false
}

func (r *Router) usersIn(room string) []string {
	seen := make(map[string]bool)
	out := make([]string, 0)
	for _, member := range r.hub.Rooms.MembersOf(room) {
		if uid, ok := r.hub.Registry.UserOf(member); ok && !seen[uid] {
			seen[uid] = true
			out = append(out, uid)
		}
	}
	sort.Strings(out)
	return out
}

// enter joins c to room and announces user_online to the room's other
// members when the user had no other connection there.
func (r *Router) enter(c *websocket.Client, room string) {
	if joined, first := r.hub.Rooms.JoinAs(room, c.ID, r.ownedBy(c.UserID)); joined && first {
		r.presence.Announce(c.UserID, room)
		r.hub.BroadcastEvent(room, EventUserOnline,
			presenceEvent{UserID: c.UserID, Name: c.Name, RoomKey: room},
			websocket.ExceptUser(c.UserID))
	}
	r.metrics.SetRooms(r.hub.Rooms.Count())
}

// afterLeave clears the user's typing indicator or session activity once
// their last connection has left room.
func (r *Router) afterLeave(room, userID string) {
	if r.userInRoom(room, userID) {
		return
	}
	kind, id, ok := websocket.ParseRoom(room)
	if !ok {
		return
	}
	switch kind {
	case "patient":
		r.chat.StopTyping(id, userID)
	case "session":
		if sid, err := uuid.Parse(id); err == nil {
			r.sessions.Detach(sid, userID)
		}
	}
}

func (r *Router) joinRoom(ctx context.Context, c *websocket.Client, env websocket.Envelope) error {
	var p roomPayload
	if err := decode(env, &p); err != nil {
		return err
	}
	kind, id, ok := websocket.ParseRoom(p.RoomKey)
	if !ok {
		return apperr.Invalid("room key must be patient:<id> or session:<id>")
	}

	reply := roomJoinedEvent{RoomKey: p.RoomKey}
	switch kind {
	case "patient":
		if err := r.authorizePatient(ctx, c, id); err != nil {
			return err
		}
	case "session":
		sid, err := uuid.Parse(id)
		if err != nil {
			return apperr.Invalid("invalid session id")
		}
		s, err := r.sessions.Attach(ctx, sid, c.Identity())
		if err != nil {
			return err
		}
		reply.Session = s
	}

	r.enter(c, p.RoomKey)
	reply.Online = r.usersIn(p.RoomKey)
	if kind == "patient" {
		reply.Typing = r.chat.TypingUsers(id)
	}
	r.hub.SendEvent(c.ID, EventRoomJoined, env.RequestID, reply)
	return nil
}

func (r *Router) leaveRoom(_ context.Context, c *websocket.Client, env websocket.Envelope) error {
	var p roomPayload
	if err := decode(env, &p); err != nil {
		return err
	}
	if _, _, ok := websocket.ParseRoom(p.RoomKey); !ok {
		return apperr.Invalid("room key must be patient:<id> or session:<id>")
	}
	if r.hub.Rooms.Leave(p.RoomKey, c.ID) {
		r.afterLeave(p.RoomKey, c.UserID)
		r.metrics.SetRooms(r.hub.Rooms.Count())
	}
	r.hub.SendEvent(c.ID, EventRoomLeft, env.RequestID, roomLeftEvent{RoomKey: p.RoomKey})
	return nil
}

// sendMessage always answers with message_ack, on success and on failure.
func (r *Router) sendMessage(ctx context.Context, c *websocket.Client, env websocket.Envelope) error {
	var p sendMessagePayload
	err := decode(env, &p)
	if err == nil {
		err = r.authorizePatient(ctx, c, p.PatientID)
	}
	var m *chat.Message
	if err == nil {
		m, err = r.chat.Send(ctx, p.PatientID, c.Identity(), p.Content)
	}
	r.hub.SendEvent(c.ID, EventMessageAck, env.RequestID, chat.Ack(p.TempID, m, err))
	if err != nil {
		return ackedError{err}
	}
	return nil
}

func (r *Router) typingStart(ctx context.Context, c *websocket.Client, env websocket.Envelope) error {
	var p typingPayload
	if err := decode(env, &p); err != nil {
		return err
	}
	if err := r.authorizePatient(ctx, c, p.PatientID); err != nil {
		return err
	}
	return r.chat.StartTyping(p.PatientID, c.Identity())
}

func (r *Router) typingStop(ctx context.Context, c *websocket.Client, env websocket.Envelope) error {
	var p typingPayload
	if err := decode(env, &p); err != nil {
		return err
	}
	if err := r.authorizePatient(ctx, c, p.PatientID); err != nil {
		return err
	}
	r.chat.StopTyping(p.PatientID, c.UserID)
	return nil
}

func (r *Router) markRead(ctx context.Context, c *websocket.Client, env websocket.Envelope) error {
	var p markReadPayload
	if err := decode(env, &p); err != nil {
		return err
	}
	if err := r.authorizePatient(ctx, c, p.PatientID); err != nil {
		return err
	}
	marked, err := r.chat.MarkRead(ctx, p.PatientID, c.Identity(), p.MessageIDs)
	if err != nil {
		return err
	}
	if marked == nil {
		marked = []uuid.UUID{}
	}
	r.hub.SendEvent(c.ID, chat.EventMessagesRead, env.RequestID, markReadReply{PatientID: p.PatientID, MessageIDs: marked})
	return nil
}

// patientUpdate tells the patient room, minus the sending connection, that
// the record changed, and publishes the change for the other instances.
func (r *Router) patientUpdate(ctx context.Context, c *websocket.Client, env websocket.Envelope) error {
	var p patientUpdatePayload
	if err := decode(env, &p); err != nil {
		return err
	}
	if p.UpdateType == "" {
		return apperr.Invalid("updateType is required")
	}
	if err := r.authorizePatient(ctx, c, p.PatientID); err != nil {
		return err
	}

	update := PatientUpdate{
		PatientID:  p.PatientID,
		UpdateType: p.UpdateType,
		UpdateData: p.UpdateData,
		UpdatedBy:  c.UserID,
	}
	r.hub.BroadcastEvent(websocket.PatientRoom(p.PatientID), EventPatientUpdated, update, websocket.ExceptConn(c.ID))

	if r.relay == nil {
		return nil
	}
	ev, err := pubsub.NewEvent(EventPatientUpdated, update)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "failed to encode patient update")
	}
	ev.PatientID = p.PatientID
	pctx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
	defer cancel()
	if err := r.relay.Publish(pctx, ev); err != nil {
		c.Logger().Warn().Err(err).Str("patient_id", p.PatientID).Msg("failed to relay patient update")
	}
	return nil
}

// joinSession puts c in the session room and replies session_joined.
func (r *Router) joinSession(c *websocket.Client, requestID string, s *simulation.Session) {
	room := websocket.SessionRoom(s.ID.String())
	r.enter(c, room)
	r.hub.SendEvent(c.ID, EventSessionJoined, requestID, sessionJoinedEvent{RoomKey: room, Session: s})
}

func (r *Router) sessionCreate(ctx context.Context, c *websocket.Client, env websocket.Envelope) error {
	var p sessionCreatePayload
	if err := decode(env, &p); err != nil {
		return err
	}
	s, err := r.sessions.Create(ctx, c.Identity(), p.Scenario)
	if err != nil {
		return err
	}
	r.joinSession(c, env.RequestID, s)
	return nil
}

func (r *Router) sessionJoinCode(ctx context.Context, c *websocket.Client, env websocket.Envelope) error {
	var p sessionJoinCodePayload
	if err := decode(env, &p); err != nil {
		return err
	}
	s, err := r.sessions.JoinByCode(ctx, p.Code, c.Identity())
	if err != nil {
		return err
	}
	r.joinSession(c, env.RequestID, s)
	return nil
}

func (r *Router) sessionJoinLink(ctx context.Context, c *websocket.Client, env websocket.Envelope) error {
	var p sessionJoinLinkPayload
	if err := decode(env, &p); err != nil {
		return err
	}
	s, err := r.sessions.JoinByLink(ctx, p.Identifier, c.Identity())
	if err != nil {
		return err
	}
	r.joinSession(c, env.RequestID, s)
	return nil
}

func (r *Router) sessionControl(ctx context.Context, c *websocket.Client, env websocket.Envelope) error {
	var p sessionControlPayload
	if err := decode(env, &p); err != nil {
		return err
	}
	status, err := r.sessions.Control(ctx, p.SessionID, simulation.Actor{Identity: c.Identity(), ConnID: c.ID}, p.Action)
	if err != nil {
		return err
	}
	r.hub.SendEvent(c.ID, simulation.EventStatus, env.RequestID, sessionStatusReply{SessionID: p.SessionID, Status: status})
	return nil
}

func (r *Router) sessionToolUpdate(_ context.Context, c *websocket.Client, env websocket.Envelope) error {
	var p sessionToolUpdatePayload
	if err := decode(env, &p); err != nil {
		return err
	}
	_, err := r.sessions.UpdateToolState(p.SessionID, c.UserID, p.ToolDelta)
	return err
}
