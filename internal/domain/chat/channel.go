// Package chat implements the patient-room chat: persist-then-broadcast
// messages with per-room total order, typing indicators that expire on the
// server, and read receipts.
package chat

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/ehr-realtime/internal/platform/apperr"
	"github.com/ehr/ehr-realtime/internal/platform/auth"
	"github.com/ehr/ehr-realtime/internal/platform/websocket"
)

// Observer records how long persistence calls take.
type Observer interface {
	ObservePersist(op string, d time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObservePersist(string, time.Duration) {}

type Config struct {
	TypingExpiry   time.Duration
	PersistTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		TypingExpiry:   4 * time.Second,
		PersistTimeout: 5 * time.Second,
	}
}

type roomLock struct {
	mu   sync.Mutex
	refs int
}

type typingKey struct {
	patientID string
	userID    string
}

type typingEntry struct {
	timer *time.Timer
	gen   uint64
}

// Channel is the chat service shared by every connection.
type Channel struct {
	repo MessageRepository
	out  websocket.Fanout
	cfg  Config
	log  zerolog.Logger
	obs  Observer

	locksMu sync.Mutex
	locks   map[string]*roomLock

	typingMu  sync.Mutex
	typing    map[typingKey]*typingEntry
	typingGen uint64
}

func NewChannel(repo MessageRepository, out websocket.Fanout, cfg Config, log zerolog.Logger, obs Observer) *Channel {
	if obs == nil {
		obs = nopObserver{}
	}
	if cfg.TypingExpiry <= 0 {
		cfg.TypingExpiry = DefaultConfig().TypingExpiry
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = DefaultConfig().PersistTimeout
	}
	return &Channel{
		repo:   repo,
		out:    out,
		cfg:    cfg,
		log:    log.With().Str("component", "chat").Logger(),
		obs:    obs,
		locks:  make(map[string]*roomLock),
		typing: make(map[typingKey]*typingEntry),
	}
}

// lockRoom serializes writers of one room. The returned func releases it.
func (ch *Channel) lockRoom(room string) func() {
	ch.locksMu.Lock()
	l, ok := ch.locks[room]
	if !ok {
		l = &roomLock{}
		ch.locks[room] = l
	}
	l.refs++
	ch.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		ch.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(ch.locks, room)
		}
		ch.locksMu.Unlock()
	}
}

func validateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return apperr.Invalid("message content is required")
	}
	if len(content) > MaxContentLength {
		return apperr.Invalid("message exceeds %d characters", MaxContentLength)
	}
	return nil
}

// Send persists a message and then delivers new_message to every member of
// the patient room, the sender's own connections included. The room stays
// locked from persist through fan-out, so every member sees messages in the
// order they were stored. A failed persist broadcasts nothing.
func (ch *Channel) Send(ctx context.Context, patientID string, sender auth.Identity, content string) (*Message, error) {
	if sender.IsZero() {
		return nil, apperr.Unauthorized("unauthenticated")
	}
	if patientID == "" {
		return nil, apperr.Invalid("patient id is required")
	}
	if err := validateContent(content); err != nil {
		return nil, err
	}

	room := websocket.PatientRoom(patientID)
	unlock := ch.lockRoom(room)
	defer unlock()

	m := &Message{
		PatientID:  patientID,
		SenderID:   sender.UserID,
		SenderName: sender.DisplayName(),
		SenderRole: sender.Role,
		Content:    content,
		Kind:       KindText,
	}

	ctx, cancel := context.WithTimeout(ctx, ch.cfg.PersistTimeout)
	start := time.Now()
	err := ch.repo.Create(ctx, m)
	cancel()
	ch.obs.ObservePersist("message_create", time.Since(start))
	if err != nil {
		ch.log.Error().Err(err).Str("patient_id", patientID).Str("user_id", sender.UserID).Msg("failed to persist message")
		return nil, apperr.Upstream(err, "failed to save message")
	}

	ch.out.BroadcastEvent(room, EventNewMessage, newMessageEvent{PatientID: patientID, Message: m}, nil)
	ch.StopTyping(patientID, sender.UserID)
	return m, nil
}

// AckEvent is the message_ack payload for a send attempt.
type AckEvent struct {
	TempID  string     `json:"tempId,omitempty"`
	Message *Message   `json:"message,omitempty"`
	Error   *ErrorBody `json:"error,omitempty"`
}

type ErrorBody struct {
	Kind    apperr.Kind `json:"kind"`
	Message string      `json:"message"`
}

// Ack builds the acknowledgment for a Send result.
func Ack(tempID string, m *Message, err error) AckEvent {
	if err != nil {
		return AckEvent{TempID: tempID, Error: &ErrorBody{Kind: apperr.KindOf(err), Message: apperr.Message(err)}}
	}
	return AckEvent{TempID: tempID, Message: m}
}

// StartTyping marks userID as typing in the patient room. The first call
// broadcasts user_typing to the other members; later calls before expiry only
// extend the window.
func (ch *Channel) StartTyping(patientID string, user auth.Identity) error {
	if user.IsZero() {
		return apperr.Unauthorized("unauthenticated")
	}
	if patientID == "" {
		return apperr.Invalid("patient id is required")
	}

	k := typingKey{patientID: patientID, userID: user.UserID}

	ch.typingMu.Lock()
	defer ch.typingMu.Unlock()

	ch.typingGen++
	gen := ch.typingGen
	if e, ok := ch.typing[k]; ok {
		e.timer.Stop()
		e.gen = gen
		e.timer = time.AfterFunc(ch.cfg.TypingExpiry, func() { ch.expire(k, gen) })
		return nil
	}

	ch.typing[k] = &typingEntry{
		gen:   gen,
		timer: time.AfterFunc(ch.cfg.TypingExpiry, func() { ch.expire(k, gen) }),
	}
	ch.out.BroadcastEvent(websocket.PatientRoom(patientID), EventUserTyping,
		typingEvent{PatientID: patientID, UserID: user.UserID, UserName: user.DisplayName()},
		websocket.ExceptUser(user.UserID))
	return nil
}

// StopTyping clears the typing state and broadcasts user_stopped_typing. It
// reports false, and broadcasts nothing, when the user was not typing.
func (ch *Channel) StopTyping(patientID, userID string) bool {
	k := typingKey{patientID: patientID, userID: userID}

	ch.typingMu.Lock()
	defer ch.typingMu.Unlock()

	e, ok := ch.typing[k]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(ch.typing, k)
	ch.broadcastStopped(k)
	return true
}

// expire runs on the typing timer. A stale generation means the entry was
// refreshed or stopped after this timer was armed.
func (ch *Channel) expire(k typingKey, gen uint64) {
	ch.typingMu.Lock()
	defer ch.typingMu.Unlock()

	e, ok := ch.typing[k]
	if !ok || e.gen != gen {
		return
	}
	delete(ch.typing, k)
	ch.log.Debug().Str("patient_id", k.patientID).Str("user_id", k.userID).Msg("typing expired")
	ch.broadcastStopped(k)
}

func (ch *Channel) broadcastStopped(k typingKey) {
	ch.out.BroadcastEvent(websocket.PatientRoom(k.patientID), EventUserStoppedTyping,
		typingEvent{PatientID: k.patientID, UserID: k.userID},
		websocket.ExceptUser(k.userID))
}

// TypingUsers lists who is currently typing in the patient room, sorted.
func (ch *Channel) TypingUsers(patientID string) []string {
	ch.typingMu.Lock()
	defer ch.typingMu.Unlock()

	var users []string
	for k := range ch.typing {
		if k.patientID == patientID {
			users = append(users, k.userID)
		}
	}
	sort.Strings(users)
	return users
}

// MarkRead stores read receipts and tells the room's other members which
// messages userID has now read. Empty ids marks the whole room.
func (ch *Channel) MarkRead(ctx context.Context, patientID string, user auth.Identity, ids []uuid.UUID) ([]uuid.UUID, error) {
	if user.IsZero() {
		return nil, apperr.Unauthorized("unauthenticated")
	}
	if patientID == "" {
		return nil, apperr.Invalid("patient id is required")
	}

	ctx, cancel := context.WithTimeout(ctx, ch.cfg.PersistTimeout)
	defer cancel()

	start := time.Now()
	marked, err := ch.repo.MarkRead(ctx, patientID, user.UserID, ids)
	ch.obs.ObservePersist("message_mark_read", time.Since(start))
	if err != nil {
		ch.log.Error().Err(err).Str("patient_id", patientID).Msg("failed to mark messages read")
		return nil, apperr.Upstream(err, "failed to mark messages read")
	}
	if len(marked) > 0 {
		ch.out.BroadcastEvent(websocket.PatientRoom(patientID), EventMessagesRead,
			readEvent{PatientID: patientID, UserID: user.UserID, MessageIDs: marked},
			websocket.ExceptUser(user.UserID))
	}
	return marked, nil
}

// History returns a page of the room's messages, newest first.
func (ch *Channel) History(ctx context.Context, patientID string, limit, offset int) ([]*Message, int, error) {
	items, total, err := ch.repo.ListByPatient(ctx, patientID, limit, offset)
	if err != nil {
		return nil, 0, apperr.Upstream(err, "failed to load messages")
	}
	return items, total, nil
}

func (ch *Channel) UnreadCount(ctx context.Context, patientID, userID string) (int, error) {
	n, err := ch.repo.UnreadCount(ctx, patientID, userID)
	if err != nil {
		return 0, apperr.Upstream(err, "failed to count unread messages")
	}
	return n, nil
}

// Close stops every pending typing timer without broadcasting.
func (ch *Channel) Close() {
	ch.typingMu.Lock()
	defer ch.typingMu.Unlock()
	for k, e := range ch.typing {
		e.timer.Stop()
		delete(ch.typing, k)
	}
}
