// Package simulation coordinates multiplayer surgery-simulation sessions:
// creation, join by code or share link, host-only lifecycle control, host
// reassignment, and last-writer-wins tool state broadcast as deltas.
package simulation

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/ehr-realtime/internal/platform/apperr"
	"github.com/ehr/ehr-realtime/internal/platform/auth"
	"github.com/ehr/ehr-realtime/internal/platform/websocket"
)

const (
	maxScenarioLength = 100
	maxToolIDLength   = 64
	createAttempts    = 3
)

type Config struct {
	// AbandonAfter is how long a session with no active participant is kept
	// before it is completed and evicted.
	AbandonAfter   time.Duration
	PersistTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		AbandonAfter:   2 * time.Minute,
		PersistTimeout: 5 * time.Second,
	}
}

// Observer records persistence latency and the number of sessions in memory.
type Observer interface {
	ObservePersist(op string, d time.Duration)
	SetActiveSessions(n int)
}

type nopObserver struct{}

func (nopObserver) ObservePersist(string, time.Duration) {}
func (nopObserver) SetActiveSessions(int)                {}

// Actor is a user issuing a command from one connection.
type Actor struct {
	auth.Identity
	ConnID string
}

type entry struct {
	mu      sync.Mutex
	s       *Session
	abandon *time.Timer
	evicted bool

	// abandonGen identifies the armed timer; a callback whose generation no
	// longer matches was cancelled or superseded.
	abandonGen uint64
}

// Coordinator owns the in-memory copy of every live session. Each session is
// mutated under its own lock; the repository is written through on lifecycle
// and roster changes.
type Coordinator struct {
	repo  SessionRepository
	out   websocket.Fanout
	cfg   Config
	log   zerolog.Logger
	obs   Observer
	codes *CodeGenerator
	links *CodeGenerator

	mu       sync.Mutex
	sessions map[uuid.UUID]*entry
	byCode   map[string]uuid.UUID
	byLink   map[string]uuid.UUID
}

func NewCoordinator(repo SessionRepository, out websocket.Fanout, cfg Config, log zerolog.Logger, obs Observer) (*Coordinator, error) {
	codes, err := NewCodeGenerator(JoinCodeSize, JoinCodeAlphabet)
	if err != nil {
		return nil, err
	}
	links, err := NewCodeGenerator(ShareLinkSize, ShareLinkAlphabet)
	if err != nil {
		return nil, err
	}
	if obs == nil {
		obs = nopObserver{}
	}
	def := DefaultConfig()
	if cfg.AbandonAfter <= 0 {
		cfg.AbandonAfter = def.AbandonAfter
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = def.PersistTimeout
	}
	return &Coordinator{
		repo:     repo,
		out:      out,
		cfg:      cfg,
		log:      log.With().Str("component", "simulation").Logger(),
		obs:      obs,
		codes:    codes,
		links:    links,
		sessions: make(map[uuid.UUID]*entry),
		byCode:   make(map[string]uuid.UUID),
		byLink:   make(map[string]uuid.UUID),
	}, nil
}

// persist runs a repository call under the persist timeout. Errors that
// already carry a kind pass through; anything else is an upstream failure.
func (co *Coordinator) persist(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, co.cfg.PersistTimeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	co.obs.ObservePersist(op, time.Since(start))
	if err == nil {
		return nil
	}
	if apperr.KindOf(err) != apperr.KindInternal {
		return err
	}
	co.log.Error().Err(err).Str("op", op).Msg("session store call failed")
	return apperr.Upstream(err, "session store unavailable")
}

func (co *Coordinator) cache(s *Session) *entry {
	co.mu.Lock()
	defer co.mu.Unlock()

	if e, ok := co.sessions[s.ID]; ok {
		return e
	}
	e := &entry{s: s}
	co.sessions[s.ID] = e
	co.byCode[s.Code] = s.ID
	co.byLink[s.Link] = s.ID
	co.obs.SetActiveSessions(len(co.sessions))
	return e
}

// evict drops e from the cache if it is still the cached entry for its id.
func (co *Coordinator) evict(e *entry, s *Session) {
	co.mu.Lock()
	defer co.mu.Unlock()

	if co.sessions[s.ID] != e {
		return
	}
	delete(co.sessions, s.ID)
	delete(co.byCode, s.Code)
	delete(co.byLink, s.Link)
	co.obs.SetActiveSessions(len(co.sessions))
}

// adopt caches a session read from the store. No connection in this process
// is attached to it yet, so every participant starts inactive and the
// abandonment timer runs until someone rejoins.
func (co *Coordinator) adopt(s *Session) *entry {
	for i := range s.Participants {
		s.Participants[i].Active = false
	}
	e := co.cache(s)
	e.mu.Lock()
	if e.s == s && !e.evicted {
		co.armAbandon(e)
	}
	e.mu.Unlock()
	return e
}

func (co *Coordinator) cached(id uuid.UUID) (*entry, bool) {
	co.mu.Lock()
	defer co.mu.Unlock()
	e, ok := co.sessions[id]
	return e, ok
}

// load returns the entry for id, reading it from the store on a miss.
func (co *Coordinator) load(ctx context.Context, id uuid.UUID) (*entry, error) {
	if e, ok := co.cached(id); ok {
		return e, nil
	}
	var s *Session
	err := co.persist(ctx, "session_get", func(ctx context.Context) error {
		var err error
		s, err = co.repo.GetByID(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return co.adopt(s), nil
}

// resolve finds a joinable session through a code or link index, falling back
// to the store. Completed sessions are reported as closed and not cached.
func (co *Coordinator) resolve(ctx context.Context, index map[string]uuid.UUID, key string, fetch func(ctx context.Context) (*Session, error)) (*entry, error) {
	co.mu.Lock()
	id, ok := index[key]
	e := co.sessions[id]
	co.mu.Unlock()
	if ok && e != nil {
		return e, nil
	}

	var s *Session
	err := co.persist(ctx, "session_lookup", func(ctx context.Context) error {
		var err error
		s, err = fetch(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	if s.Status == StatusCompleted {
		return nil, apperr.Closed("session has ended")
	}
	return co.adopt(s), nil
}

// withSession runs fn with the session locked. An entry evicted while the
// caller waited is reloaded once from the store.
func (co *Coordinator) withSession(ctx context.Context, id uuid.UUID, fn func(e *entry) error) error {
	for attempt := 0; attempt < 2; attempt++ {
		e, err := co.load(ctx, id)
		if err != nil {
			return err
		}
		e.mu.Lock()
		if e.evicted {
			e.mu.Unlock()
			co.evict(e, e.s)
			continue
		}
		err = fn(e)
		e.mu.Unlock()
		return err
	}
	return apperr.Closed("session has ended")
}

// Create starts an idle session hosted by host.
func (co *Coordinator) Create(ctx context.Context, host auth.Identity, scenario string) (*Session, error) {
	if host.IsZero() {
		return nil, apperr.Unauthorized("unauthenticated")
	}
	scenario = strings.TrimSpace(scenario)
	if scenario == "" {
		return nil, apperr.Invalid("scenario is required")
	}
	if len(scenario) > maxScenarioLength {
		return nil, apperr.Invalid("scenario exceeds %d characters", maxScenarioLength)
	}

	var created *Session
	for attempt := 0; attempt < createAttempts && created == nil; attempt++ {
		code, err := co.codes.Generate()
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, err, "failed to generate join code")
		}
		link, err := co.links.Generate()
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, err, "failed to generate share link")
		}

		now := time.Now().UTC()
		s := &Session{
			ID:       uuid.New(),
			Code:     code,
			Link:     link,
			Scenario: scenario,
			Status:   StatusIdle,
			HostID:   host.UserID,
			Participants: []Participant{{
				UserID:      host.UserID,
				DisplayName: host.DisplayName(),
				Role:        RoleHost,
				Active:      true,
				JoinedAt:    now,
			}},
			Tools:     make(map[string]*ToolState),
			CreatedAt: now,
			UpdatedAt: now,
		}
		err = co.persist(ctx, "session_create", func(ctx context.Context) error { return co.repo.Create(ctx, s) })
		switch {
		case err == nil:
			created = s
		case apperr.KindOf(err) == apperr.KindConflict:
			co.log.Debug().Str("code", code).Msg("join code collision, retrying")
		default:
			return nil, err
		}
	}
	if created == nil {
		return nil, apperr.Conflict("could not allocate a unique join code")
	}

	e := co.cache(created)
	co.log.Info().
		Str("session_id", created.ID.String()).
		Str("host_id", host.UserID).
		Str("scenario", scenario).
		Msg("simulation session created")

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s.Clone(), nil
}

// JoinByCode adds user to the session with the given join code. Unknown codes
// are not found and change nothing; completed sessions are closed.
func (co *Coordinator) JoinByCode(ctx context.Context, code string, user auth.Identity) (*Session, error) {
	code = NormalizeCode(code)
	if !co.codes.Valid(code) {
		return nil, apperr.NotFound("no session with code %s", code)
	}
	e, err := co.resolve(ctx, co.byCode, code, func(ctx context.Context) (*Session, error) {
		return co.repo.GetByCode(ctx, code)
	})
	if err != nil {
		return nil, err
	}
	return co.join(ctx, e, user, false)
}

// JoinByLink is JoinByCode keyed by the share link identifier.
func (co *Coordinator) JoinByLink(ctx context.Context, link string, user auth.Identity) (*Session, error) {
	link = strings.TrimSpace(link)
	if !co.links.Valid(link) {
		return nil, apperr.NotFound("no session for this link")
	}
	e, err := co.resolve(ctx, co.byLink, link, func(ctx context.Context) (*Session, error) {
		return co.repo.GetByLink(ctx, link)
	})
	if err != nil {
		return nil, err
	}
	return co.join(ctx, e, user, false)
}

// Attach reactivates an existing participant joining the session room, for
// example after a reconnect. Non-participants are forbidden.
func (co *Coordinator) Attach(ctx context.Context, sessionID uuid.UUID, user auth.Identity) (*Session, error) {
	e, err := co.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return co.join(ctx, e, user, true)
}

func (co *Coordinator) join(ctx context.Context, e *entry, user auth.Identity, existingOnly bool) (*Session, error) {
	if user.IsZero() {
		return nil, apperr.Unauthorized("unauthenticated")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.s
	if e.evicted || s.Status == StatusCompleted {
		return nil, apperr.Closed("session has ended")
	}

	prev, prevHost := append([]Participant(nil), s.Participants...), s.HostID
	i, ok := s.participant(user.UserID)
	switch {
	case !ok && existingOnly:
		return nil, apperr.Forbidden("not a participant of this session")
	case !ok:
		s.Participants = append(s.Participants, Participant{
			UserID:      user.UserID,
			DisplayName: user.DisplayName(),
			Role:        RoleParticipant,
			Active:      true,
			JoinedAt:    time.Now().UTC(),
		})
	case !s.Participants[i].Active:
		s.Participants[i].Active = true
	default:
		co.cancelAbandon(e)
		return s.Clone(), nil
	}

	co.cancelAbandon(e)
	// Everyone left while the host was away; the first one back takes over.
	handedOff := co.handOffHost(s)
	if err := co.persist(ctx, "session_update", func(ctx context.Context) error { return co.repo.Update(ctx, s) }); err != nil {
		s.Participants, s.HostID = prev, prevHost
		if s.activeCount() == 0 {
			co.armAbandon(e)
		}
		return nil, err
	}

	co.log.Info().Str("session_id", s.ID.String()).Str("user_id", user.UserID).Msg("participant joined")
	if handedOff {
		co.announceHost(s, prevHost)
	}
	co.broadcastRoster(s)
	return s.Clone(), nil
}

// Detach marks userID inactive after its last connection left the session
// room. A departing host hands over to the longest-tenured active participant;
// a session left with nobody active starts its abandonment timer.
func (co *Coordinator) Detach(sessionID uuid.UUID, userID string) {
	e, ok := co.cached(sessionID)
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.s
	if e.evicted {
		return
	}
	i, ok := s.participant(userID)
	if !ok || !s.Participants[i].Active {
		return
	}
	s.Participants[i].Active = false

	if s.HostID == userID && co.handOffHost(s) {
		co.announceHost(s, userID)
	}
	co.broadcastRoster(s)

	if s.activeCount() == 0 {
		co.armAbandon(e)
	}

	if err := co.persist(context.Background(), "session_update", func(ctx context.Context) error {
		return co.repo.Update(ctx, s)
	}); err != nil {
		co.log.Warn().Err(err).Str("session_id", s.ID.String()).Msg("failed to persist participant departure")
	}
}

// nextHost picks the active participant with the earliest join time; ties go
// to the one earlier in the roster. It returns -1 when nobody is active.
func nextHost(s *Session) int {
	best := -1
	for i, p := range s.Participants {
		if !p.Active {
			continue
		}
		if best < 0 || p.JoinedAt.Before(s.Participants[best].JoinedAt) {
			best = i
		}
	}
	return best
}

// handOffHost moves the host role to nextHost when the current host is not
// active. It reports whether the host changed.
func (co *Coordinator) handOffHost(s *Session) bool {
	if h, ok := s.participant(s.HostID); ok && s.Participants[h].Active {
		return false
	}
	j := nextHost(s)
	if j < 0 {
		return false
	}
	if h, ok := s.participant(s.HostID); ok {
		s.Participants[h].Role = RoleParticipant
	}
	s.Participants[j].Role = RoleHost
	s.HostID = s.Participants[j].UserID
	return true
}

func (co *Coordinator) announceHost(s *Session, from string) {
	co.log.Info().
		Str("session_id", s.ID.String()).
		Str("from", from).
		Str("to", s.HostID).
		Msg("host reassigned")
	co.out.BroadcastEvent(websocket.SessionRoom(s.ID.String()), EventHost,
		hostEvent{SessionID: s.ID, HostID: s.HostID}, nil)
}

// armAbandon must be called with e.mu held.
func (co *Coordinator) armAbandon(e *entry) {
	if e.abandon != nil {
		return
	}
	e.abandonGen++
	gen := e.abandonGen
	e.abandon = time.AfterFunc(co.cfg.AbandonAfter, func() { co.abandoned(e, gen) })
}

// cancelAbandon must be called with e.mu held.
func (co *Coordinator) cancelAbandon(e *entry) {
	if e.abandon != nil {
		e.abandon.Stop()
		e.abandon = nil
	}
}

func (co *Coordinator) abandoned(e *entry, gen uint64) {
	e.mu.Lock()
	if e.abandon == nil || e.abandonGen != gen || e.evicted || e.s.activeCount() > 0 {
		e.mu.Unlock()
		return
	}
	e.abandon = nil
	e.evicted = true

	s := e.s
	if s.Status != StatusCompleted {
		now := time.Now().UTC()
		s.Status = StatusCompleted
		s.EndedAt = &now
	}
	if err := co.persist(context.Background(), "session_archive", func(ctx context.Context) error {
		return co.repo.Update(ctx, s)
	}); err != nil {
		co.log.Error().Err(err).Str("session_id", s.ID.String()).Msg("failed to archive abandoned session")
	}
	e.mu.Unlock()

	co.evict(e, s)
	co.log.Info().Str("session_id", s.ID.String()).Msg("session abandoned")
}

// transition applies the lifecycle table. changed=false with a nil error is
// an acknowledged no-op.
func transition(from Status, action Action) (to Status, changed bool, err error) {
	switch action {
	case ActionStart:
		switch from {
		case StatusIdle, StatusPaused:
			return StatusActive, true, nil
		case StatusActive:
			return from, false, nil
		}
	case ActionPause:
		switch from {
		case StatusActive:
			return StatusPaused, true, nil
		case StatusPaused:
			return from, false, nil
		}
	case ActionStop:
		switch from {
		case StatusActive, StatusPaused:
			return StatusCompleted, true, nil
		case StatusIdle, StatusCompleted:
			return from, false, nil
		}
	case ActionReset:
		switch from {
		case StatusPaused, StatusCompleted:
			return StatusIdle, true, nil
		}
	default:
		return from, false, apperr.Invalid("unknown action %q", action)
	}
	return from, false, apperr.Conflict("cannot %s a session that is %s", action, from)
}

// Control applies a host command. The new status is broadcast to every
// session member except the issuing connection, which gets it as the reply.
func (co *Coordinator) Control(ctx context.Context, sessionID uuid.UUID, actor Actor, action Action) (Status, error) {
	var result Status
	err := co.withSession(ctx, sessionID, func(e *entry) error {
		s := e.s
		result = s.Status
		if _, ok := s.participant(actor.UserID); !ok {
			return apperr.Forbidden("not a participant of this session")
		}
		if s.HostID != actor.UserID {
			return apperr.Conflict("only the host can %s the session", action)
		}

		next, changed, err := transition(s.Status, action)
		if err != nil || !changed {
			return err
		}

		prevStatus, prevTools, prevEnded := s.Status, s.Tools, s.EndedAt
		s.Status = next
		switch {
		case action == ActionReset:
			s.Tools = make(map[string]*ToolState)
			s.EndedAt = nil
		case next == StatusCompleted:
			now := time.Now().UTC()
			s.EndedAt = &now
		}

		if err := co.persist(ctx, "session_update", func(ctx context.Context) error { return co.repo.Update(ctx, s) }); err != nil {
			s.Status, s.Tools, s.EndedAt = prevStatus, prevTools, prevEnded
			return err
		}

		result = next
		co.log.Info().
			Str("session_id", s.ID.String()).
			Str("action", string(action)).
			Str("status", string(next)).
			Msg("session status changed")
		co.out.BroadcastEvent(websocket.SessionRoom(s.ID.String()), EventStatus,
			statusEvent{SessionID: s.ID, Status: next}, websocket.ExceptConn(actor.ConnID))
		return nil
	})
	return result, err
}

// UpdateToolState merges delta field by field; a field is applied when the
// delta's version is not older than the last accepted write of that field.
// Only the applied fields are broadcast, to the other participants.
func (co *Coordinator) UpdateToolState(sessionID uuid.UUID, userID string, delta ToolDelta) (ToolDelta, error) {
	if delta.ToolID == "" || len(delta.ToolID) > maxToolIDLength {
		return ToolDelta{}, apperr.Invalid("tool id is required and at most %d characters", maxToolIDLength)
	}
	if delta.empty() {
		return ToolDelta{}, apperr.Invalid("tool delta carries no fields")
	}
	if delta.Version < 0 {
		return ToolDelta{}, apperr.Invalid("version must not be negative")
	}

	e, ok := co.cached(sessionID)
	if !ok {
		return ToolDelta{}, apperr.NotFound("session %s is not running", sessionID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.s
	if e.evicted || s.Status == StatusCompleted {
		return ToolDelta{}, apperr.Closed("session has ended")
	}
	if i, ok := s.participant(userID); !ok || !s.Participants[i].Active {
		return ToolDelta{}, apperr.Forbidden("not an active participant of this session")
	}
	if delta.Owner != nil && *delta.Owner != "" {
		if _, ok := s.participant(*delta.Owner); !ok {
			return ToolDelta{}, apperr.Invalid("tool owner must be a participant")
		}
	}

	version := delta.Version
	if version == 0 {
		version = time.Now().UnixMilli()
	}

	t, ok := s.Tools[delta.ToolID]
	if !ok {
		t = &ToolState{}
	}
	applied := ToolDelta{ToolID: delta.ToolID, Version: version}
	if delta.Type != nil && version >= t.Versions.Type {
		t.Type = *delta.Type
		t.Versions.Type = version
		applied.Type = delta.Type
	}
	if delta.Owner != nil && version >= t.Versions.Owner {
		t.Owner = *delta.Owner
		t.Versions.Owner = version
		applied.Owner = delta.Owner
	}
	if delta.Transform != nil && version >= t.Versions.Transform {
		t.Transform = *delta.Transform
		t.Versions.Transform = version
		applied.Transform = delta.Transform
	}
	if applied.empty() {
		return applied, nil
	}
	s.Tools[delta.ToolID] = t

	co.out.BroadcastEvent(websocket.SessionRoom(s.ID.String()), EventToolDelta,
		toolDeltaEvent{SessionID: s.ID, ToolID: delta.ToolID, Delta: applied},
		websocket.ExceptUser(userID))
	return applied, nil
}

func (co *Coordinator) broadcastRoster(s *Session) {
	co.out.BroadcastEvent(websocket.SessionRoom(s.ID.String()), EventRoster, rosterEvent{
		SessionID:    s.ID,
		HostID:       s.HostID,
		Participants: append([]Participant(nil), s.Participants...),
	}, nil)
}

// Get returns a snapshot of a session, loading it if needed.
func (co *Coordinator) Get(ctx context.Context, sessionID uuid.UUID) (*Session, error) {
	var snap *Session
	err := co.withSession(ctx, sessionID, func(e *entry) error {
		snap = e.s.Clone()
		return nil
	})
	return snap, err
}

// isParticipant reports whether userID is on the roster of a live session.
func (co *Coordinator) isParticipant(sessionID uuid.UUID, userID string) bool {
	e, ok := co.cached(sessionID)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok = e.s.participant(userID)
	return ok && !e.evicted
}

// LookupCode returns a session by join code for display, whatever its status.
func (co *Coordinator) LookupCode(ctx context.Context, code string) (*Session, error) {
	code = NormalizeCode(code)
	if !co.codes.Valid(code) {
		return nil, apperr.NotFound("no session with code %s", code)
	}

	co.mu.Lock()
	e := co.sessions[co.byCode[code]]
	co.mu.Unlock()
	if e != nil {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.s.Clone(), nil
	}

	var s *Session
	err := co.persist(ctx, "session_lookup", func(ctx context.Context) error {
		var err error
		s, err = co.repo.GetByCode(ctx, code)
		return err
	})
	return s, err
}

// ListActive pages through sessions that have not completed.
func (co *Coordinator) ListActive(ctx context.Context, status Status, limit, offset int) ([]*Session, int, error) {
	if status != "" && (!status.Valid() || status == StatusCompleted) {
		return nil, 0, apperr.Invalid("status must be one of idle, active, paused")
	}
	var items []*Session
	var total int
	err := co.persist(ctx, "session_list", func(ctx context.Context) error {
		var err error
		items, total, err = co.repo.ListActive(ctx, status, limit, offset)
		return err
	})
	return items, total, err
}

// ActiveCount is the number of sessions held in memory.
func (co *Coordinator) ActiveCount() int {
	co.mu.Lock()
	defer co.mu.Unlock()
	return len(co.sessions)
}

// Close stops every abandonment timer. Sessions stay in the store as they are.
func (co *Coordinator) Close() {
	co.mu.Lock()
	entries := make([]*entry, 0, len(co.sessions))
	for _, e := range co.sessions {
		entries = append(entries, e)
	}
	co.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		co.cancelAbandon(e)
		e.mu.Unlock()
	}
}
