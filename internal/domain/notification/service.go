// Package notification stores in-app notifications and pushes each one to
// every connection of its recipient, on this instance directly and on the
// others through the event bus.
package notification

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/ehr-realtime/internal/platform/apperr"
	"github.com/ehr/ehr-realtime/internal/platform/pubsub"
	"github.com/ehr/ehr-realtime/internal/platform/websocket"
)

// Observer records how long persistence calls take.
type Observer interface {
	ObservePersist(op string, d time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObservePersist(string, time.Duration) {}

type Config struct {
	PersistTimeout time.Duration
	// ChannelPrefix namespaces bus channels; Origin identifies this instance
	// so its relay can skip events it published itself.
	ChannelPrefix string
	Origin        string
}

type Service struct {
	repo      Repository
	out       websocket.Fanout
	bus       pubsub.Publisher
	templates *TemplateEngine
	cfg       Config
	log       zerolog.Logger
	obs       Observer
}

// NewService wires the service. bus may be nil, in which case notifications
// reach only this instance's connections.
func NewService(repo Repository, out websocket.Fanout, bus pubsub.Publisher, templates *TemplateEngine, cfg Config, log zerolog.Logger, obs Observer) *Service {
	if templates == nil {
		templates = NewTemplateEngine()
	}
	if obs == nil {
		obs = nopObserver{}
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 5 * time.Second
	}
	return &Service{
		repo:      repo,
		out:       out,
		bus:       bus,
		templates: templates,
		cfg:       cfg,
		log:       log.With().Str("component", "notification").Logger(),
		obs:       obs,
	}
}

func (s *Service) Templates() *TemplateEngine { return s.templates }

func (s *Service) build(req CreateRequest) (*Notification, error) {
	n := &Notification{
		RecipientID: strings.TrimSpace(req.RecipientID),
		Type:        strings.TrimSpace(req.Type),
		Title:       strings.TrimSpace(req.Title),
		Body:        strings.TrimSpace(req.Body),
		PatientID:   strings.TrimSpace(req.PatientID),
		Priority:    req.Priority,
	}
	if n.RecipientID == "" {
		return nil, apperr.Invalid("recipientId is required")
	}

	if req.TemplateID != "" {
		title, body, err := s.templates.Render(req.TemplateID, req.TemplateData)
		if err != nil {
			return nil, err
		}
		n.Title, n.Body = title, body
		if n.Type == "" {
			n.Type = req.TemplateID
		}
		if n.Priority == "" {
			t, _ := s.templates.Get(req.TemplateID)
			n.Priority = t.Priority
		}
	}

	if n.Priority == "" {
		n.Priority = PriorityNormal
	}
	switch {
	case n.Type == "":
		return nil, apperr.Invalid("type is required")
	case len(n.Type) > maxTypeLength:
		return nil, apperr.Invalid("type exceeds %d characters", maxTypeLength)
	case n.Title == "":
		return nil, apperr.Invalid("title is required")
	case len(n.Title) > maxTitleLength:
		return nil, apperr.Invalid("title exceeds %d characters", maxTitleLength)
	case len(n.Body) > maxBodyLength:
		return nil, apperr.Invalid("body exceeds %d characters", maxBodyLength)
	case !n.Priority.Valid():
		return nil, apperr.Invalid("priority must be one of low, normal, high, urgent")
	}
	return n, nil
}

// Create persists a notification and delivers new_notification to all of
// the recipient's connections. Nothing is delivered when the store fails.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Notification, error) {
	n, err := s.build(req)
	if err != nil {
		return nil, err
	}

	pctx, cancel := context.WithTimeout(ctx, s.cfg.PersistTimeout)
	start := time.Now()
	err = s.repo.Create(pctx, n)
	cancel()
	s.obs.ObservePersist("notification_create", time.Since(start))
	if err != nil {
		s.log.Error().Err(err).Str("recipient_id", n.RecipientID).Msg("failed to persist notification")
		return nil, apperr.Upstream(err, "failed to save notification")
	}

	delivered := s.out.SendUserEvent(n.RecipientID, EventNewNotification, n)
	s.log.Debug().
		Str("notification_id", n.ID.String()).
		Str("recipient_id", n.RecipientID).
		Int("connections", delivered).
		Msg("notification delivered")
	s.publish(ctx, n)
	return n, nil
}

// publish hands the notification to the other instances. A bus failure is
// logged; the notification is already stored and delivered locally.
func (s *Service) publish(ctx context.Context, n *Notification) {
	if s.bus == nil {
		return
	}
	ev, err := pubsub.NewEvent(EventNewNotification, n)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to encode notification event")
		return
	}
	ev.UserID = n.RecipientID
	ev.Origin = s.cfg.Origin

	ctx, cancel := context.WithTimeout(ctx, s.cfg.PersistTimeout)
	defer cancel()
	if err := s.bus.Publish(ctx, pubsub.UserChannel(s.cfg.ChannelPrefix, n.RecipientID), ev); err != nil {
		s.log.Warn().Err(err).Str("notification_id", n.ID.String()).Msg("failed to relay notification")
	}
}

// List returns a page of userID's notifications, newest first.
func (s *Service) List(ctx context.Context, userID string, unreadOnly bool, limit, offset int) ([]*Notification, int, error) {
	items, total, err := s.repo.ListByRecipient(ctx, userID, unreadOnly, limit, offset)
	if err != nil {
		return nil, 0, apperr.Upstream(err, "failed to load notifications")
	}
	return items, total, nil
}

// MarkRead flags one of userID's notifications as read.
func (s *Service) MarkRead(ctx context.Context, id uuid.UUID, userID string) (*Notification, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.PersistTimeout)
	defer cancel()

	start := time.Now()
	n, err := s.repo.MarkRead(ctx, id, userID)
	s.obs.ObservePersist("notification_mark_read", time.Since(start))
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			return nil, err
		}
		return nil, apperr.Upstream(err, "failed to mark notification read")
	}
	return n, nil
}
