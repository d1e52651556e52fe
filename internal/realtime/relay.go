package realtime

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ehr/ehr-realtime/internal/domain/notification"
	"github.com/ehr/ehr-realtime/internal/platform/pubsub"
	"github.com/ehr/ehr-realtime/internal/platform/websocket"
)

// RelayMetrics counts events received from the bus.
type RelayMetrics interface {
	Relayed(kind string)
}

type nopRelayMetrics struct{}

func (nopRelayMetrics) Relayed(string) {}

// Relay connects this instance to the event bus. Events published elsewhere
// (the patient CRUD API, other instances) are delivered to local
// connections; events produced here are published for everyone else.
type Relay struct {
	bus     pubsub.PubSub
	out     websocket.Fanout
	prefix  string
	origin  string
	log     zerolog.Logger
	metrics RelayMetrics
}

// NewRelay builds a relay. A nil bus makes the relay local-only: Run waits for
// ctx and Publish does nothing.
func NewRelay(bus pubsub.PubSub, out websocket.Fanout, prefix, origin string, log zerolog.Logger, metrics RelayMetrics) *Relay {
	if metrics == nil {
		metrics = nopRelayMetrics{}
	}
	return &Relay{
		bus:     bus,
		out:     out,
		prefix:  prefix,
		origin:  origin,
		log:     log.With().Str("component", "relay").Logger(),
		metrics: metrics,
	}
}

func (r *Relay) Origin() string { return r.origin }

// Run delivers bus events until ctx ends or the subscription closes.
func (r *Relay) Run(ctx context.Context) error {
	if r.bus == nil {
		<-ctx.Done()
		return nil
	}
	events, err := r.bus.SubscribePattern(ctx, pubsub.Pattern(r.prefix))
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", pubsub.Pattern(r.prefix), err)
	}
	r.log.Info().Str("pattern", pubsub.Pattern(r.prefix)).Msg("relay subscribed")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("relay subscription closed")
			}
			r.deliver(ev)
		}
	}
}

func (r *Relay) deliver(ev *pubsub.Event) {
	if ev.Origin != "" && ev.Origin == r.origin {
		return
	}
	switch ev.Type {
	case EventPatientUpdated:
		if ev.PatientID == "" {
			r.log.Warn().Msg("patient update without patient id dropped")
			return
		}
		n := r.out.BroadcastEvent(websocket.PatientRoom(ev.PatientID), EventPatientUpdated, ev.Payload, nil)
		r.log.Debug().Str("patient_id", ev.PatientID).Int("delivered", n).Msg("relayed patient update")
	case notification.EventNewNotification:
		if ev.UserID == "" {
			r.log.Warn().Msg("notification without recipient dropped")
			return
		}
		n := r.out.SendUserEvent(ev.UserID, notification.EventNewNotification, ev.Payload)
		r.log.Debug().Str("user_id", ev.UserID).Int("delivered", n).Msg("relayed notification")
	default:
		r.log.Debug().Str("type", ev.Type).Msg("ignoring relay event")
		return
	}
	r.metrics.Relayed(ev.Type)
}

// Publish stamps ev with this instance's origin and publishes it on the
// channel of its audience.
func (r *Relay) Publish(ctx context.Context, ev *pubsub.Event) error {
	if r.bus == nil {
		return nil
	}
	ev.Origin = r.origin
	channel, err := ev.Channel(r.prefix)
	if err != nil {
		return err
	}
	return r.bus.Publish(ctx, channel, ev)
}
