// Package pubsub carries events between processes over Redis Pub/Sub. The
// patient CRUD API and other server instances publish patient updates and
// notifications; every instance subscribes and delivers them to its own
// connections.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Event is one message on the bus. Exactly one of PatientID or UserID selects
// the audience.
type Event struct {
	Type      string          `json:"type"`
	PatientID string          `json:"patient_id,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	Origin    string          `json:"origin,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEvent creates an event with the current timestamp.
func NewEvent(eventType string, payload interface{}) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Event{
		Type:      eventType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// UnmarshalPayload unmarshals the event payload into v.
func (e *Event) UnmarshalPayload(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// Channel returns the channel the event belongs on under prefix.
func (e *Event) Channel(prefix string) (string, error) {
	switch {
	case e.PatientID != "":
		return PatientChannel(prefix, e.PatientID), nil
	case e.UserID != "":
		return UserChannel(prefix, e.UserID), nil
	default:
		return "", errors.New("event has neither patient nor user audience")
	}
}

// PatientChannel is "<prefix>:patient:<id>".
func PatientChannel(prefix, patientID string) string {
	return prefix + ":patient:" + patientID
}

// UserChannel is "<prefix>:user:<id>".
func UserChannel(prefix, userID string) string {
	return prefix + ":user:" + userID
}

// Pattern matches every channel under prefix.
func Pattern(prefix string) string {
	return prefix + ":*"
}

// ParseChannel splits a channel name back into audience kind and id.
func ParseChannel(prefix, channel string) (kind, id string, ok bool) {
	rest := strings.TrimPrefix(channel, prefix+":")
	if rest == channel {
		return "", "", false
	}
	kind, id, found := strings.Cut(rest, ":")
	if !found || id == "" || (kind != "patient" && kind != "user") {
		return "", "", false
	}
	return kind, id, true
}

// Publisher publishes events to the bus.
type Publisher interface {
	Publish(ctx context.Context, channel string, event *Event) error
}

// Subscriber delivers events from channels matching a pattern until ctx ends.
type Subscriber interface {
	SubscribePattern(ctx context.Context, pattern string) (<-chan *Event, error)
}

// PubSub combines Publisher and Subscriber.
type PubSub interface {
	Publisher
	Subscriber
	Close() error
}
