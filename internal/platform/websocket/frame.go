package websocket

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Envelope is an inbound client event.
type Envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Frame is an outbound server event.
type Frame struct {
	Type      string      `json:"type"`
	RequestID string      `json:"requestId,omitempty"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// DecodeStrict unmarshals exactly one JSON value into v and fails on fields v
// does not declare.
func DecodeStrict(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after JSON value")
	}
	return nil
}

// DecodeEnvelope parses an inbound frame. A missing payload decodes as {}.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := DecodeStrict(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, errors.New("decode envelope: type is required")
	}
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		env.Payload = json.RawMessage("{}")
	}
	return env, nil
}

// Encode builds an outbound frame stamped with the current UTC time.
func Encode(kind, requestID string, data interface{}) ([]byte, error) {
	return json.Marshal(Frame{
		Type:      kind,
		RequestID: requestID,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}

func (h *Hub) encode(kind, requestID string, data interface{}) ([]byte, bool) {
	frame, err := Encode(kind, requestID, data)
	if err != nil {
		h.log.Error().Err(err).Str("kind", kind).Msg("failed to encode frame")
		return nil, false
	}
	return frame, true
}

// SendEvent encodes and delivers an event to one connection.
func (h *Hub) SendEvent(connID, kind, requestID string, data interface{}) bool {
	frame, ok := h.encode(kind, requestID, data)
	if !ok {
		return false
	}
	return h.SendToConn(connID, frame)
}

// SendUserEvent encodes and delivers an event to every connection of userID.
func (h *Hub) SendUserEvent(userID, kind string, data interface{}) int {
	frame, ok := h.encode(kind, "", data)
	if !ok {
		return 0
	}
	return h.SendToUser(userID, frame)
}

// BroadcastEvent encodes once and fans the event out to a room.
func (h *Hub) BroadcastEvent(room, kind string, data interface{}, skip Filter) int {
	frame, ok := h.encode(kind, "", data)
	if !ok {
		return 0
	}
	return h.Broadcast(room, frame, skip)
}

// Fanout is the delivery surface the domain services use. *Hub implements it.
type Fanout interface {
	SendEvent(connID, kind, requestID string, data interface{}) bool
	SendUserEvent(userID, kind string, data interface{}) int
	BroadcastEvent(room, kind string, data interface{}, skip Filter) int
}

var _ Fanout = (*Hub)(nil)

// PatientRoom and SessionRoom build room keys.
func PatientRoom(patientID string) string { return "patient:" + patientID }

func SessionRoom(sessionID string) string { return "session:" + sessionID }

// ParseRoom splits a room key into its kind ("patient" or "session") and id.
func ParseRoom(key string) (kind, id string, ok bool) {
	for _, k := range []string{"patient", "session"} {
		prefix := k + ":"
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			return k, key[len(prefix):], true
		}
	}
	return "", "", false
}
