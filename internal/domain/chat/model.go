package chat

import (
	"time"

	"github.com/google/uuid"
)

// Message kinds.
const (
	KindText   = "text"
	KindSystem = "system"
)

// MaxContentLength bounds a single chat message.
const MaxContentLength = 4000

// Message is an immutable chat entry in a patient room. Sender fields are
// copied at send time so history renders without a user lookup.
type Message struct {
	ID         uuid.UUID `json:"id"`
	PatientID  string    `json:"patientId"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	SenderRole string    `json:"senderRole"`
	Content    string    `json:"content"`
	Kind       string    `json:"kind"`
	CreatedAt  time.Time `json:"timestamp"`
}

// Outbound event kinds emitted by the channel.
const (
	EventNewMessage        = "new_message"
	EventMessageAck        = "message_ack"
	EventUserTyping        = "user_typing"
	EventUserStoppedTyping = "user_stopped_typing"
	EventMessagesRead      = "messages_read"
)

type newMessageEvent struct {
	PatientID string   `json:"patientId"`
	Message   *Message `json:"message"`
}

type typingEvent struct {
	PatientID string `json:"patientId"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName,omitempty"`
}

type readEvent struct {
	PatientID  string      `json:"patientId"`
	UserID     string      `json:"userId"`
	MessageIDs []uuid.UUID `json:"messageIds"`
}
