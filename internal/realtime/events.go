package realtime

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/ehr/ehr-realtime/internal/domain/simulation"
)

// Inbound event kinds.
const (
	KindJoinRoom          = "join_room"
	KindLeaveRoom         = "leave_room"
	KindSendMessage       = "send_message"
	KindTypingStart       = "typing_start"
	KindTypingStop        = "typing_stop"
	KindMarkRead          = "mark_read"
	KindPatientUpdate     = "patient_update"
	KindSessionCreate     = "session_create"
	KindSessionJoinCode   = "session_join_code"
	KindSessionJoinLink   = "session_join_link"
	KindSessionControl    = "session_control"
	KindSessionToolUpdate = "session_tool_update"
)

// Outbound event kinds owned by the router.
const (
	EventRoomJoined     = "room_joined"
	EventRoomLeft       = "room_left"
	EventSessionJoined  = "session_joined"
	EventUserOnline     = "user_online"
	EventUserOffline    = "user_offline"
	EventPatientUpdated = "patient_updated"
	EventMessageAck     = "message_ack"
	EventError          = "error"
)

type roomPayload struct {
	RoomKey string `json:"roomKey"`
}

type sendMessagePayload struct {
	PatientID string `json:"patientId"`
	Content   string `json:"content"`
	TempID    string `json:"tempId,omitempty"`
}

type typingPayload struct {
	PatientID string `json:"patientId"`
}

type markReadPayload struct {
	PatientID  string      `json:"patientId"`
	MessageIDs []uuid.UUID `json:"messageIds,omitempty"`
}

type patientUpdatePayload struct {
	PatientID  string          `json:"patientId"`
	UpdateType string          `json:"updateType"`
	UpdateData json.RawMessage `json:"updateData,omitempty"`
}

type sessionCreatePayload struct {
	Scenario string `json:"scenario"`
}

type sessionJoinCodePayload struct {
	Code string `json:"code"`
}

type sessionJoinLinkPayload struct {
	Identifier string `json:"identifier"`
}

type sessionControlPayload struct {
	SessionID uuid.UUID         `json:"sessionId"`
	Action    simulation.Action `json:"action"`
}

type sessionToolUpdatePayload struct {
	SessionID uuid.UUID            `json:"sessionId"`
	ToolDelta simulation.ToolDelta `json:"toolDelta"`
}

type errorEvent struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type roomJoinedEvent struct {
	RoomKey string              `json:"roomKey"`
	Online  []string            `json:"online"`
	Typing  []string            `json:"typing,omitempty"`
	Session *simulation.Session `json:"session,omitempty"`
}

type roomLeftEvent struct {
	RoomKey string `json:"roomKey"`
}

type sessionJoinedEvent struct {
	RoomKey string              `json:"roomKey"`
	Session *simulation.Session `json:"session"`
}

type sessionStatusReply struct {
	SessionID uuid.UUID         `json:"sessionId"`
	Status    simulation.Status `json:"status"`
}

type markReadReply struct {
	PatientID  string      `json:"patientId"`
	MessageIDs []uuid.UUID `json:"messageIds"`
}

type presenceEvent struct {
	UserID  string `json:"userId"`
	Name    string `json:"name,omitempty"`
	RoomKey string `json:"roomKey,omitempty"`
}

// PatientUpdate is the patient_updated payload, on the socket and on the bus.
type PatientUpdate struct {
	PatientID  string          `json:"patientId"`
	UpdateType string          `json:"updateType"`
	UpdateData json.RawMessage `json:"updateData,omitempty"`
	UpdatedBy  string          `json:"updatedBy,omitempty"`
}
