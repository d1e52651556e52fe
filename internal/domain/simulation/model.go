package simulation

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusIdle, StatusActive, StatusPaused, StatusCompleted:
		return true
	}
	return false
}

// Action is a host-issued lifecycle command.
type Action string

const (
	ActionStart Action = "start"
	ActionPause Action = "pause"
	ActionStop  Action = "stop"
	ActionReset Action = "reset"
)

// Roles inside a simulation.
const (
	RoleHost        = "host"
	RoleParticipant = "participant"
)

// Outbound event kinds.
const (
	EventRoster    = "session_roster"
	EventStatus    = "session_status"
	EventToolDelta = "session_tool_delta"
	EventHost      = "session_host"
)

type Transform struct {
	Position [3]float64 `json:"position"`
	Rotation [4]float64 `json:"rotation"`
	Scale    [3]float64 `json:"scale"`
}

// FieldVersions holds the last accepted write version of each tool field.
type FieldVersions struct {
	Type      int64 `json:"type"`
	Owner     int64 `json:"owner"`
	Transform int64 `json:"transform"`
}

// ToolState is the merged state of one instrument. Owner is empty when the
// tool is not held.
type ToolState struct {
	Type      string        `json:"type"`
	Owner     string        `json:"owner,omitempty"`
	Transform Transform     `json:"transform"`
	Versions  FieldVersions `json:"versions"`
}

// ToolDelta is a partial update to one tool. Nil fields are untouched; an
// empty Owner releases the tool. Version orders concurrent writes per field;
// zero means "now" on the server clock, in unix milliseconds.
type ToolDelta struct {
	ToolID    string     `json:"toolId"`
	Type      *string    `json:"type,omitempty"`
	Owner     *string    `json:"owner,omitempty"`
	Transform *Transform `json:"transform,omitempty"`
	Version   int64      `json:"version,omitempty"`
}

func (d ToolDelta) empty() bool {
	return d.Type == nil && d.Owner == nil && d.Transform == nil
}

type Participant struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Role        string    `json:"role"`
	Active      bool      `json:"active"`
	JoinedAt    time.Time `json:"joinedAt"`
}

// Session is a multiplayer surgery simulation. Participants are kept in join
// order.
type Session struct {
	ID           uuid.UUID             `json:"id"`
	Code         string                `json:"code"`
	Link         string                `json:"link"`
	Scenario     string                `json:"scenario"`
	Status       Status                `json:"status"`
	HostID       string                `json:"hostId"`
	Participants []Participant         `json:"participants"`
	Tools        map[string]*ToolState `json:"tools"`
	CreatedAt    time.Time             `json:"createdAt"`
	UpdatedAt    time.Time             `json:"updatedAt"`
	EndedAt      *time.Time            `json:"endedAt,omitempty"`
}

// Clone returns a deep copy safe to hand outside the session lock.
func (s *Session) Clone() *Session {
	c := *s
	c.Participants = append([]Participant(nil), s.Participants...)
	c.Tools = make(map[string]*ToolState, len(s.Tools))
	for id, t := range s.Tools {
		cp := *t
		c.Tools[id] = &cp
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return &c
}

func (s *Session) participant(userID string) (int, bool) {
	for i := range s.Participants {
		if s.Participants[i].UserID == userID {
			return i, true
		}
	}
	return -1, false
}

func (s *Session) activeCount() int {
	n := 0
	for _, p := range s.Participants {
		if p.Active {
			n++
		}
	}
	return n
}

type rosterEvent struct {
	SessionID    uuid.UUID     `json:"sessionId"`
	HostID       string        `json:"hostId"`
	Participants []Participant `json:"participants"`
}

type statusEvent struct {
	SessionID uuid.UUID `json:"sessionId"`
	Status    Status    `json:"status"`
}

type hostEvent struct {
	SessionID uuid.UUID `json:"sessionId"`
	HostID    string    `json:"hostId"`
}

type toolDeltaEvent struct {
	SessionID uuid.UUID `json:"sessionId"`
	ToolID    string    `json:"toolId"`
	Delta     ToolDelta `json:"delta"`
}
