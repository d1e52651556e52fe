package notification

import (
	"time"

	"github.com/google/uuid"
)

const EventNewNotification = "new_notification"

// Priority orders how prominently a client surfaces a notification.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

const (
	maxTitleLength = 200
	maxBodyLength  = 2000
	maxTypeLength  = 64
)

// Notification is an in-app notice addressed to one user.
type Notification struct {
	ID          uuid.UUID `json:"id"`
	RecipientID string    `json:"recipientId"`
	Type        string    `json:"type"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	PatientID   string    `json:"patientId,omitempty"`
	Priority    Priority  `json:"priority"`
	Read        bool      `json:"read"`
	CreatedAt   time.Time `json:"createdAt"`
}

// CreateRequest describes a notification to deliver. When TemplateID is set
// the title and body are rendered from the template and TemplateData, and
// Type defaults to the template id.
type CreateRequest struct {
	RecipientID  string            `json:"recipientId"`
	Type         string            `json:"type"`
	Title        string            `json:"title"`
	Body         string            `json:"body"`
	PatientID    string            `json:"patientId,omitempty"`
	Priority     Priority          `json:"priority,omitempty"`
	TemplateID   string            `json:"templateId,omitempty"`
	TemplateData map[string]string `json:"templateData,omitempty"`
}
