package chat

import (
	"context"

	"github.com/google/uuid"
)

// MessageRepository persists chat messages and per-recipient read state.
type MessageRepository interface {
	// Create assigns the durable id and timestamp.
	Create(ctx context.Context, m *Message) error
	ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*Message, int, error)
	// MarkRead records receipts for ids in the patient's room, or for every
	// message not sent by userID when ids is empty. It returns the ids newly
	// marked.
	MarkRead(ctx context.Context, patientID, userID string, ids []uuid.UUID) ([]uuid.UUID, error)
	UnreadCount(ctx context.Context, patientID, userID string) (int, error)
}
