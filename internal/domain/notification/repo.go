package notification

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists notifications.
type Repository interface {
	// Create assigns the durable id and timestamp.
	Create(ctx context.Context, n *Notification) error
	ListByRecipient(ctx context.Context, recipientID string, unreadOnly bool, limit, offset int) ([]*Notification, int, error)
	// MarkRead flags the notification as read. A notification that does not
	// belong to recipientID is reported as not found.
	MarkRead(ctx context.Context, id uuid.UUID, recipientID string) (*Notification, error)
}
