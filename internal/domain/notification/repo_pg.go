package notification

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/ehr-realtime/internal/platform/apperr"
	"github.com/ehr/ehr-realtime/internal/platform/db"
)

type notificationRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &notificationRepoPG{pool: pool}
}

func (r *notificationRepoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const notificationCols = `id, recipient_id, type, title, body, patient_id, priority, read, created_at`

func scanNotification(row pgx.Row) (*Notification, error) {
	var n Notification
	var patientID *string
	err := row.Scan(&n.ID, &n.RecipientID, &n.Type, &n.Title, &n.Body, &patientID,
		&n.Priority, &n.Read, &n.CreatedAt)
	if patientID != nil {
		n.PatientID = *patientID
	}
	return &n, err
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (r *notificationRepoPG) Create(ctx context.Context, n *Notification) error {
	n.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO notifications (id, recipient_id, type, title, body, patient_id, priority, read)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`,
		n.ID, n.RecipientID, n.Type, n.Title, n.Body, nullable(n.PatientID), n.Priority, n.Read,
	).Scan(&n.CreatedAt)
}

func (r *notificationRepoPG) ListByRecipient(ctx context.Context, recipientID string, unreadOnly bool, limit, offset int) ([]*Notification, int, error) {
	where := ` WHERE recipient_id = $1`
	if unreadOnly {
		where += ` AND NOT read`
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM notifications`+where, recipientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+notificationCols+` FROM notifications`+where+`
		ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`, recipientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, n)
	}
	return items, total, rows.Err()
}

func (r *notificationRepoPG) MarkRead(ctx context.Context, id uuid.UUID, recipientID string) (*Notification, error) {
	n, err := scanNotification(r.conn(ctx).QueryRow(ctx, `
		UPDATE notifications SET read = TRUE
		WHERE id = $1 AND recipient_id = $2
		RETURNING `+notificationCols, id, recipientID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("notification %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return n, nil
}
