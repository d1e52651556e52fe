package chat

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/ehr-realtime/internal/platform/db"
)

type messageRepoPG struct{ pool *pgxpool.Pool }

func NewMessageRepoPG(pool *pgxpool.Pool) MessageRepository {
	return &messageRepoPG{pool: pool}
}

func (r *messageRepoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const messageCols = `id, patient_id, sender_id, sender_name, sender_role, content, kind, created_at`

func scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.PatientID, &m.SenderID, &m.SenderName, &m.SenderRole,
		&m.Content, &m.Kind, &m.CreatedAt)
	return &m, err
}

func (r *messageRepoPG) Create(ctx context.Context, m *Message) error {
	m.ID = uuid.New()
	if m.Kind == "" {
		m.Kind = KindText
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO chat_messages (id, patient_id, sender_id, sender_name, sender_role, content, kind)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`,
		m.ID, m.PatientID, m.SenderID, m.SenderName, m.SenderRole, m.Content, m.Kind,
	).Scan(&m.CreatedAt)
}

func (r *messageRepoPG) ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*Message, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM chat_messages WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+messageCols+` FROM chat_messages
		WHERE patient_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, m)
	}
	return items, total, rows.Err()
}

func (r *messageRepoPG) MarkRead(ctx context.Context, patientID, userID string, ids []uuid.UUID) ([]uuid.UUID, error) {
	var rows pgx.Rows
	var err error
	now := time.Now().UTC()
	if len(ids) == 0 {
		rows, err = r.conn(ctx).Query(ctx, `
			INSERT INTO chat_message_reads (message_id, user_id, read_at)
			SELECT id, $2, $3 FROM chat_messages WHERE patient_id = $1 AND sender_id <> $2
			ON CONFLICT (message_id, user_id) DO NOTHING
			RETURNING message_id`, patientID, userID, now)
	} else {
		rows, err = r.conn(ctx).Query(ctx, `
			INSERT INTO chat_message_reads (message_id, user_id, read_at)
			SELECT id, $2, $3 FROM chat_messages WHERE patient_id = $1 AND id = ANY($4)
			ON CONFLICT (message_id, user_id) DO NOTHING
			RETURNING message_id`, patientID, userID, now, ids)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var marked []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		marked = append(marked, id)
	}
	return marked, rows.Err()
}

func (r *messageRepoPG) UnreadCount(ctx context.Context, patientID, userID string) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM chat_messages m
		WHERE m.patient_id = $1 AND m.sender_id <> $2
		  AND NOT EXISTS (SELECT 1 FROM chat_message_reads r WHERE r.message_id = m.id AND r.user_id = $2)`,
		patientID, userID).Scan(&n)
	return n, err
}
