package simulation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/ehr-realtime/internal/platform/apperr"
	"github.com/ehr/ehr-realtime/internal/platform/db"
)

type sessionRepoPG struct{ pool *pgxpool.Pool }

func NewSessionRepoPG(pool *pgxpool.Pool) SessionRepository {
	return &sessionRepoPG{pool: pool}
}

func (r *sessionRepoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const sessionCols = `id, join_code, share_link, scenario, status, host_id,
	participants, tools, created_at, updated_at, ended_at`

func scanSession(row pgx.Row) (*Session, error) {
	var s Session
	var participants, tools []byte
	err := row.Scan(&s.ID, &s.Code, &s.Link, &s.Scenario, &s.Status, &s.HostID,
		&participants, &tools, &s.CreatedAt, &s.UpdatedAt, &s.EndedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("session not found")
		}
		return nil, err
	}
	if err := json.Unmarshal(participants, &s.Participants); err != nil {
		return nil, fmt.Errorf("decode participants: %w", err)
	}
	if err := json.Unmarshal(tools, &s.Tools); err != nil {
		return nil, fmt.Errorf("decode tools: %w", err)
	}
	if s.Tools == nil {
		s.Tools = make(map[string]*ToolState)
	}
	return &s, nil
}

func encodeState(s *Session) (participants, tools []byte, err error) {
	if participants, err = json.Marshal(s.Participants); err != nil {
		return nil, nil, fmt.Errorf("encode participants: %w", err)
	}
	if tools, err = json.Marshal(s.Tools); err != nil {
		return nil, nil, fmt.Errorf("encode tools: %w", err)
	}
	return participants, tools, nil
}

func (r *sessionRepoPG) Create(ctx context.Context, s *Session) error {
	participants, tools, err := encodeState(s)
	if err != nil {
		return err
	}
	err = r.conn(ctx).QueryRow(ctx, `
		INSERT INTO simulation_sessions (id, join_code, share_link, scenario, status, host_id, participants, tools)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`,
		s.ID, s.Code, s.Link, s.Scenario, s.Status, s.HostID, participants, tools,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return apperr.Conflict("join code or share link already in use")
	}
	return err
}

func (r *sessionRepoPG) Update(ctx context.Context, s *Session) error {
	participants, tools, err := encodeState(s)
	if err != nil {
		return err
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE simulation_sessions
		SET status = $2, host_id = $3, participants = $4, tools = $5, ended_at = $6, updated_at = NOW()
		WHERE id = $1`,
		s.ID, s.Status, s.HostID, participants, tools, s.EndedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("session %s not found", s.ID)
	}
	return nil
}

func (r *sessionRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Session, error) {
	return scanSession(r.conn(ctx).QueryRow(ctx, `SELECT `+sessionCols+` FROM simulation_sessions WHERE id = $1`, id))
}

func (r *sessionRepoPG) GetByCode(ctx context.Context, code string) (*Session, error) {
	return scanSession(r.conn(ctx).QueryRow(ctx, `SELECT `+sessionCols+` FROM simulation_sessions WHERE join_code = $1`, code))
}

func (r *sessionRepoPG) GetByLink(ctx context.Context, link string) (*Session, error) {
	return scanSession(r.conn(ctx).QueryRow(ctx, `SELECT `+sessionCols+` FROM simulation_sessions WHERE share_link = $1`, link))
}

func (r *sessionRepoPG) ListActive(ctx context.Context, status Status, limit, offset int) ([]*Session, int, error) {
	where := `status <> 'completed'`
	args := []interface{}{}
	if status != "" {
		where = `status = $1`
		args = append(args, status)
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM simulation_sessions WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	n := len(args)
	query := fmt.Sprintf(`SELECT %s FROM simulation_sessions WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		sessionCols, where, n+1, n+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, s)
	}
	return items, total, rows.Err()
}
