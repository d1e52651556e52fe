package simulation

import (
	"context"

	"github.com/google/uuid"
)

// SessionRepository persists sessions. Lookups return an apperr not-found
// error for unknown keys; Create returns a conflict error when the join code
// or share link is already taken.
type SessionRepository interface {
	Create(ctx context.Context, s *Session) error
	Update(ctx context.Context, s *Session) error
	GetByID(ctx context.Context, id uuid.UUID) (*Session, error)
	GetByCode(ctx context.Context, code string) (*Session, error)
	GetByLink(ctx context.Context, link string) (*Session, error)
	// ListActive lists sessions that are not completed, or only those in
	// status when it is set.
	ListActive(ctx context.Context, status Status, limit, offset int) ([]*Session, int, error)
}
