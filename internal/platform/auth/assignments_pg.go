package auth

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/ehr-realtime/internal/platform/db"
)

// assignmentsPG reads care-team assignments maintained by the patient CRUD
// service in the shared database.
type assignmentsPG struct{ pool *pgxpool.Pool }

func NewAssignmentsPG(pool *pgxpool.Pool) PatientAssignments {
	return &assignmentsPG{pool: pool}
}

func (a *assignmentsPG) IsAssigned(ctx context.Context, userID, patientID string) (bool, error) {
	var ok bool
	err := db.Conn(ctx, a.pool).QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM patient_assignments
			WHERE user_id = $1 AND patient_id = $2
			  AND (ends_at IS NULL OR ends_at > NOW())
		)`, userID, patientID).Scan(&ok)
	return ok, err
}
