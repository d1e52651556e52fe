package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehr/ehr-realtime/internal/platform/apperr"
)

// RequireRole returns middleware that checks if the user has at least one of the specified roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userRoles := RolesFromContext(c.Request().Context())
			if HasRole(userRoles, roles...) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// HasRole reports whether any of have satisfies one of want. Admin satisfies
// every requirement.
func HasRole(have []string, want ...string) bool {
	for _, h := range have {
		if h == RoleAdmin {
			return true
		}
		for _, w := range want {
			if h == w {
				return true
			}
		}
	}
	return false
}

// Authorizer decides whether an identity may act on a patient's record room.
type Authorizer interface {
	AuthorizePatient(ctx context.Context, id Identity, patientID string) error
}

// PatientAssignments optionally narrows access to the patients assigned to a
// user. NewAssignmentsPG reads them from the shared database.
type PatientAssignments interface {
	IsAssigned(ctx context.Context, userID, patientID string) (bool, error)
}

// RoleAuthorizer grants patient access by clinical role, optionally narrowed by
// assignments for the roles listed in Scoped.
type RoleAuthorizer struct {
	Allowed     map[string]bool
	Scoped      map[string]bool
	Assignments PatientAssignments
}

// NewRoleAuthorizer allows clinical staff and admins; receptionists see
// demographics through the CRUD API but never join a record room.
func NewRoleAuthorizer() *RoleAuthorizer {
	return &RoleAuthorizer{
		Allowed: map[string]bool{
			RoleDoctor:        true,
			RoleNurse:         true,
			RoleLabTechnician: true,
			RoleAdmin:         true,
		},
		Scoped: map[string]bool{},
	}
}

// ScopeTo limits roles to the patients src reports as assigned. Admins and
// roles outside Allowed cannot be scoped.
func (a *RoleAuthorizer) ScopeTo(src PatientAssignments, roles ...string) error {
	for _, role := range roles {
		if role == RoleAdmin || !a.Allowed[role] {
			return fmt.Errorf("role %q cannot be scoped to assignments", role)
		}
	}
	a.Assignments = src
	for _, role := range roles {
		a.Scoped[role] = true
	}
	return nil
}

func (a *RoleAuthorizer) AuthorizePatient(ctx context.Context, id Identity, patientID string) error {
	if id.IsZero() {
		return apperr.Unauthorized("unauthenticated")
	}
	if patientID == "" {
		return apperr.Invalid("patient id is required")
	}
	if !a.Allowed[id.Role] {
		return apperr.Forbidden("role %s may not access patient records", id.Role)
	}
	if a.Assignments == nil || !a.Scoped[id.Role] {
		return nil
	}
	ok, err := a.Assignments.IsAssigned(ctx, id.UserID, patientID)
	if err != nil {
		return apperr.Upstream(err, "patient assignment lookup failed")
	}
	if !ok {
		return apperr.Forbidden("patient %s is not assigned to this user", patientID)
	}
	return nil
}
