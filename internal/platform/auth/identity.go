package auth

import (
	"context"
)

type contextKey string

const (
	UserIDKey    contextKey = "user_id"
	UserRolesKey contextKey = "user_roles"
	IdentityKey  contextKey = "identity"
)

// Clinical roles known to the EMR.
const (
	RoleDoctor        = "doctor"
	RoleNurse         = "nurse"
	RoleLabTechnician = "lab_technician"
	RoleReceptionist  = "receptionist"
	RoleAdmin         = "admin"
)

// Identity is the verified caller resolved from a bearer credential.
type Identity struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
	Name   string `json:"name,omitempty"`
}

// DisplayName falls back to the user id when the credential carried no name.
func (i Identity) DisplayName() string {
	if i.Name != "" {
		return i.Name
	}
	return i.UserID
}

func (i Identity) IsZero() bool {
	return i.UserID == ""
}

// WithIdentity stores the identity on ctx, along with the user id and role
// under the keys the REST handlers read.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	ctx = context.WithValue(ctx, IdentityKey, id)
	ctx = context.WithValue(ctx, UserIDKey, id.UserID)
	ctx = context.WithValue(ctx, UserRolesKey, []string{id.Role})
	return ctx
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(IdentityKey).(Identity)
	return id, ok
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}
