package auth

import (
	"context"
	"fmt"

	"github.com/pocholosatoh/wellserv-portal-sub004/internal/platform/branch"
)

// Role is the portal audience a session belongs to.
type Role string

const (
	RolePatient Role = "patient"
	RoleStaff   Role = "staff"
	RoleDoctor  Role = "doctor"
	RoleAdmin   Role = "admin"
)

// ParseRole validates a role claim.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RolePatient, RoleStaff, RoleDoctor, RoleAdmin:
		return r, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// CookieName is the session cookie each audience's login sets.
func (r Role) CookieName() string {
	switch r {
	case RolePatient:
		return "patient_session"
	case RoleDoctor:
		return "doctor_session"
	default:
		return "staff_session"
	}
}

// sessionCookies are checked in order when no bearer token is sent.
var sessionCookies = []string{"staff_session", "doctor_session", "patient_session"}

// Actor is the authenticated caller of a request. Services receive it
// explicitly; nothing reads it from globals.
type Actor struct {
	ID        string      `json:"id"`
	Name      string      `json:"name,omitempty"`
	Role      Role        `json:"role"`
	Branch    branch.Code `json:"branch,omitempty"`
	PatientID string      `json:"patient_id,omitempty"`
	TenantID  string      `json:"tenant_id,omitempty"`

	tokenID   string
	expiresAt int64
}

// Label is the human-readable name recorded in audit columns.
func (a Actor) Label() string {
	if a.Name != "" {
		return a.Name
	}
	return a.ID
}

// Is reports whether the actor holds one of roles. Admins hold every role.
func (a Actor) Is(roles ...Role) bool {
	if a.Role == RoleAdmin {
		return true
	}
	for _, r := range roles {
		if a.Role == r {
			return true
		}
	}
	return false
}

// CanActInBranch reports whether a staff member or doctor may operate on b.
// Admins and actors without a branch scope may act anywhere.
func (a Actor) CanActInBranch(b branch.Code) bool {
	if a.Role == RoleAdmin || a.Branch == "" {
		return a.Role != RolePatient
	}
	return a.Branch == b
}

type actorKey struct{}

// WithActor stores the actor in ctx.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFromContext returns the actor placed by the auth middleware.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	return a, ok
}
