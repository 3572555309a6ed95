package leave

import "strings"

// Role is the actor's organizational role as asserted by the identity
// provider.
type Role string

const (
	RoleEmployee Role = "employee"
	RoleReviewer Role = "reviewer"
	RoleHR       Role = "hr"
	RoleAdmin    Role = "admin"
)

// ParseRole maps unknown or empty roles to RoleEmployee, the least
// privileged role.
func ParseRole(s string) Role {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleReviewer, RoleHR, RoleAdmin:
		return r
	}
	return RoleEmployee
}

// Actor is the authenticated caller of an operation.
type Actor struct {
	ID           UserID
	Role         Role
	DepartmentID string
}

// IsPrivileged reports org-wide roles (HR and administrators).
func (a Actor) IsPrivileged() bool {
	return a.Role == RoleHR || a.Role == RoleAdmin
}

// Owner is the employee a request belongs to.
type Owner struct {
	ID           UserID
	DepartmentID string
}

// Policy decides whether actor may review requests owned by owner. The
// self-review rule is enforced by the state machine, not by policies.
type Policy func(actor Actor, owner Owner) bool

// DepartmentPolicy lets HR and admins review anyone, reviewers review
// their own department, and nobody else review at all.
func DepartmentPolicy(actor Actor, owner Owner) bool {
	switch actor.Role {
	case RoleHR, RoleAdmin:
		return true
	case RoleReviewer:
		return actor.DepartmentID != "" && actor.DepartmentID == owner.DepartmentID
	}
	return false
}

// CanActFor reports whether actor may submit or cancel on behalf of userID.
func CanActFor(actor Actor, userID UserID) bool {
	return actor.ID == userID || actor.IsPrivileged()
}

// CanView reports whether actor may read requests and balances of owner.
func CanView(actor Actor, owner Owner) bool {
	return actor.ID == owner.ID || DepartmentPolicy(actor, owner)
}
