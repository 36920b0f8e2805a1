package domain

import (
	"strings"
	"time"
)

// Role is the fixed set of principal roles recognised by the gateway.
type Role string

const (
	RolePunter Role = "PUNTER"
	RoleAgent  Role = "AGENT"
	RoleAdmin  Role = "ADMIN"
)

// ParseRole normalises s and reports whether it names a known role.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	switch r {
	case RolePunter, RoleAgent, RoleAdmin:
		return r, true
	}
	return "", false
}

// Principal is the authenticated identity behind a connection or request.
type Principal struct {
	ID        string
	Role      Role
	ExpiresAt time.Time
}

// Expired reports whether the credential backing p is no longer valid at now.
func (p Principal) Expired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && !now.Before(p.ExpiresAt)
}
