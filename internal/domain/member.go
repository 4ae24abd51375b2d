package domain

// Member represents a user's participation meta for a collaboration session.
// No transport or lifecycle logic here.
type Member struct {
	User  *User
	Roles []Role
}

// NewMember avoids raw literals in adapters and keeps construction obvious.
func NewMember(user *User, roles ...Role) *Member {
	return &Member{User: user, Roles: roles}
}

// HasAnyRole reports whether the member holds at least one of allowed.
// An empty allowed set admits everyone.
func (m *Member) HasAnyRole(allowed []Role) bool {
	return RolesIntersect(m.Roles, allowed)
}
