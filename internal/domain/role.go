package domain

// Role is a caller-supplied capability tag used for client-side gating.
type Role string

const (
	RoleOrganizer Role = "Organizer"
	RolePresenter Role = "Presenter"
	RoleAttendee  Role = "Attendee"
	RoleGuest     Role = "Guest"
)

// RolesIntersect reports whether held contains any of allowed.
// An empty allowed set means the action is unrestricted.
func RolesIntersect(held, allowed []Role) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		for _, h := range held {
			if a == h {
				return true
			}
		}
	}
	return false
}
