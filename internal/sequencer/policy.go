package sequencer

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	KickMember
)

// Policy decides what happens to a member whose downlink is full. A member
// that misses an op can no longer keep a consistent replica, so the default
// removes it; the client reconnects and starts from a fresh snapshot.
type Policy interface {
	OnBackPressure(s *Sequencer, member MemberSession) BackpressureAction
}

type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(*Sequencer, MemberSession) BackpressureAction {
	return KickMember
}
