package sequencer

import (
	"github.com/dkeye/liveshare/internal/core"
	"github.com/dkeye/liveshare/internal/domain"
)

// MemberSession binds domain.Member and its transport endpoint.
// This is what a sequencer stores and fans out to.
type MemberSession interface {
	Meta() *domain.Member
	Signal() core.SignalConnection
}

// MemberDTO is a read-only view for APIs (no transport fields).
type MemberDTO struct {
	ClientID    core.ClientID `json:"clientId"`
	UserID      domain.UserID `json:"userId,omitempty"`
	DisplayName string        `json:"displayName,omitempty"`
}

// memberSession implements MemberSession by pairing meta + transport.
type memberSession struct {
	meta   *domain.Member
	signal core.SignalConnection
}

func NewMemberSession(meta *domain.Member, signal core.SignalConnection) MemberSession {
	return &memberSession{meta: meta, signal: signal}
}

func (m *memberSession) Meta() *domain.Member          { return m.meta }
func (m *memberSession) Signal() core.SignalConnection { return m.signal }
