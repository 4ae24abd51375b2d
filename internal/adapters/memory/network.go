// Package memory is an in-process transport: every client owns a replica fed
// by a buffered mailbox, and submits ops straight into the session sequencer.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/liveshare/internal/core"
	"github.com/dkeye/liveshare/internal/domain"
	"github.com/dkeye/liveshare/internal/sequencer"
	"github.com/dkeye/liveshare/internal/session"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const DefaultMailboxSize = 1024

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("connection closed")
)

// Network connects in-process clients to sessions of one sequencer manager.
type Network struct {
	Sessions    *sequencer.Manager
	MailboxSize int
}

func NewNetwork(sessions *sequencer.Manager) *Network {
	if sessions == nil {
		sessions = sequencer.NewManager(nil)
	}
	return &Network{Sessions: sessions, MailboxSize: DefaultMailboxSize}
}

// Client is one in-process member of a session.
type Client struct {
	*session.Replica

	user *domain.User
	seq  *sequencer.Sequencer
	box  *mailbox
}

// Connect joins session as user. The returned client is Connecting until its
// mailbox pump has applied the snapshot.
func (n *Network) Connect(sessionID domain.SessionID, user *domain.User) (*Client, error) {
	id := core.ClientID(uuid.NewString())
	seq := n.Sessions.GetOrCreate(sessionID)

	size := n.MailboxSize
	if size <= 0 {
		size = DefaultMailboxSize
	}
	box := &mailbox{ops: make(chan core.Op, size), done: make(chan struct{})}
	c := &Client{
		Replica: session.NewReplica(id, uplink{seq: seq, id: id}),
		user:    user,
		seq:     seq,
		box:     box,
	}
	go box.pump(c.Replica)

	if err := seq.Join(id, sequencer.NewMemberSession(domain.NewMember(user), box)); err != nil {
		box.Close()
		return nil, err
	}
	log.Debug().Str("module", "adapters.memory").Str("session", string(sessionID)).Str("client", string(id)).Msg("client connected")
	return c, nil
}

func (c *Client) User() *domain.User { return c.user }

// Close leaves the session and stops the pump.
func (c *Client) Close() {
	c.seq.Leave(c.ClientID())
	c.box.Close()
	<-c.box.done
}

type uplink struct {
	seq *sequencer.Sequencer
	id  core.ClientID
}

func (u uplink) Submit(ctx context.Context, op core.Op) error {
	op.ClientID = u.id
	return u.seq.Submit(ctx, op)
}

// mailbox is the downlink of one in-process member.
type mailbox struct {
	ops  chan core.Op
	done chan struct{}

	mu     sync.RWMutex
	closed bool
}

func (m *mailbox) TrySend(op core.Op) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	select {
	case m.ops <- op:
	default:
		return ErrBackpressure
	}
	return nil
}

func (m *mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.ops)
}

func (m *mailbox) pump(r *session.Replica) {
	defer close(m.done)
	defer r.Disconnect()
	for op := range m.ops {
		r.Apply(op)
	}
}
