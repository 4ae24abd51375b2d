// Package signal is the websocket transport of the ordering service. The
// server side pumps JSON ops between a websocket and a session sequencer; the
// client side feeds a session replica from a websocket.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/liveshare/internal/core"
	"github.com/dkeye/liveshare/internal/domain"
	"github.com/dkeye/liveshare/internal/sequencer"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	DefaultSendBuffer = 256
	DefaultReadLimit  = 1 << 20
	DefaultPingPeriod = 54 * time.Second

	writeWait = 5 * time.Second
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("connection closed")
)

// Controller accepts websocket members into session sequencers.
type Controller struct {
	Sessions   *sequencer.Manager
	Limiter    *RateLimiter
	ReadLimit  int64
	PingPeriod time.Duration
	SendBuffer int
	Upgrader   websocket.Upgrader
}

func NewController(sessions *sequencer.Manager, limiter *RateLimiter) *Controller {
	return &Controller{
		Sessions:   sessions,
		Limiter:    limiter,
		ReadLimit:  DefaultReadLimit,
		PingPeriod: DefaultPingPeriod,
		SendBuffer: DefaultSendBuffer,
		Upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// WsSignalConn is the downlink of one websocket member.
type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(op core.Op) error {
	data, err := json.Marshal(op)
	if err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- data:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// HandleSignal upgrades the request and joins the member to the session named
// by the :session path parameter. The user is identified by the client token
// cookie; the display name comes from the "name" query parameter.
func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	sessionID := domain.SessionID(c.Param("session"))
	token := c.GetString("client_token")
	if sessionID == "" || token == "" {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}
	name := c.DefaultQuery("name", "guest")
	user, err := domain.NewUserWithID(domain.UserID(token), name)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ws, err := ctl.Upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	size := ctl.SendBuffer
	if size <= 0 {
		size = DefaultSendBuffer
	}
	conn := &WsSignalConn{conn: ws, send: make(chan core.Frame, size)}

	id := core.ClientID(uuid.NewString())
	seq := ctl.Sessions.GetOrCreate(sessionID)
	ctx, cancel := context.WithCancel(ctx)

	go ctl.writePump(ctx, conn)
	if err := seq.Join(id, sequencer.NewMemberSession(domain.NewMember(user), conn)); err != nil {
		log.Error().Err(err).Str("module", "signal").Str("session", string(sessionID)).Msg("join")
		cancel()
		conn.Close()
		return
	}
	log.Info().Str("module", "signal").Str("session", string(sessionID)).Str("client", string(id)).Str("user", string(user.ID)).Msg("new WS member")

	go func() {
		defer cancel()
		ctl.readPump(ctx, seq, id, conn)
	}()
}
