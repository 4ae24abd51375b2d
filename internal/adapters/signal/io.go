package signal

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dkeye/liveshare/internal/core"
	"github.com/dkeye/liveshare/internal/sequencer"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (ctl *Controller) writePump(ctx context.Context, c *WsSignalConn) {
	ping := time.NewTicker(ctl.pingPeriod())
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			return
		case <-ping.C:
			if err := writePing(c.conn); err != nil {
				log.Debug().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, seq *sequencer.Sequencer, id core.ClientID, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("client", string(id)).Msg("readPump closing")
		seq.Leave(id)
		ctl.Limiter.Forget(id)
		c.Close()
	}()

	limit := ctl.ReadLimit
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	c.conn.SetReadLimit(limit)
	keepAlive(c.conn, ctl.pingPeriod())

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Str("client", string(id)).Msg("readPump ctx done")
			return
		default:
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Error().Err(err).Str("module", "signal").Str("client", string(id)).Msg("readPump read error")
			}
			return
		}
		ctl.handleOp(ctx, seq, id, c, data)
	}
}

func (ctl *Controller) handleOp(ctx context.Context, seq *sequencer.Sequencer, id core.ClientID, c *WsSignalConn, data []byte) {
	var op core.Op
	if err := json.Unmarshal(data, &op); err != nil {
		log.Error().Err(err).Str("module", "signal").Str("client", string(id)).Msg("bad json")
		return
	}
	if !ctl.Limiter.Allow(id, time.Now()) {
		log.Warn().Str("module", "signal").Str("client", string(id)).Str("kind", string(op.Kind)).Msg("rate limited")
		reject(c, op, "rate_limited")
		return
	}
	op.ClientID = id
	if err := seq.Submit(ctx, op); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("client", string(id)).Str("kind", string(op.Kind)).Msg("submit")
		reason := err.Error()
		if errors.Is(err, sequencer.ErrSessionStopped) {
			reason = "session_stopped"
		}
		reject(c, op, reason)
	}
}

// reject reports an op that was not sequenced back to its submitter.
func reject(c *WsSignalConn, op core.Op, reason string) {
	_ = c.TrySend(core.Op{
		Kind:     core.OpReject,
		Key:      op.Key,
		Handle:   op.Handle,
		ObjectID: op.ObjectID,
		Rejected: op.Kind,
		Reason:   reason,
	})
}

func (ctl *Controller) pingPeriod() time.Duration {
	if ctl.PingPeriod <= 0 {
		return DefaultPingPeriod
	}
	return ctl.PingPeriod
}
