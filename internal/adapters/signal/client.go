package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/liveshare/internal/core"
	"github.com/dkeye/liveshare/internal/session"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

// Client is a remote member of a session reached over a websocket. It is
// Connecting until the server's snapshot has been applied.
type Client struct {
	*session.Replica

	conn *websocket.Conn
	wmu  sync.Mutex
	wg   conc.WaitGroup
	once sync.Once
}

// Dial connects to the websocket endpoint of a session, for example
// ws://host:8080/api/ws/<session>?name=alice.
func Dial(ctx context.Context, url string, header http.Header) (*Client, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &Client{conn: conn}
	c.Replica = session.NewReplica("", uplink{c: c})
	c.wg.Go(c.readLoop)
	log.Debug().Str("module", "signal.client").Str("url", url).Msg("dialed")
	return c, nil
}

// Close says goodbye to the server and waits for the read loop to end.
func (c *Client) Close() {
	c.once.Do(func() {
		c.wmu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		c.wmu.Unlock()
		_ = c.conn.Close()
	})
	c.wg.Wait()
}

func (c *Client) readLoop() {
	defer c.Replica.Disconnect()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Error().Err(err).Str("module", "signal.client").Msg("read error")
			}
			return
		}
		var op core.Op
		if err := json.Unmarshal(data, &op); err != nil {
			log.Error().Err(err).Str("module", "signal.client").Msg("bad json")
			continue
		}
		c.Replica.Apply(op)
	}
}

type uplink struct {
	c *Client
}

func (u uplink) Submit(ctx context.Context, op core.Op) error {
	data, err := json.Marshal(op)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	u.c.wmu.Lock()
	defer u.c.wmu.Unlock()
	if err := u.c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return u.c.conn.WriteMessage(websocket.TextMessage, data)
}
