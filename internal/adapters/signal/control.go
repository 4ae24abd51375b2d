package signal

import (
	"time"

	"github.com/gorilla/websocket"
)

// keepAlive extends the read deadline on every pong. A peer silent for longer
// than the pong wait is considered gone.
func keepAlive(conn *websocket.Conn, pingPeriod time.Duration) {
	wait := pongWait(pingPeriod)
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wait))
	})
}

func writePing(conn *websocket.Conn) error {
	return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func pongWait(pingPeriod time.Duration) time.Duration {
	return pingPeriod * 10 / 9
}
