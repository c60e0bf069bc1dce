package relayserver

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meshconf/meshcall/internal/metrics"
	"github.com/meshconf/meshcall/internal/protocol"
	"github.com/meshconf/meshcall/internal/ratelimit"
)

// writeWait bounds a single websocket write.
const writeWait = 5 * time.Second

// client is one connected participant. The hub owns the client map; the
// client owns its two pump goroutines. All reads happen on readPump and all
// writes on writePump, which is gorilla/websocket's concurrency contract.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	log  *slog.Logger

	// id is assigned by the hub at registration.
	id string

	send chan protocol.Message

	limiter *ratelimit.Bucket
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(c.hub.opts.MaxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.hub.opts.IdleTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.hub.opts.IdleTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn("websocket read failed", "err", err)
			}
			return
		}

		if c.limiter != nil && !c.limiter.Allow(1) {
			c.hub.metrics.Inc(metrics.DropReasonRateLimited)
			c.log.Warn("signaling message rate limited")
			continue
		}

		msg, err := protocol.ParseClientMessage(data)
		if err != nil {
			c.hub.metrics.Inc(metrics.DropReasonBadMessage)
			c.log.Warn("malformed signaling message", "err", err)
			continue
		}

		c.hub.route(c, msg)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.hub.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				c.log.Error("marshal signaling message", "type", string(msg.Type), "err", err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Warn("websocket write failed", "err", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
