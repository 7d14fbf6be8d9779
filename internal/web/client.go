package web

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
	pongTimeout  = 60 * time.Second

	// Dashboard messages are tiny; anything bigger is a broken client.
	maxMessageSize = 4 * 1024

	clientSendBuffer = 64
)

// client is one connected dashboard over /api/events. It only receives;
// inbound frames are read solely to service pongs and detect closes.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

func newClient(conn *websocket.Conn) *client {
	return &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, clientSendBuffer),
	}
}

// sendEvent marshals and queues one topic envelope, dropping it if the
// client cannot keep up.
func (c *client) sendEvent(topic string, data any) {
	payload, err := json.Marshal(map[string]any{"topic": topic, "data": data})
	if err != nil {
		slog.Error("marshal event for websocket", "topic", topic, "error", err)
		return
	}
	select {
	case c.send <- payload:
	default:
		slog.Debug("websocket client lagging, event dropped", "client", c.id, "topic", topic)
	}
}

// readPump drains inbound frames until the peer goes away.
func (c *client) readPump() {
	defer c.conn.Close()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("websocket read ended", "client", c.id, "error", err)
			}
			return
		}
	}
}

// writePump writes queued events and keepalive pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
