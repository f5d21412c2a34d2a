package websocket

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

// Client is one dashboard connection.
type Client struct {
	ID         string
	OperatorID string
	Conn       *websocket.Conn
	Manager    *Manager
	Send       chan []byte
}

func NewClient(id, operatorID string, conn *websocket.Conn, manager *Manager) *Client {
	return &Client{
		ID:         id,
		OperatorID: operatorID,
		Conn:       conn,
		Manager:    manager,
		Send:       make(chan []byte, 64),
	}
}

func (c *Client) ReadPump() {
	defer func() {
		c.Manager.leave(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(4096)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Manager.logger.Warn("dashboard websocket closed unexpectedly",
					slog.String("client_id", c.ID),
					slog.String("error", err.Error()),
				)
			}
			break
		}

		if !c.Manager.dispatch(&ClientMessage{Client: c, Message: message}) {
			return
		}
	}
}

// WritePump drains Send into the connection and keeps it alive with pings.
// Each queued message goes out as its own frame so the dashboard can parse
// them independently.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.Manager.pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
