package streaming

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024
)

// SubscriptionMessage is the client->server control message: subscribe
// or unsubscribe from one or more workspace event streams.
type SubscriptionMessage struct {
	Action       string   `json:"action"` // subscribe, unsubscribe
	WorkspaceIDs []string `json:"workspace_ids"`
}

// ReadPump reads control messages from the connection until it closes.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			break
		}

		var subMsg SubscriptionMessage
		if err := json.Unmarshal(message, &subMsg); err != nil {
			c.logger.Warn("invalid subscription message", zap.Error(err))
			continue
		}

		switch subMsg.Action {
		case "subscribe":
			for _, workspaceID := range subMsg.WorkspaceIDs {
				c.Subscribe(workspaceID)
			}
		case "unsubscribe":
			for _, workspaceID := range subMsg.WorkspaceIDs {
				c.Unsubscribe(workspaceID)
			}
		default:
			c.logger.Warn("unknown subscription action", zap.String("action", subMsg.Action))
		}
	}
}

// WritePump drains the client's send buffer onto the connection and keeps
// it alive with periodic pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Send enqueues msg for delivery, dropping it if the client's buffer is full.
func (c *Client) Send(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Close unregisters the client from its hub.
func (c *Client) Close() {
	c.hub.Unregister(c)
}

// Subscribe adds workspaceID to the client's fan-out set.
func (c *Client) Subscribe(workspaceID string) {
	c.mu.Lock()
	c.workspaceIDs[workspaceID] = true
	c.mu.Unlock()
	c.hub.SubscribeClient(c, workspaceID)
	c.logger.Debug("subscribed to workspace", zap.String("workspace_id", workspaceID))
}

// Unsubscribe removes workspaceID from the client's fan-out set.
func (c *Client) Unsubscribe(workspaceID string) {
	c.mu.Lock()
	delete(c.workspaceIDs, workspaceID)
	c.mu.Unlock()
	c.hub.UnsubscribeClient(c, workspaceID)
	c.logger.Debug("unsubscribed from workspace", zap.String("workspace_id", workspaceID))
}

// IsSubscribed reports whether the client currently follows workspaceID.
func (c *Client) IsSubscribed(workspaceID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.workspaceIDs[workspaceID]
}
