// Package streaming handles WebSocket connections for real-time activity
// and session event broadcasting, keyed by workspace.
package streaming

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/forgeflow/internal/activity"
	"github.com/kandev/forgeflow/internal/common/logger"
)

// Client represents a single WebSocket connection.
type Client struct {
	ID           string
	conn         *websocket.Conn
	workspaceIDs map[string]bool
	send         chan []byte
	hub          *Hub
	mu           sync.RWMutex
	logger       *logger.Logger
}

// NewClient wraps conn in a Client registered against hub.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:           id,
		conn:         conn,
		workspaceIDs: make(map[string]bool),
		send:         make(chan []byte, 256),
		hub:          hub,
		logger:       log.WithFields(zap.String("client_id", id)),
	}
}

// Hub fans activity.LiveEvents out to every client subscribed to the
// matching workspace.
type Hub struct {
	clients          map[*Client]bool
	workspaceClients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage

	mu     sync.RWMutex
	logger *logger.Logger
}

// BroadcastMessage carries one event addressed to a workspace's subscribers.
type BroadcastMessage struct {
	WorkspaceID string
	Event       activity.LiveEvent
}

// NewHub constructs an empty Hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:          make(map[*Client]bool),
		workspaceClients: make(map[string]map[*Client]bool),
		register:         make(chan *Client),
		unregister:       make(chan *Client),
		broadcast:        make(chan *BroadcastMessage, 256),
		logger:           log.WithFields(zap.String("component", "streaming_hub")),
	}
}

// Run drives the hub's event loop until ctx is canceled.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("streaming hub started")
	defer h.logger.Info("streaming hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.workspaceClients = make(map[string]map[*Client]bool)
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				for workspaceID := range client.workspaceIDs {
					if clients, ok := h.workspaceClients[workspaceID]; ok {
						delete(clients, client)
						if len(clients) == 0 {
							delete(h.workspaceClients, workspaceID)
						}
					}
				}
			}
			h.mu.Unlock()
			h.logger.Debug("client unregistered", zap.String("client_id", client.ID))

		case msg := <-h.broadcast:
			h.mu.RLock()
			clients := h.workspaceClients[msg.WorkspaceID]
			h.mu.RUnlock()
			if len(clients) == 0 {
				continue
			}

			data, err := json.Marshal(msg.Event)
			if err != nil {
				h.logger.Error("failed to marshal event", zap.Error(err))
				continue
			}

			for client := range clients {
				select {
				case client.send <- data:
				default:
					h.mu.Lock()
					close(client.send)
					delete(h.clients, client)
					for workspaceID := range client.workspaceIDs {
						if wsClients, ok := h.workspaceClients[workspaceID]; ok {
							delete(wsClients, client)
							if len(wsClients) == 0 {
								delete(h.workspaceClients, workspaceID)
							}
						}
					}
					h.mu.Unlock()
				}
			}
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast queues evt for delivery to every client subscribed to
// workspaceID. Safe to call from the activity.Log subscription callback.
func (h *Hub) Broadcast(workspaceID string, evt activity.LiveEvent) {
	h.broadcast <- &BroadcastMessage{WorkspaceID: workspaceID, Event: evt}
}

// SubscribeClient adds client to workspaceID's fan-out set.
func (h *Hub) SubscribeClient(client *Client, workspaceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.workspaceClients[workspaceID]; !ok {
		h.workspaceClients[workspaceID] = make(map[*Client]bool)
	}
	h.workspaceClients[workspaceID][client] = true
}

// UnsubscribeClient removes client from workspaceID's fan-out set.
func (h *Hub) UnsubscribeClient(client *Client, workspaceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if clients, ok := h.workspaceClients[workspaceID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.workspaceClients, workspaceID)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// WorkspaceSubscriberCount returns how many clients are subscribed to
// workspaceID.
func (h *Hub) WorkspaceSubscriberCount(workspaceID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.workspaceClients[workspaceID])
}
