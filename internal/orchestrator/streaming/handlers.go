package streaming

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/forgeflow/internal/common/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSHandler upgrades incoming HTTP connections into streaming Hub clients.
type WSHandler struct {
	hub    *Hub
	logger *logger.Logger
}

// NewWSHandler wires a WSHandler against hub.
func NewWSHandler(hub *Hub, log *logger.Logger) *WSHandler {
	return &WSHandler{hub: hub, logger: log.WithFields(zap.String("component", "ws_handler"))}
}

// Stream handles GET /api/v1/workspaces/:workspaceId/stream, immediately
// subscribing the new client to the workspace named in the URL; it may
// additionally subscribe/unsubscribe via SubscriptionMessage frames.
func (h *WSHandler) Stream(c *gin.Context) {
	workspaceID := c.Param("workspaceId")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	client := NewClient(clientID, conn, h.hub, h.logger)
	h.hub.Register(client)
	if workspaceID != "" {
		client.Subscribe(workspaceID)
	}

	go client.WritePump()
	go client.ReadPump()
}

// RegisterRoutes mounts the streaming endpoint on router.
func RegisterRoutes(router gin.IRouter, handler *WSHandler) {
	router.GET("/workspaces/:workspaceId/stream", handler.Stream)
}
