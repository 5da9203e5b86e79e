package handlers

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/devdesk-terminal/host/internal/logging"
	"github.com/devdesk-terminal/host/internal/ws"
)

// WebSocketHandler exposes the channel attachment endpoint.
type WebSocketHandler struct {
	wsHandler *ws.Handler
	log       *logging.Logger
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(wsHandler *ws.Handler, log *logging.Logger) *WebSocketHandler {
	if log == nil {
		log = logging.NewNop()
	}
	return &WebSocketHandler{wsHandler: wsHandler, log: log}
}

// Attach handles GET /api/attach, upgrading to the channel protocol.
func (h *WebSocketHandler) Attach(c *gin.Context) {
	if err := h.wsHandler.HandleConnection(c.Writer, c.Request); err != nil {
		h.log.Warn("websocket attach failed", zap.Error(err))
	}
}

// RegisterRoutes registers the attachment route on a router group.
func (h *WebSocketHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/attach", h.Attach)
}
