package handlers

import (
	"context"
	"net/http"

	"github.com/Klein241/bufferwave/internal/tunnel"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// TunnelHandler upgrades /tunnel requests into duplex channels
type TunnelHandler struct {
	broker   *tunnel.Broker
	upgrader websocket.Upgrader
	ctx      context.Context
	logger   *zap.Logger
}

// NewTunnelHandler creates a new tunnel handler. Channels are served until
// ctx is cancelled.
func NewTunnelHandler(ctx context.Context, broker *tunnel.Broker, logger *zap.Logger) *TunnelHandler {
	return &TunnelHandler{
		broker: broker,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		ctx:    ctx,
		logger: logger.Named("tunnel-handler"),
	}
}

// Serve handles a websocket upgrade and blocks for the channel's lifetime
func (h *TunnelHandler) Serve(c *gin.Context) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("remote", c.ClientIP()), zap.Error(err))
		return
	}

	h.logger.Debug("channel opened", zap.String("remote", c.ClientIP()))
	h.broker.Serve(h.ctx, tunnel.NewConn(ws))
}
