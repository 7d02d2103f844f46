package handlers

import (
	"errors"
	"net/http"

	"github.com/Klein241/bufferwave/internal/registry"
	"github.com/Klein241/bufferwave/internal/services"
	"github.com/gin-gonic/gin"
)

// NetworkHandler handles the broker's JSON endpoints
type NetworkHandler struct {
	network *services.NetworkService
}

// NewNetworkHandler creates a new network handler
func NewNetworkHandler(network *services.NetworkService) *NetworkHandler {
	return &NetworkHandler{network: network}
}

// Register handles node registration
func (h *NetworkHandler) Register(c *gin.Context) {
	var req services.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, h.network.Register(c.Request.Context(), req, c.ClientIP()))
}

// Connect handles relay requests
func (h *NetworkHandler) Connect(c *gin.Context) {
	var req services.ConnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, h.network.Connect(c.Request.Context(), req))
}

// Store handles DTN storage
func (h *NetworkHandler) Store(c *gin.Context) {
	var req services.StoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := h.network.Store(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Heartbeat handles node heartbeat
func (h *NetworkHandler) Heartbeat(c *gin.Context) {
	var req services.UserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, h.network.Heartbeat(c.Request.Context(), req.UserID))
}

// Disconnect handles explicit disconnection
func (h *NetworkHandler) Disconnect(c *gin.Context) {
	var req services.UserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.network.Disconnect(c.Request.Context(), req.UserID)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Bandwidth handles relay usage reports
func (h *NetworkHandler) Bandwidth(c *gin.Context) {
	var req services.BandwidthRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := h.network.Bandwidth(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownNode) {
			c.JSON(http.StatusNotFound, gin.H{"error": "node not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ListNodes handles listing reachable nodes
func (h *NetworkHandler) ListNodes(c *gin.Context) {
	c.JSON(http.StatusOK, h.network.Nodes())
}

// Status handles the broker summary
func (h *NetworkHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.network.Status())
}
