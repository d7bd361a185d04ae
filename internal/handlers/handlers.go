package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"spyglass/internal/session"
	"spyglass/internal/websocket"
	"spyglass/pkg/logging"
)

// apiViewerID identifies REST callers in unicast acknowledgments; they have
// no websocket channel, so those acks surface only in the HTTP response.
const apiViewerID = "api"

// SessionController is the coordinator surface the HTTP handlers drive.
type SessionController interface {
	ExplicitStart(viewerID string)
	ExplicitStop(viewerID string)
	Snapshot() session.State
}

// SpyglassHandlers contains the HTTP handlers for the service
type SpyglassHandlers struct {
	hub       *websocket.Hub
	session   SessionController
	logger    logging.Logger
	startTime time.Time
}

// NewSpyglassHandlers creates a new handlers instance
func NewSpyglassHandlers(hub *websocket.Hub, session SessionController, logger logging.Logger) *SpyglassHandlers {
	return &SpyglassHandlers{
		hub:       hub,
		session:   session,
		logger:    logger,
		startTime: time.Now(),
	}
}

// HandleWebSocket serves viewer WebSocket connections
func (h *SpyglassHandlers) HandleWebSocket(c *gin.Context) {
	h.hub.ServeWS(c.Writer, c.Request)
}

// HandleStatus reports the session state and hub statistics
func (h *SpyglassHandlers) HandleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service":   "spyglass",
		"uptime":    time.Since(h.startTime).String(),
		"session":   h.session.Snapshot(),
		"websocket": h.hub.Stats(),
	})
}

// HandleMonitorStart requests monitoring activation
func (h *SpyglassHandlers) HandleMonitorStart(c *gin.Context) {
	h.session.ExplicitStart(apiViewerID)
	c.JSON(http.StatusAccepted, gin.H{
		"requested": "start",
		"session":   h.session.Snapshot(),
	})
}

// HandleMonitorStop requests monitoring deactivation
func (h *SpyglassHandlers) HandleMonitorStop(c *gin.Context) {
	h.session.ExplicitStop(apiViewerID)
	c.JSON(http.StatusAccepted, gin.H{
		"requested": "stop",
		"session":   h.session.Snapshot(),
	})
}

// HandleNotFound provides a custom 404 handler
func (h *SpyglassHandlers) HandleNotFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{
		"error":   "not_found",
		"service": "spyglass",
		"message": "Endpoint not found",
	})
}
