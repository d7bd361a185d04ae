package websocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"spyglass/internal/metrics"
	"spyglass/internal/trace"
	"spyglass/pkg/logging"
)

// Message kinds pushed to viewers.
const (
	TypeConnectionStatus = "connection-status"
	TypeMonitoringStatus = "monitoring-status"
	TypeMonitoringError  = "monitoring-error"
	TypeFirehoseMessage  = "firehose-message"
)

// SessionControl receives viewer presence changes and start/stop requests
// from the hub.
type SessionControl interface {
	ViewerConnected(viewerID string)
	ViewerDisconnected(viewerID string)
	HandleRequest(viewerID, action string)
	MonitoringActive() bool
}

// Message is the envelope for every frame pushed to viewers.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// ConnectionStatus greets a newly connected viewer.
type ConnectionStatus struct {
	Connected        bool `json:"connected"`
	ClientCount      int  `json:"clientCount"`
	MonitoringActive bool `json:"monitoringActive"`
}

// MonitoringStatus reports a session state transition or acknowledgment.
type MonitoringStatus struct {
	Active  bool   `json:"active"`
	Message string `json:"message"`
}

// MonitoringError reports a trace source failure.
type MonitoringError struct {
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"`
}

// FirehoseMessage wraps a trace event with per-delivery presentation
// metadata.
type FirehoseMessage struct {
	trace.Event
	ID          string `json:"id"`
	DisplayTime string `json:"displayTime"`
}

// controlFrame is the only inbound frame viewers send.
type controlFrame struct {
	Action string `json:"action"`
}

type outbound struct {
	payload []byte
	event   *trace.Event
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub maintains the set of connected viewers and fans trace events and
// session status out to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client
	session    SessionControl
	logger     logging.Logger
	metrics    *metrics.Metrics
	mutex      sync.RWMutex
}

// Client represents one connected viewer.
type Client struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger logging.Logger
}

// NewHub creates a hub. Metrics may be nil in tests.
func NewHub(logger logging.Logger, serviceMetrics *metrics.Metrics) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan outbound, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		metrics:    serviceMetrics,
	}
}

// SetSession wires the session coordinator. Must be called before Run.
func (h *Hub) SetSession(session SessionControl) {
	h.session = session
}

// Run starts the hub's main loop.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mutex.Unlock()

			if h.metrics != nil {
				h.metrics.HubConnections.WithLabelValues("/ws").Set(float64(count))
			}
			h.logger.WithFields(logging.Fields{
				"viewer_id":    client.id,
				"client_count": count,
			}).Info("Viewer connected")

			h.greet(client, count)
			if h.session != nil {
				h.session.ViewerConnected(client.id)
			}

		case client := <-h.unregister:
			h.mutex.Lock()
			removed := false
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				removed = true
			}
			count := len(h.clients)
			h.mutex.Unlock()

			if !removed {
				continue
			}

			if h.metrics != nil {
				h.metrics.HubConnections.WithLabelValues("/ws").Set(float64(count))
			}
			h.logger.WithFields(logging.Fields{
				"viewer_id":    client.id,
				"client_count": count,
			}).Info("Viewer disconnected")

			if h.session != nil {
				h.session.ViewerDisconnected(client.id)
			}

		case message := <-h.broadcast:
			if message.event != nil {
				h.fanOutEvent(*message.event)
			} else {
				h.fanOutPayload(message.payload)
			}
		}
	}
}

// greet sends the connection-status message to a single new viewer.
func (h *Hub) greet(client *Client, count int) {
	active := false
	if h.session != nil {
		active = h.session.MonitoringActive()
	}
	payload, err := json.Marshal(Message{
		Type: TypeConnectionStatus,
		Data: ConnectionStatus{
			Connected:        true,
			ClientCount:      count,
			MonitoringActive: active,
		},
	})
	if err != nil {
		h.logger.WithError(err).Error("Failed to marshal connection status")
		return
	}
	client.deliver(payload)
}

// BroadcastTrace fans one trace event out to every connected viewer. Each
// delivery gets its own generated id and display time.
func (h *Hub) BroadcastTrace(event trace.Event) {
	select {
	case h.broadcast <- outbound{event: &event}:
	default:
		h.logger.Warn("Broadcast channel full, dropping trace event")
	}
}

// BroadcastStatus broadcasts a monitoring-status message to all viewers.
func (h *Hub) BroadcastStatus(active bool, message string) {
	h.enqueue(TypeMonitoringStatus, MonitoringStatus{Active: active, Message: message})
}

// BroadcastError broadcasts a monitoring-error message to all viewers.
func (h *Hub) BroadcastError(errMessage string) {
	h.enqueue(TypeMonitoringError, MonitoringError{
		Error:     errMessage,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// SendStatus unicasts a monitoring-status message to one viewer.
func (h *Hub) SendStatus(viewerID string, active bool, message string) {
	payload, err := json.Marshal(Message{
		Type: TypeMonitoringStatus,
		Data: MonitoringStatus{Active: active, Message: message},
	})
	if err != nil {
		h.logger.WithError(err).Error("Failed to marshal status message")
		return
	}

	h.mutex.RLock()
	defer h.mutex.RUnlock()
	for client := range h.clients {
		if client.id == viewerID {
			client.deliver(payload)
			return
		}
	}
}

// ClientCount returns the number of connected viewers.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Stats returns hub statistics for the status endpoint.
func (h *Hub) Stats() map[string]interface{} {
	return map[string]interface{}{
		"total_clients": h.ClientCount(),
	}
}

// ServeWS handles a viewer websocket upgrade.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade WebSocket connection")
		return
	}

	client := &Client{
		id:     uuid.New().String(),
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 256),
		logger: h.logger,
	}

	client.hub.register <- client

	go client.writePump()
	go client.readPump()
}

func (h *Hub) enqueue(msgType string, data interface{}) {
	payload, err := json.Marshal(Message{Type: msgType, Data: data})
	if err != nil {
		h.logger.WithError(err).Error("Failed to marshal broadcast message")
		return
	}

	select {
	case h.broadcast <- outbound{payload: payload}:
	default:
		h.logger.Warn("Broadcast channel full, dropping message")
	}
}

func (h *Hub) fanOutPayload(payload []byte) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	for client := range h.clients {
		client.deliver(payload)
	}
}

func (h *Hub) fanOutEvent(event trace.Event) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	for client := range h.clients {
		payload, err := json.Marshal(Message{
			Type: TypeFirehoseMessage,
			Data: FirehoseMessage{
				Event:       event,
				ID:          newDeliveryID(),
				DisplayTime: event.OccurredAt.Format("15:04:05"),
			},
		})
		if err != nil {
			h.logger.WithError(err).Error("Failed to marshal firehose message")
			continue
		}
		client.deliver(payload)
	}

	if h.metrics != nil {
		h.metrics.HubMessages.WithLabelValues(TypeFirehoseMessage, "out").Add(float64(len(h.clients)))
	}
}

// newDeliveryID generates a per-delivery message id from the current time
// and a random suffix. Presentation metadata only.
func newDeliveryID() string {
	return time.Now().UTC().Format("20060102150405.000") + "-" + uuid.New().String()[:8]
}

// deliver sends a payload to the client without blocking. A viewer that
// cannot keep up loses messages rather than stalling the broadcast.
func (c *Client) deliver(payload []byte) {
	select {
	case c.send <- payload:
	default:
		c.logger.WithField("viewer_id", c.id).Warn("Viewer send buffer full, dropping message")
	}
}

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512
)

// readPump pumps control frames from the viewer to the session coordinator.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
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
				c.logger.WithError(err).Error("WebSocket connection error")
			}
			break
		}

		var frame controlFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.logger.WithError(err).Warn("Invalid viewer frame")
			continue
		}

		if c.hub.session != nil && frame.Action != "" {
			c.hub.session.HandleRequest(c.id, frame.Action)
		}
	}
}

// writePump pumps messages from the hub to the viewer connection.
func (c *Client) writePump() {
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

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
