package gateway

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/alephauto/alephauto/internal/eventbus"
	"github.com/alephauto/alephauto/internal/logger"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	pingInterval = 15 * time.Second
	writeWait    = 10 * time.Second
)

// Hub serves the WebSocket gateway (spec.md §4.9 "WebSocket
// responsibilities"), relaying Event Bus frames to subscribed clients.
// Structurally grounded on the teacher's SSE hub
// (internal/sse/hub.go): per-client outbound channel, periodic
// heartbeat, clean removal of subscriptions on disconnect.
type Hub struct {
	bus      *eventbus.Bus
	log      *logger.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*wsClient
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	evts <-chan eventbus.Event
}

// NewHub creates a Hub relaying events from bus.
func NewHub(bus *eventbus.Bus, log *logger.Logger, allowedOrigins []string) *Hub {
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}
	return &Hub{
		bus:     bus,
		log:     log.With("component", "WSGateway"),
		clients: make(map[string]*wsClient),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				if len(originSet) == 0 {
					return true
				}
				return originSet[r.Header.Get("Origin")]
			},
		},
	}
}

// Status handles GET /ws/status — a plain health probe for the WS
// gateway, distinct from the upgrade endpoint (spec.md §4.9, §9).
func (h *Hub) Status(c *gin.Context) {
	h.mu.RLock()
	count := len(h.clients)
	h.mu.RUnlock()
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"connected_count": count,
		"timestamp":      nowISO(),
	})
}

type inboundFrame struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels,omitempty"`
}

type outboundFrame struct {
	Type      string   `json:"type"`
	ClientID  string   `json:"client_id,omitempty"`
	Channels  []string `json:"channels,omitempty"`
	Timestamp string   `json:"timestamp,omitempty"`
}

// Serve handles the WS handshake at /ws.
func (h *Hub) Serve(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err.Error())
		return
	}

	clientID := uuid.NewString()
	evts := h.bus.Subscribe(clientID, nil)
	client := &wsClient{id: clientID, conn: conn, evts: evts}

	h.mu.Lock()
	h.clients[clientID] = client
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, clientID)
		h.mu.Unlock()
		h.bus.Unsubscribe(clientID)
		conn.Close()
	}()

	if err := conn.WriteJSON(outboundFrame{Type: "connected", ClientID: clientID, Timestamp: nowISO()}); err != nil {
		return
	}

	readDone := make(chan struct{})
	go h.readPump(client, readDone)
	h.writePump(client, readDone)
}

func (h *Hub) readPump(client *wsClient, done chan struct{}) {
	defer close(done)
	for {
		var frame inboundFrame
		if err := client.conn.ReadJSON(&frame); err != nil {
			return
		}
		switch frame.Type {
		case "subscribe":
			h.bus.Subscribe(client.id, frame.Channels)
			_ = client.conn.WriteJSON(outboundFrame{Type: "subscribed", Channels: frame.Channels})
		case "unsubscribe":
			h.bus.Unsubscribe(client.id, frame.Channels...)
		case "ping":
			_ = client.conn.WriteJSON(outboundFrame{Type: "pong", Timestamp: nowISO()})
		}
	}
}

func (h *Hub) writePump(client *wsClient, readDone <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-readDone:
			return
		case evt, ok := <-client.evts:
			if !ok {
				return
			}
			msg := relayFrame(evt)
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// relayFrame wraps an Event Bus event as {type:<channel>, ...payload} per
// spec.md §4.9.
func relayFrame(evt eventbus.Event) map[string]interface{} {
	out := map[string]interface{}{
		"type":      evt.Channel,
		"timestamp": evt.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
	}
	if raw, err := json.Marshal(evt.Payload); err == nil {
		var asMap map[string]interface{}
		if json.Unmarshal(raw, &asMap) == nil {
			for k, v := range asMap {
				out[k] = v
			}
			return out
		}
	}
	out["payload"] = evt.Payload
	return out
}
