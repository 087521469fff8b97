package adapters

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"simonair-gateway/application"
)

const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeError       = "error"

	// wsSendBufferSize is the per-client outbound buffer; a client that
	// cannot drain it loses messages rather than blocking the broadcast.
	wsSendBufferSize = 64

	wsWriteTimeout = 10 * time.Second
)

// WSMessage is the envelope exchanged with websocket clients.
type WSMessage struct {
	Type      string `json:"type"`
	Event     string `json:"event,omitempty"`
	DeviceID  string `json:"device_id,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

type wsSubscribePayload struct {
	Devices []string `json:"devices"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// Hub is the broadcast collaborator: it fans readings and ack outcomes out
// to websocket clients subscribed to a device's room.
type Hub struct {
	log zerolog.Logger

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu    sync.RWMutex
	rooms map[string]struct{}
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log:     log,
		clients: make(map[*wsClient]struct{}),
	}
}

// Run blocks until the context is cancelled, then closes every client.
func (h *Hub) Run(ctx context.Context) error {
	<-ctx.Done()
	h.closeAll()
	return nil
}

// SendToDeviceRoom delivers an event to every client subscribed to the
// device. Slow clients are skipped, never waited on.
func (h *Hub) SendToDeviceRoom(deviceID, event string, payload any) {
	msg := WSMessage{
		Type:      WSTypeEvent,
		Event:     event,
		DeviceID:  deviceID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to marshal broadcast message")
		return
	}

	h.mu.RLock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if !c.inRoom(deviceID) {
			continue
		}
		if !c.trySend(data) {
			h.log.Warn().Str("device_id", deviceID).Msg("websocket client send buffer full, dropped")
		}
	}
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades an HTTP request to a websocket connection and starts the
// client's read/write pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &wsClient{
		hub:   h,
		conn:  conn,
		send:  make(chan []byte, wsSendBufferSize),
		rooms: make(map[string]struct{}),
	}
	h.register(client)

	go client.writePump()
	go client.readPump()
}

func (h *Hub) register(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.log.Debug().Int("clients", h.ClientCount()).Msg("websocket client connected")
}

// unregister removes the client; only the goroutine that removes the map
// entry closes the send channel, so concurrent teardown cannot double-close.
func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	_, existed := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()

	if existed {
		close(c.send)
	}
	h.log.Debug().Int("clients", h.ClientCount()).Msg("websocket client disconnected")
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*wsClient]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		close(c.send)
		c.conn.Close()
	}
}

// trySend delivers data to the client's send channel. It absorbs the
// send-on-closed-channel panic from a client torn down between the broadcast
// snapshot and the send, and reports false when the buffer is full.
func (c *wsClient) trySend(data []byte) (sent bool) {
	defer func() {
		if recover() != nil {
			sent = false
		}
	}()

	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *wsClient) inRoom(deviceID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.rooms[deviceID]
	return ok
}

func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.reply(WSMessage{Type: WSTypeError, Payload: "invalid message"})
			continue
		}

		switch msg.Type {
		case WSTypeSubscribe, WSTypeUnsubscribe:
			var sub wsSubscribePayload
			raw, _ := json.Marshal(msg.Payload)
			if err := json.Unmarshal(raw, &sub); err != nil {
				c.reply(WSMessage{Type: WSTypeError, Payload: "invalid subscribe payload"})
				continue
			}

			c.mu.Lock()
			for _, id := range sub.Devices {
				if msg.Type == WSTypeSubscribe {
					c.rooms[id] = struct{}{}
				} else {
					delete(c.rooms, id)
				}
			}
			c.mu.Unlock()
		case WSTypePing:
			c.reply(WSMessage{Type: WSTypePong})
		default:
			c.reply(WSMessage{Type: WSTypeError, Payload: "unknown message type"})
		}
	}
}

func (c *wsClient) writePump() {
	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (c *wsClient) reply(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.trySend(data)
}

var _ application.Broadcaster = &Hub{}
