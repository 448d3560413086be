package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024 * 16,
	WriteBufferSize: 1024 * 16,
	CheckOrigin: func(r *http.Request) bool {
		// The service sits on a trusted home network behind API-key auth.
		return true
	},
}

// Broadcast message types pushed to caregiver clients.
const (
	TypeDeviation = "deviation"
	TypeAnomaly   = "anomaly"
	TypeProposal  = "proposal"
	TypeJob       = "job"
)

// Message is the envelope for every frame sent to clients.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Client represents one connected websocket peer.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	id       string
	lastPong time.Time
}

// Hub maintains active websocket clients and fans out lifecycle
// notifications. Run must be started before HandleWebSocket accepts
// connections.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
}

// NewHub creates a hub. Call Run to start the fan-out loop.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run drives the hub until ctx is cancelled, then closes every client
// connection so the pump goroutines drain out.
func (h *Hub) Run(ctx context.Context) {
	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			GetMetrics().clients.Inc()
			log.Info().Str("client", client.id).Msg("Websocket client connected")
			h.sendWelcome(client)

		case client := <-h.unregister:
			h.dropClient(client)

		case message := <-h.broadcast:
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			for _, client := range clients {
				select {
				case client.send <- message:
				default:
					// Send buffer full: the client cannot keep up.
					log.Warn().Str("client", client.id).Msg("Dropping slow websocket client")
					h.dropClient(client)
				}
			}

		case <-pingTicker.C:
			h.broadcastMessage(Message{
				Type: "ping",
				Data: map[string]int64{"timestamp": time.Now().Unix()},
			})
		}
	}
}

func (h *Hub) shutdown() {
	close(h.done)
	h.mu.Lock()
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
		client.conn.Close()
		GetMetrics().clients.Dec()
	}
	h.mu.Unlock()
}

func (h *Hub) dropClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client)
	close(client.send)
	h.mu.Unlock()
	GetMetrics().clients.Dec()
	log.Info().Str("client", client.id).Msg("Websocket client disconnected")
}

func (h *Hub) sendWelcome(client *Client) {
	msg := Message{
		Type: "welcome",
		Data: map[string]string{"message": "connected"},
	}
	if data, err := json.Marshal(msg); err == nil {
		select {
		case client.send <- data:
		default:
		}
	}
}

// HandleWebSocket upgrades the request and starts the client pumps.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade websocket connection")
		return
	}

	client := &Client{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, 256),
		id:       fmt.Sprintf("client-%d", time.Now().UnixNano()),
		lastPong: time.Now(),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// BroadcastDeviation pushes a deviation lifecycle change.
func (h *Hub) BroadcastDeviation(data any) {
	h.broadcastMessage(Message{Type: TypeDeviation, Data: data})
}

// BroadcastAnomaly pushes an anomaly episode change.
func (h *Hub) BroadcastAnomaly(data any) {
	h.broadcastMessage(Message{Type: TypeAnomaly, Data: data})
}

// BroadcastProposal pushes a proposal state change.
func (h *Hub) BroadcastProposal(data any) {
	h.broadcastMessage(Message{Type: TypeProposal, Data: data})
}

// BroadcastJob pushes a scheduler job summary.
func (h *Hub) BroadcastJob(data any) {
	h.broadcastMessage(Message{Type: TypeJob, Data: data})
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) broadcastMessage(msg Message) {
	msg.Data = sanitizeData(msg.Data)

	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("type", msg.Type).Msg("Failed to marshal websocket message")
		return
	}

	select {
	case h.broadcast <- data:
	default:
		log.Warn().Str("type", msg.Type).Msg("Websocket broadcast channel full")
	}
}

// readPump consumes frames from the client until the connection dies.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(1024 * 16)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		c.lastPong = time.Now()
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("client", c.id).Msg("Websocket read error")
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		log.Debug().Str("client", c.id).Str("type", msg.Type).Msg("Received websocket message")
	}
}

// writePump writes queued frames and keepalive pings to the client.
func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// Drain anything already queued behind the first frame.
			n := len(c.send)
			for i := 0; i < n; i++ {
				select {
				case queued := <-c.send:
					if err := c.conn.WriteMessage(websocket.TextMessage, queued); err != nil {
						return
					}
				default:
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sanitizeData replaces NaN/Inf values with nil so the payload stays
// valid JSON. Scores built from degenerate baselines can carry them.
func sanitizeData(data any) any {
	raw, err := json.Marshal(data)
	if err != nil {
		return data
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return data
	}
	return sanitizeValue(decoded)
}

func sanitizeValue(data any) any {
	switch v := data.(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil
		}
		return v
	case map[string]any:
		for k, val := range v {
			v[k] = sanitizeValue(val)
		}
		return v
	case []any:
		for i, val := range v {
			v[i] = sanitizeValue(val)
		}
		return v
	default:
		return v
	}
}
