package notify

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/maneesh/vidstream/internal/metrics"
	"github.com/maneesh/vidstream/internal/models"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 25 * time.Second

	// events queued per socket before it is considered too slow and dropped
	sendBuffer = 32
)

// Hub keeps the open sockets grouped into tenant rooms
type Hub struct {
	mu       sync.RWMutex
	rooms    map[string]map[*Client]struct{}
	upgrader websocket.Upgrader
}

// NewHub creates a hub. checkOrigin may be nil to allow every origin.
func NewHub(checkOrigin func(r *http.Request) bool) *Hub {
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &Hub{
		rooms: make(map[string]map[*Client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
	}
}

// Client is one connected socket
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	tenantID string
	userID   string
	send     chan []byte
	once     sync.Once
}

// Serve upgrades the request and joins the socket to the tenant's room. It
// returns once the connection is set up; pumps run in their own goroutines.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, tenantID, userID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Error upgrading connection to WebSocket: %v", err)
		return err
	}

	client := &Client{
		hub:      h,
		conn:     conn,
		tenantID: tenantID,
		userID:   userID,
		send:     make(chan []byte, sendBuffer),
	}
	h.register(client)

	go client.writePump()
	go client.readPump()

	log.Printf("WebSocket client %s joined tenant room %s", userID, tenantID)
	return nil
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[c.tenantID]
	if !ok {
		room = make(map[*Client]struct{})
		h.rooms[c.tenantID] = room
	}
	room[c] = struct{}{}
	metrics.WebsocketClients.Inc()
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[c.tenantID]
	if !ok {
		return
	}
	if _, ok := room[c]; !ok {
		return
	}
	delete(room, c)
	if len(room) == 0 {
		delete(h.rooms, c.tenantID)
	}
	metrics.WebsocketClients.Dec()
}

// Emit delivers the event to every socket in the tenant's room. Sockets whose
// buffer is full are disconnected rather than waited on.
func (h *Hub) Emit(ctx context.Context, tenantID string, event models.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	h.mu.RLock()
	var slow []*Client
	for c := range h.rooms[tenantID] {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		log.Printf("Dropping slow WebSocket client %s in tenant %s", c.userID, tenantID)
		c.close()
	}
	return nil
}

// ClientCount returns the number of sockets in a tenant's room
func (h *Hub) ClientCount(tenantID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[tenantID])
}

// Close disconnects every socket
func (h *Hub) Close() {
	h.mu.RLock()
	var all []*Client
	for _, room := range h.rooms {
		for c := range room {
			all = append(all, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range all {
		c.close()
	}
}

func (c *Client) close() {
	c.once.Do(func() {
		c.hub.unregister(c)
		close(c.send)
	})
}

// readPump discards client messages and keeps the read deadline fresh so
// pongs are processed. The socket is receive-only from the client's side.
func (c *Client) readPump() {
	defer func() {
		c.close()
		c.conn.Close()
		log.Printf("WebSocket client %s disconnected", c.userID)
	}()

	c.conn.SetReadLimit(4 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		// Reset read deadline when we receive a pong
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			return
		}
	}
}

// writePump is the only goroutine that writes to the connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Printf("Error sending event: %v", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Printf("Error sending ping: %v", err)
				return
			}
		}
	}
}
