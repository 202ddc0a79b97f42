package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/itenfay/cxdownload/internal/logger"
	"github.com/itenfay/cxdownload/internal/notify"
	"github.com/itenfay/cxdownload/internal/storage"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	clientBuffer   = 256
	maxClientFrame = 512
)

// upgrader handles upgrading HTTP to WebSocket
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// eventClient streams bus events to one WebSocket connection
type eventClient struct {
	id     string
	conn   *websocket.Conn
	sub    *notify.Subscription
	taskID string
	hub    *eventHub
}

// eventHub tracks connected clients so they can be closed on shutdown
type eventHub struct {
	bus *notify.Bus

	mu      sync.Mutex
	clients map[string]*eventClient
	closed  bool
	wg      sync.WaitGroup
}

func newEventHub(bus *notify.Bus) *eventHub {
	return &eventHub{bus: bus, clients: make(map[string]*eventClient)}
}

func (h *eventHub) register(c *eventClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c.id] = c
	h.wg.Add(1)
	return true
}

func (h *eventHub) unregister(c *eventClient) {
	h.mu.Lock()
	_, ok := h.clients[c.id]
	delete(h.clients, c.id)
	h.mu.Unlock()

	if ok {
		h.bus.Unsubscribe(c.sub.ID)
		h.wg.Done()
	}
}

// ClientCount returns the number of connected clients
func (h *eventHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// closeAll ends every stream; their write pumps send a close frame
func (h *eventHub) closeAll() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*eventClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.bus.Unsubscribe(c.sub.ID)
	}
}

func (h *eventHub) wait() {
	h.wg.Wait()
}

// writePump forwards events until the subscription closes
func (c *eventClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.sub.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if c.taskID != "" && event.TaskID != c.taskID {
				continue
			}
			if err := c.conn.WriteJSON(event); err != nil {
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

// readPump discards client frames and detects disconnects
func (c *eventClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxClientFrame)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.WithField("client", c.id).WithError(err).Debug("Event stream closed unexpectedly")
			}
			return
		}
	}
}

// handleEvents upgrades to a WebSocket streaming every task event, or only
// those of one task when ?url= is given
func (s *Server) handleEvents(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	client := &eventClient{
		id:   uuid.NewString(),
		conn: conn,
		sub:  s.hub.bus.Subscribe(clientBuffer),
		hub:  s.hub,
	}
	if rawURL := c.Query("url"); rawURL != "" {
		client.taskID = storage.TaskID(rawURL)
	}

	if !s.hub.register(client) {
		s.hub.bus.Unsubscribe(client.sub.ID)
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		conn.Close()
		return
	}

	logger.WithField("client", client.id).Debug("Event stream connected")
	go client.writePump()
	client.readPump()
}
