package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/avvvet/piazzale-services/internal/comm"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 16
)

// Hub pushes refresh hints to browsers. Clients still poll; a missed hint
// only delays the refresh until the next poll.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*wsClient
	closed  bool
	wg      sync.WaitGroup

	onCount func(int)
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

func NewHub(allowedOrigins []string) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		clients: make(map[string]*wsClient),
	}
}

// OnCount registers a callback for the number of connected clients.
func (h *Hub) OnCount(fn func(int)) { h.onCount = fn }

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(r *http.Request) bool { return true }
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

// HandleWebSocket upgrades the request and keeps the connection until the
// client goes away or the hub closes.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf("Failed to upgrade to WebSocket: %v", err)
		return
	}

	socketId := uuid.New().String()
	c := &wsClient{conn: conn, send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[socketId] = c
	count := len(h.clients)
	h.wg.Add(2)
	h.mu.Unlock()
	h.reportCount(count)

	if hello, err := comm.NewHello(socketId); err == nil {
		c.send <- hello
	}

	log.Infof("New WebSocket connection established: %s", socketId)
	go h.writeLoop(socketId, c)
	go h.readLoop(socketId, c)
}

func (h *Hub) readLoop(socketId string, c *wsClient) {
	defer h.wg.Done()
	defer h.unregister(socketId)

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		// browsers have nothing to say; reads only detect close
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warnf("WebSocket unexpected close for socket %s: %v", socketId, err)
			}
			return
		}
	}
}

func (h *Hub) writeLoop(socketId string, c *wsClient) {
	defer h.wg.Done()
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
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Warnf("WebSocket write to %s failed: %v", socketId, err)
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

func (h *Hub) unregister(socketId string) {
	h.mu.Lock()
	c, ok := h.clients[socketId]
	if ok {
		delete(h.clients, socketId)
		close(c.send)
	}
	count := len(h.clients)
	h.mu.Unlock()
	if ok {
		log.Infof("Closing WebSocket connection: %s", socketId)
		h.reportCount(count)
	}
}

func (h *Hub) reportCount(n int) {
	if h.onCount != nil {
		h.onCount(n)
	}
}

// Broadcast queues payload for every client. Slow clients whose buffer is
// full miss the message.
func (h *Hub) Broadcast(payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for socketId, c := range h.clients {
		select {
		case c.send <- payload:
		default:
			log.Warnf("WebSocket %s is slow, dropping message", socketId)
		}
	}
}

// CellChanged broadcasts a change made on this instance.
func (h *Hub) CellChanged(cellNumber string) {
	h.broadcastChange(comm.CellChange{CellNumber: cellNumber, Timestamp: time.Now().UTC()})
}

// RemoteChange broadcasts a change reported by another instance.
func (h *Hub) RemoteChange(change comm.CellChange) {
	h.broadcastChange(change)
}

func (h *Hub) broadcastChange(change comm.CellChange) {
	payload, err := comm.NewCellsChanged(change.CellNumber, change.Origin, change.Timestamp)
	if err != nil {
		log.Errorf("Error marshal cell change %s", err)
		return
	}
	h.Broadcast(payload)
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and waits for their goroutines.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for _, c := range h.clients {
		conns = append(conns, c.conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
	h.wg.Wait()
}
