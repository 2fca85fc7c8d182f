// Package relay is a room broadcast server for signaling frames. A socket
// subscribes to a room by sending a join_room frame; every later frame it
// sends is delivered to all sockets in that room, the sender included.
package relay

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/TFMV/hearthcall/common"
	"github.com/TFMV/hearthcall/signaling"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

const (
	// DefaultHeartbeat is the ping interval for idle sockets
	DefaultHeartbeat = 30 * time.Second

	writeTimeout = 10 * time.Second
	sendBuffer   = 256
)

// Hub tracks sockets and their room membership
type Hub struct {
	logger    *zap.Logger
	upgrader  websocket.Upgrader
	heartbeat time.Duration

	mu      sync.RWMutex
	clients map[string]*client
	rooms   map[common.ID]map[string]*client
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	// guarded by Hub.mu
	room common.ID
}

// NewHub creates a hub that pings every heartbeat
func NewHub(logger *zap.Logger, heartbeat time.Duration) *Hub {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		heartbeat: heartbeat,
		clients:   make(map[string]*client),
		rooms:     make(map[common.ID]map[string]*client),
	}
}

// Handler returns the relay routes wrapped in permissive CORS
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", h)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return cors.Default().Handler(mux)
}

// ListenAndServe serves the relay on addr until ctx is cancelled
func (h *Hub) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: h.Handler(), ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	h.logger.Info("Starting signaling relay", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ServeHTTP upgrades the request and relays frames until the socket closes
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()

	h.logger.Info("Client connected",
		zap.String("clientID", c.id),
		zap.String("addr", conn.RemoteAddr().String()))

	go h.writePump(c)
	h.readPump(c)
}

// Publish sends a message to every socket in roomID
func (h *Hub) Publish(roomID common.ID, m signaling.Message) error {
	data, err := signaling.Encode(m)
	if err != nil {
		return err
	}
	h.broadcast(roomID, data)
	return nil
}

// Members returns the number of sockets joined to roomID
func (h *Hub) Members(roomID common.ID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

// Clients returns the number of connected sockets
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) readPump(c *client) {
	defer h.remove(c)

	readTimeout := 2*h.heartbeat + writeTimeout
	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("Client closed unexpectedly", zap.String("clientID", c.id), zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))

		if roomID, ok := signaling.JoinedRoom(data); ok {
			h.join(c, roomID)
			continue
		}

		h.mu.RLock()
		roomID := c.room
		h.mu.RUnlock()
		if roomID.IsZero() {
			h.logger.Debug("Dropping frame from client outside any room", zap.String("clientID", c.id))
			continue
		}
		h.broadcast(roomID, data)
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(h.heartbeat)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Debug("Write failed", zap.String("clientID", c.id), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.logger.Debug("Ping failed", zap.String("clientID", c.id), zap.Error(err))
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		}
	}
}

func (h *Hub) join(c *client, roomID common.ID) {
	h.mu.Lock()
	if prev := c.room; !prev.IsZero() && prev != roomID {
		h.leaveLocked(c)
	}
	members, ok := h.rooms[roomID]
	if !ok {
		members = make(map[string]*client)
		h.rooms[roomID] = members
	}
	members[c.id] = c
	c.room = roomID
	count := len(members)
	h.mu.Unlock()

	h.logger.Info("Client joined room",
		zap.String("clientID", c.id),
		zap.String("roomID", roomID.String()),
		zap.Int("members", count))
}

func (h *Hub) broadcast(roomID common.ID, data []byte) {
	h.mu.RLock()
	members := make([]*client, 0, len(h.rooms[roomID]))
	for _, c := range h.rooms[roomID] {
		members = append(members, c)
	}
	h.mu.RUnlock()

	for _, c := range members {
		select {
		case c.send <- data:
		case <-c.done:
		default:
			h.logger.Warn("Client too slow, disconnecting", zap.String("clientID", c.id))
			c.close()
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	h.leaveLocked(c)
	delete(h.clients, c.id)
	h.mu.Unlock()
	c.close()

	h.logger.Info("Client disconnected", zap.String("clientID", c.id))
}

func (h *Hub) leaveLocked(c *client) {
	if c.room.IsZero() {
		return
	}
	if members, ok := h.rooms[c.room]; ok {
		delete(members, c.id)
		if len(members) == 0 {
			delete(h.rooms, c.room)
		}
	}
	c.room = ""
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}
