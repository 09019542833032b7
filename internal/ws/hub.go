// Package ws provides the WebSocket hub for real-time comment and
// notification delivery.
package ws

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"threadline/api/internal/util"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBufferSize = 16
)

// Event is the envelope every client receives.
type Event struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// VerifyTokenFunc resolves a bearer token to a user id. Empty id with nil
// error means the connection stays anonymous.
type VerifyTokenFunc func(token string) (userID string, err error)

type conn struct {
	id     string
	userID string
	ws     *websocket.Conn
	send   chan Event
}

// Hub tracks connections and per-user connection sets.
type Hub struct {
	log         *zap.Logger
	verifyToken VerifyTokenFunc
	upgrader    websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*conn
	users map[string][]string // user id -> conn ids
}

// NewHub creates a hub. verify may be nil, in which case every connection
// is anonymous and only broadcasts reach it.
func NewHub(log *zap.Logger, verify VerifyTokenFunc) *Hub {
	return &Hub{
		log:         log.Named("ws"),
		verifyToken: verify,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[string]*conn),
		users: make(map[string][]string),
	}
}

// ServeHTTP upgrades the request and registers the connection. A valid
// bearer token (query "token" or Authorization header) binds the connection
// to its user; invalid or missing tokens leave it anonymous.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := h.resolveUser(r)

	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("upgrade failed", zap.Error(err))
		return
	}

	c := &conn{
		id:     util.NewID("conn"),
		userID: userID,
		ws:     socket,
		send:   make(chan Event, sendBufferSize),
	}
	h.register(c)

	go h.writeLoop(c)
	go h.readLoop(c)
}

func (h *Hub) resolveUser(r *http.Request) string {
	if h.verifyToken == nil {
		return ""
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	if token == "" {
		return ""
	}
	userID, err := h.verifyToken(token)
	if err != nil {
		h.log.Debug("socket token rejected", zap.Error(err))
		return ""
	}
	return userID
}

func (h *Hub) register(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.id] = c
	if c.userID != "" {
		h.users[c.userID] = append(h.users[c.userID], c.id)
	}
	h.log.Debug("client connected", zap.String("conn", c.id), zap.String("user", c.userID))
}

func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c.id]; !ok {
		return
	}
	delete(h.conns, c.id)
	close(c.send)
	if c.userID != "" {
		ids := h.users[c.userID]
		for i, id := range ids {
			if id == c.id {
				h.users[c.userID] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
		if len(h.users[c.userID]) == 0 {
			delete(h.users, c.userID)
		}
	}
	h.log.Debug("client disconnected", zap.String("conn", c.id))
}

func (h *Hub) readLoop(c *conn) {
	defer func() {
		h.unregister(c)
		c.ws.Close()
	}()
	c.ws.SetReadLimit(512)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		// Clients never send meaningful frames; the read loop exists to
		// observe close and pong frames.
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case ev, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// BroadcastComment sends a commentUpdate event to every connected client.
func (h *Hub) BroadcastComment(payload any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ev := Event{Event: "commentUpdate", Data: payload}
	for _, c := range h.conns {
		select {
		case c.send <- ev:
		default:
			// Slow client, drop the event rather than block the caller.
		}
	}
}

// NotifyUser sends a notification event to every connection of one user.
// No connections means the event is silently dropped.
func (h *Hub) NotifyUser(userID string, payload any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ev := Event{Event: "notification", Data: payload}
	for _, id := range h.users[userID] {
		c, ok := h.conns[id]
		if !ok {
			continue
		}
		select {
		case c.send <- ev:
		default:
		}
	}
}

// ConnectionCount reports the number of open connections.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		h.unregister(c)
		c.ws.Close()
	}
}
