package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ctrlai/tally/internal/history"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Hub manages the active feed connections and broadcasts committed history
// entries to them.
//
// A single hub goroutine owns the connection set; registration,
// unregistration and broadcasts all go through channels, so the map needs
// no lock.
type Hub struct {
	logger *zap.Logger

	connections  map[*feedConn]bool
	broadcastCh  chan feedMessage
	registerCh   chan *feedConn
	unregisterCh chan *feedConn
	done         chan struct{}
}

type feedMessage struct {
	projectID *int64
	data      []byte
}

// feedConn wraps a single websocket connection. A non-zero projectID
// restricts it to one project's entries.
type feedConn struct {
	conn      *websocket.Conn
	send      chan []byte
	projectID int64
	mu        sync.Mutex
}

// upgrader allows every origin: the feed is read-only and carries no
// credentials.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewHub creates a hub. Call Run to start it.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:       logger.Named("history-feed"),
		connections:  make(map[*feedConn]bool),
		broadcastCh:  make(chan feedMessage, 256),
		registerCh:   make(chan *feedConn),
		unregisterCh: make(chan *feedConn),
		done:         make(chan struct{}),
	}
}

// Run is the hub event loop. It returns when ctx is cancelled, closing
// every connection.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for conn := range h.connections {
				delete(h.connections, conn)
				close(conn.send)
			}
			return

		case conn := <-h.registerCh:
			h.connections[conn] = true
			h.logger.Debug("Feed client connected", zap.Int("total", len(h.connections)))

		case conn := <-h.unregisterCh:
			if _, ok := h.connections[conn]; ok {
				delete(h.connections, conn)
				close(conn.send)
				h.logger.Debug("Feed client disconnected", zap.Int("total", len(h.connections)))
			}

		case msg := <-h.broadcastCh:
			for conn := range h.connections {
				if conn.projectID != 0 && (msg.projectID == nil || *msg.projectID != conn.projectID) {
					continue
				}
				select {
				case conn.send <- msg.data:
				default:
					// A slow client is dropped rather than stalling the feed.
					delete(h.connections, conn)
					close(conn.send)
				}
			}
		}
	}
}

// Publish queues e for every interested client. It never blocks; when
// the queue is full the entry is dropped from the live feed (it is still
// in the log).
func (h *Hub) Publish(e history.Entry) {
	data, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("Failed to marshal feed entry", zap.Int64("id", e.ID), zap.Error(err))
		return
	}
	select {
	case h.broadcastCh <- feedMessage{projectID: e.ProjectID, data: data}:
	default:
		h.logger.Warn("Feed queue full, dropping entry", zap.Int64("id", e.ID))
	}
}

// ServeHTTP upgrades the request to a websocket and registers the client.
// GET /api/history/feed?project_id=N
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var projectID int64
	if v := r.URL.Query().Get("project_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "project_id must be a positive integer")
			return
		}
		projectID = id
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}

	client := &feedConn{
		conn:      conn,
		send:      make(chan []byte, 64),
		projectID: projectID,
	}

	select {
	case h.registerCh <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump(h)
}

// writePump sends queued messages and keepalive pings. Runs in a
// goroutine per client.
func (c *feedConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.mu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				c.mu.Unlock()
				return
			}
			err := c.conn.WriteMessage(websocket.TextMessage, msg)
			c.mu.Unlock()
			if err != nil {
				return
			}
		case <-ticker.C:
			c.mu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// readPump drains the connection to notice disconnects and pongs. The
// feed is one-directional; client messages are ignored.
func (c *feedConn) readPump(h *Hub) {
	defer func() {
		select {
		case h.unregisterCh <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
