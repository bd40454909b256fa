// Package monitor streams a live debug view of the server over
// WebSocket: each connected dashboard client receives a periodic JSON
// snapshot of per-connection bandwidth/RTT/packet-loss
// (internal/metrics.NetworkInfo), the same numbers spec.md §4.3
// requires the protocol itself track internally. It has no bearing on
// protocol correctness — disconnecting every dashboard client changes
// nothing about the sessions being monitored.
package monitor

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/packetloop/netcode/internal/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Snapshot is what a SnapshotFunc provides once per tick: the set of
// currently connected clients and their network info, keyed by
// connection id.
type Snapshot struct {
	Time    int64                          `json:"time"`
	Clients map[uint64]metrics.NetworkInfo `json:"clients"`
}

// SnapshotFunc is supplied by the embedding server; it must be safe to
// call from the Hub's own goroutine at MonitorInterval cadence.
type SnapshotFunc func() Snapshot

// Hub fans a periodic Snapshot out to every connected dashboard client,
// the same register/unregister/broadcast shape the teacher's
// pkg/websocket.Hub uses for application traffic, here repurposed to
// push read-only diagnostics instead of accepting client messages.
type Hub struct {
	logger   zerolog.Logger
	snapshot SnapshotFunc
	interval time.Duration

	register   chan *dashClient
	unregister chan *dashClient
	clients    map[*dashClient]bool

	done chan struct{}
	once sync.Once
}

// NewHub builds a Hub. Call Run in its own goroutine, then Handler to
// get an http.HandlerFunc to mount.
func NewHub(logger zerolog.Logger, interval time.Duration, snapshot SnapshotFunc) *Hub {
	return &Hub{
		logger:     logger.With().Str("component", "monitor").Logger(),
		snapshot:   snapshot,
		interval:   interval,
		register:   make(chan *dashClient, 16),
		unregister: make(chan *dashClient, 16),
		clients:    make(map[*dashClient]bool),
		done:       make(chan struct{}),
	}
}

// Run drives the broadcast loop until Close is called, in its own
// goroutine; Handler also starts a read and a write goroutine for each
// dashboard client.
func (h *Hub) Run() {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			for c := range h.clients {
				close(c.send)
			}
			return
		case c := <-h.register:
			h.clients[c] = true
			h.logger.Debug().Int("clients", len(h.clients)).Msg("dashboard client connected")
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
		case <-ticker.C:
			h.broadcast()
		}
	}
}

func (h *Hub) broadcast() {
	snap := h.snapshot()
	data, err := json.Marshal(snap)
	if err != nil {
		h.logger.Warn().Err(err).Msg("failed to marshal snapshot")
		return
	}
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Debug().Msg("dashboard client send buffer full, dropping")
		}
	}
}

// Close stops the broadcast loop and disconnects every dashboard
// client.
func (h *Hub) Close() { h.once.Do(func() { close(h.done) }) }

// Handler upgrades incoming HTTP requests to WebSocket connections and
// registers them with the hub.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Debug().Err(err).Msg("websocket upgrade failed")
			return
		}
		c := &dashClient{conn: conn, send: make(chan []byte, 8)}
		h.register <- c
		go c.writePump(h)
		go c.readPump(h)
	}
}

// dashClient is a read-only dashboard viewer: it never sends anything
// meaningful upstream, only pings/pongs to keep the connection alive.
type dashClient struct {
	conn *websocket.Conn
	send chan []byte
}

func (c *dashClient) writePump(h *Hub) {
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

// readPump does nothing with inbound data beyond keeping the read
// deadline alive; a dashboard client that sends anything is ignored.
func (c *dashClient) readPump(h *Hub) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
