package notify

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/callbridge/internal/events"
)

const (
	hubSendBuffer   = 64
	hubWriteTimeout = 10 * time.Second
	hubPongWait     = 60 * time.Second
	hubPingPeriod   = hubPongWait * 9 / 10
)

// Hub streams events to websocket watchers. A watcher that falls behind
// loses events rather than slowing the others.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu      sync.Mutex
	clients map[*hubClient]struct{}
}

type hubClient struct {
	conn *websocket.Conn
	send chan events.Event
	done chan struct{}
	once sync.Once
}

func (c *hubClient) close() {
	c.once.Do(func() { close(c.done) })
}

func NewHub(upgrader websocket.Upgrader, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{upgrader: upgrader, logger: logger, clients: make(map[*hubClient]struct{})}
}

func (h *Hub) Name() string { return "websocket" }

func (h *Hub) Notify(_ context.Context, ev events.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
			h.logger.Debug("watcher behind; event dropped", zap.String("type", string(ev.Type)))
		}
	}
	return nil
}

// Watchers reports the number of connected watchers.
func (h *Hub) Watchers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &hubClient{conn: conn, send: make(chan events.Event, hubSendBuffer), done: make(chan struct{})}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		c.close()
		_ = conn.Close()
	}()

	go h.writeLoop(c)

	conn.SetReadLimit(4 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(hubPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(hubPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *hubClient) {
	ticker := time.NewTicker(hubPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case ev := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(hubWriteTimeout))
			if err := c.conn.WriteJSON(ev); err != nil {
				c.close()
				_ = c.conn.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(hubWriteTimeout)); err != nil {
				c.close()
				_ = c.conn.Close()
				return
			}
		}
	}
}
