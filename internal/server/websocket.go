package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const (
	feedWriteWait  = 10 * time.Second
	feedPongWait   = 60 * time.Second
	feedPingPeriod = feedPongWait * 9 / 10
	feedSendBuffer = 64
)

// wsHub fans run reports out to every connected feed client.
//
// A single hub goroutine owns the client set; registration, removal and
// broadcast all go through channels.
type wsHub struct {
	clients      map[*feedClient]struct{}
	broadcastCh  chan []byte
	registerCh   chan *feedClient
	unregisterCh chan *feedClient
	done         chan struct{}
	active       atomic.Int32
}

// feedClient is one websocket subscriber. Only its writePump writes to
// conn, so writes need no lock.
type feedClient struct {
	conn *websocket.Conn
	send chan []byte
}

// The API binds to loopback by default and the feed carries no secrets.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func newWSHub() *wsHub {
	return &wsHub{
		clients:      make(map[*feedClient]struct{}),
		broadcastCh:  make(chan []byte, 256),
		registerCh:   make(chan *feedClient),
		unregisterCh: make(chan *feedClient),
		done:         make(chan struct{}),
	}
}

func (h *wsHub) run() {
	for {
		select {
		case <-h.done:
			for c := range h.clients {
				close(c.send)
			}
			h.clients = nil
			h.active.Store(0)
			return

		case c := <-h.registerCh:
			h.clients[c] = struct{}{}
			h.active.Store(int32(len(h.clients)))
			slog.Debug("run feed client connected", "total", len(h.clients))

		case c := <-h.unregisterCh:
			h.drop(c)

		case msg := <-h.broadcastCh:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					slog.Warn("run feed client too slow, disconnecting")
					h.drop(c)
				}
			}
		}
	}
}

func (h *wsHub) drop(c *feedClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.active.Store(int32(len(h.clients)))
	slog.Debug("run feed client disconnected", "total", len(h.clients))
}

// broadcast never blocks; when the queue is full the message is dropped.
func (h *wsHub) broadcast(msg []byte) {
	select {
	case h.broadcastCh <- msg:
	default:
	}
}

func (h *wsHub) stop() {
	close(h.done)
}

// handleRunFeed upgrades to a websocket that receives every run report,
// starting with the most recent one if a run has completed.
// GET /api/runs/ws
func (s *Server) handleRunFeed(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return nil
	}

	client := &feedClient{conn: conn, send: make(chan []byte, feedSendBuffer)}

	s.mu.RLock()
	last := s.lastReport
	s.mu.RUnlock()
	if last != nil {
		if data, err := json.Marshal(last); err == nil {
			client.send <- data
		}
	}

	select {
	case s.hub.registerCh <- client:
	case <-s.hub.done:
		conn.Close()
		return nil
	}

	go client.writePump()
	go client.readPump(s.hub)
	return nil
}

// writePump delivers queued reports and keeps the connection alive with
// pings until send is closed.
func (c *feedClient) writePump() {
	ticker := time.NewTicker(feedPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only detects disconnection; the feed is server → client.
func (c *feedClient) readPump(hub *wsHub) {
	defer func() {
		select {
		case hub.unregisterCh <- c:
		case <-hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(feedPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(feedPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
