// ABOUTME: WebSocket transport adapter for browser clients.
// ABOUTME: One reader and one writer goroutine per client; slow clients are dropped, not blocked on.

package webhub

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AgentiveAU/MyAgentive/internal/session"
)

// sendBuffer is the per-client outbound queue. A client that can't keep
// up gets disconnected rather than backpressuring the session core.
const sendBuffer = 64

// writeDeadline bounds a single WebSocket write.
const writeDeadline = 10 * time.Second

// command is the inbound client envelope.
type command struct {
	Type    string `json:"type"`
	Name    string `json:"name,omitempty"`
	Content string `json:"content,omitempty"`
}

// Hub upgrades WebSocket connections and bridges them to the session
// Manager. Outbound traffic is the session.Event envelope marshaled
// as-is; inbound traffic is the command envelope.
type Hub struct {
	manager *session.Manager
	logger  *slog.Logger

	upgrader       websocket.Upgrader
	removeListener func()

	mu      sync.Mutex
	clients map[string]*client
	closed  bool
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan session.Event
	done chan struct{}
	once sync.Once
}

// New builds a hub over the manager and registers for conversation list
// changes so every connected browser refreshes its sidebar.
func New(manager *session.Manager, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		manager: manager,
		logger:  logger.With("component", "webhub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The browser UI is served same-origin; cross-origin sockets
			// are rejected by the default origin check.
		},
		clients: make(map[string]*client),
	}
	h.removeListener = manager.OnSessionsChanged(h.broadcastSessionList)
	return h
}

// ServeHTTP upgrades the request and runs the client until it hangs up.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan session.Event, sendBuffer),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c.id] = c
	h.mu.Unlock()

	h.logger.Debug("client connected", "client", c.id)

	go h.writePump(c)
	h.readLoop(c)
	h.drop(c)
}

// Close disconnects every client and stops listening for list changes.
func (h *Hub) Close() {
	h.removeListener()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*client)
	h.mu.Unlock()

	for _, c := range clients {
		c.stop()
	}
}

// readLoop decodes inbound commands until the connection dies.
func (h *Hub) readLoop(c *client) {
	for {
		var cmd command
		if err := c.conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("client read failed", "client", c.id, "error", err)
			}
			return
		}
		h.handleCommand(c, cmd)
	}
}

func (h *Hub) handleCommand(c *client, cmd command) {
	ctx := context.Background()

	switch cmd.Type {
	case "subscribe":
		name := cmd.Name
		if name == "" {
			name = "default"
		}
		if _, err := h.manager.Subscribe(ctx, c.id, name, session.ClientWeb, c.enqueue); err != nil {
			h.sendError(c, name, "failed to open conversation")
		}

	case "send":
		err := h.manager.Send(ctx, c.id, cmd.Content)
		switch {
		case err == nil, errors.Is(err, session.ErrBusy):
			// Busy is already broadcast as an error event by the session.
		case errors.Is(err, session.ErrNotSubscribed):
			h.sendError(c, "", "subscribe to a conversation first")
		default:
			h.sendError(c, "", "failed to send message")
		}

	case "stop":
		h.manager.StopGeneration(c.id)

	case "list":
		convs, err := h.manager.ListConversations(ctx, false)
		if err != nil {
			h.sendError(c, "", "failed to list conversations")
			return
		}
		c.enqueue(session.Event{Type: session.EventSessionList, Sessions: convs})

	case "history":
		msgs, err := h.manager.History(ctx, cmd.Name)
		if err != nil {
			h.sendError(c, cmd.Name, "failed to load history")
			return
		}
		c.enqueue(session.Event{Type: session.EventHistory, SessionName: cmd.Name, Messages: msgs})

	default:
		h.logger.Debug("unknown command", "client", c.id, "type", cmd.Type)
	}
}

// sendError pushes an error event to one client.
func (h *Hub) sendError(c *client, name, msg string) {
	c.enqueue(session.Event{Type: session.EventError, SessionName: name, Error: msg})
}

// writePump drains the client's queue onto the wire. Exits on write
// failure or stop; the reader notices via the closed connection.
func (h *Hub) writePump(c *client) {
	defer c.conn.Close()

	for {
		select {
		case ev := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteJSON(ev); err != nil {
				h.logger.Debug("client write failed", "client", c.id, "error", err)
				return
			}
		case <-c.done:
			return
		}
	}
}

// enqueue is the subscriber callback handed to the session layer. It
// never blocks: a saturated client is cut loose.
func (c *client) enqueue(ev session.Event) {
	select {
	case c.send <- ev:
	case <-c.done:
	default:
		c.stop()
	}
}

func (c *client) stop() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// drop tears down a departed client's registration and subscription.
func (h *Hub) drop(c *client) {
	c.stop()
	h.manager.Unsubscribe(c.id)

	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()

	h.logger.Debug("client disconnected", "client", c.id)
}

// broadcastSessionList pushes a fresh conversation list to every client
// whenever the set of conversations changes.
func (h *Hub) broadcastSessionList() {
	convs, err := h.manager.ListConversations(context.Background(), false)
	if err != nil {
		h.logger.Warn("failed to list conversations", "error", err)
		return
	}

	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	ev := session.Event{Type: session.EventSessionList, Sessions: convs}
	for _, c := range clients {
		c.enqueue(ev)
	}
}
