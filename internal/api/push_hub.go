package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	"github.com/tissuemaps/tmviewer/pkg/wire"
)

// WebSocket timeouts.
const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxMessageSize = 64 * 1024
	wsSendBuffer     = 64
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by the CORS middleware.
		return true
	},
}

// PushHubConfig configures event buffering for sessions without a subscriber.
type PushHubConfig struct {
	BufferSize int           // events kept per session (default 32)
	BufferTTL  time.Duration // how long a buffered event stays deliverable (default 10m)
}

type bufferedEvent struct {
	data []byte
	at   time.Time
}

// PushHub routes tool events to the WebSocket clients subscribed to their
// session. Events for a session nobody listens to are buffered and replayed
// when a client subscribes.
type PushHub struct {
	cfg PushHubConfig
	now func() time.Time

	mu       sync.Mutex
	clients  map[*pushClient]struct{}
	sessions map[string]map[*pushClient]struct{}
	buffered map[string][]bufferedEvent
	stopped  bool
}

// NewPushHub creates an empty hub.
func NewPushHub(cfg PushHubConfig) *PushHub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 32
	}
	if cfg.BufferTTL <= 0 {
		cfg.BufferTTL = 10 * time.Minute
	}
	return &PushHub{
		cfg:      cfg,
		now:      time.Now,
		clients:  make(map[*pushClient]struct{}),
		sessions: make(map[string]map[*pushClient]struct{}),
		buffered: make(map[string][]bufferedEvent),
	}
}

// Publish delivers ev to every client subscribed to its session, or buffers it.
func (h *PushHub) Publish(ev wire.PushEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("component", "hub").Msg("failed to encode push event")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}

	delivered := false
	for c := range h.sessions[ev.SessionUUID] {
		if c.enqueue(data) {
			delivered = true
		}
	}
	if delivered {
		log.Debug().Str("component", "hub").Str("event", ev.Event).Str("session_uuid", ev.SessionUUID).Msg("pushed event")
		return
	}

	now := h.now()
	events := append(h.live(ev.SessionUUID, now), bufferedEvent{data: data, at: now})
	if len(events) > h.cfg.BufferSize {
		events = events[len(events)-h.cfg.BufferSize:]
	}
	h.buffered[ev.SessionUUID] = events
	h.prune(now)
	log.Debug().Str("component", "hub").Str("event", ev.Event).Str("session_uuid", ev.SessionUUID).
		Int("buffered", len(events)).Msg("buffered event for absent session")
}

// live returns the unexpired buffered events of a session. Caller holds mu.
func (h *PushHub) live(sessionUUID string, now time.Time) []bufferedEvent {
	events := h.buffered[sessionUUID]
	i := 0
	for i < len(events) && now.Sub(events[i].at) > h.cfg.BufferTTL {
		i++
	}
	return events[i:]
}

// prune drops expired buffers. Caller holds mu.
func (h *PushHub) prune(now time.Time) {
	for id := range h.buffered {
		if events := h.live(id, now); len(events) == 0 {
			delete(h.buffered, id)
		} else {
			h.buffered[id] = events
		}
	}
}

// Buffered returns the number of deliverable events held for a session.
func (h *PushHub) Buffered(sessionUUID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.live(sessionUUID, h.now()))
}

// ClientCount returns the number of connected clients.
func (h *PushHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *PushHub) register(c *pushClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return false
	}
	h.clients[c] = struct{}{}
	log.Info().Str("component", "hub").Str("client", c.id).Int("total", len(h.clients)).Msg("push client connected")
	return true
}

func (h *PushHub) unregister(c *pushClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	for id := range c.sessions {
		h.removeSubscriber(id, c)
	}
	c.close()
	log.Info().Str("component", "hub").Str("client", c.id).Int("total", len(h.clients)).Msg("push client disconnected")
}

func (h *PushHub) removeSubscriber(sessionUUID string, c *pushClient) {
	subs := h.sessions[sessionUUID]
	delete(subs, c)
	if len(subs) == 0 {
		delete(h.sessions, sessionUUID)
	}
}

func (h *PushHub) subscribe(c *pushClient, ids []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	now := h.now()
	for _, id := range ids {
		if id == "" {
			continue
		}
		c.sessions[id] = struct{}{}
		subs, ok := h.sessions[id]
		if !ok {
			subs = make(map[*pushClient]struct{})
			h.sessions[id] = subs
		}
		subs[c] = struct{}{}

		replay := h.live(id, now)
		delete(h.buffered, id)
		for _, ev := range replay {
			c.enqueue(ev.data)
		}
		if len(replay) > 0 {
			log.Info().Str("component", "hub").Str("session_uuid", id).Int("events", len(replay)).Msg("replayed buffered events")
		}
	}
}

func (h *PushHub) unsubscribe(c *pushClient, ids []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range ids {
		delete(c.sessions, id)
		h.removeSubscriber(id, c)
	}
}

// Stop disconnects all clients. Later publishes are dropped.
func (h *PushHub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	for c := range h.clients {
		c.close()
	}
	h.clients = make(map[*pushClient]struct{})
	h.sessions = make(map[string]map[*pushClient]struct{})
}

// ServeHTTP upgrades the request to a WebSocket push channel.
func (h *PushHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("component", "hub").Msg("websocket upgrade failed")
		return
	}

	c := &pushClient{
		id:       ulid.Make().String(),
		conn:     conn,
		hub:      h,
		send:     make(chan []byte, wsSendBuffer),
		sessions: make(map[string]struct{}),
	}
	if !h.register(c) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), time.Now().Add(wsWriteWait))
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// pushClient is one connected WebSocket. sessions is guarded by the hub's mu.
type pushClient struct {
	id        string
	conn      *websocket.Conn
	hub       *PushHub
	send      chan []byte
	sessions  map[string]struct{}
	closeOnce sync.Once
	closed    bool
}

// enqueue queues a frame without blocking. Caller holds the hub's mu.
func (c *pushClient) enqueue(data []byte) bool {
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		log.Warn().Str("component", "hub").Str("client", c.id).Msg("push client buffer full")
		return false
	}
}

// close ends the write pump. Caller holds the hub's mu.
func (c *pushClient) close() {
	c.closeOnce.Do(func() {
		c.closed = true
		close(c.send)
	})
}

func (c *pushClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(wsMaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("component", "hub").Str("client", c.id).Msg("push client read error")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		c.handleCommand(message)
	}
}

func (c *pushClient) handleCommand(data []byte) {
	var cmd wire.PushCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		log.Warn().Err(err).Str("component", "hub").Str("client", c.id).Msg("ignoring malformed push command")
		return
	}
	switch cmd.Type {
	case wire.CommandSubscribe:
		c.hub.subscribe(c, cmd.SessionUUIDs)
	case wire.CommandUnsubscribe:
		c.hub.unsubscribe(c, cmd.SessionUUIDs)
	default:
		log.Warn().Str("component", "hub").Str("client", c.id).Str("type", cmd.Type).Msg("ignoring unknown push command")
	}
}

// writePump writes queued frames, batching whatever is pending into one
// newline-separated message.
func (c *pushClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.send)
			for i := 0; i < n; i++ {
				next, ok := <-c.send
				if !ok {
					break
				}
				w.Write([]byte{'\n'})
				w.Write(next)
			}

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
