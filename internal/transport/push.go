package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"github.com/tissuemaps/tmviewer/pkg/wire"
)

// State is the connection state of a PushClient.
type State int

const (
	StateIdle State = iota
	StateConnected
	StateReconnecting
	StateLost
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateLost:
		return "lost"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ErrConnectionLost is reported to pending consumers once reconnection gives up.
var ErrConnectionLost = errors.New("push channel: connection lost")

// PushConfig configures the reconnect policy of a PushClient.
type PushConfig struct {
	URL          string
	InitialDelay time.Duration // first backoff delay (default 500ms)
	MaxDelay     time.Duration // backoff cap (default 30s)
	MaxAttempts  uint          // dial attempts per outage (default 8)
	Dialer       *websocket.Dialer
}

const (
	pushWriteWait = 10 * time.Second
	pushPongWait  = 90 * time.Second
)

// PushClient receives server-pushed tool events. It keeps the set of
// subscribed sessions and restores it on every reconnect.
type PushClient struct {
	cfg     PushConfig
	handler func(wire.PushEvent)

	mu        sync.Mutex
	writeMu   sync.Mutex
	conn      *websocket.Conn
	state     State
	sessions  map[string]struct{}
	observers []func(State)
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewPushClient creates an idle push client. handler is invoked for every event.
func NewPushClient(cfg PushConfig, handler func(wire.PushEvent)) *PushClient {
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 8
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &PushClient{
		cfg:      cfg,
		handler:  handler,
		sessions: make(map[string]struct{}),
		done:     make(chan struct{}),
	}
}

// OnStateChange registers an observer for connection state transitions.
func (p *PushClient) OnStateChange(fn func(State)) {
	p.mu.Lock()
	p.observers = append(p.observers, fn)
	p.mu.Unlock()
}

// State returns the current connection state.
func (p *PushClient) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *PushClient) setState(s State) {
	p.mu.Lock()
	if p.state == s || p.state == StateClosed {
		p.mu.Unlock()
		return
	}
	p.state = s
	observers := append([]func(State){}, p.observers...)
	p.mu.Unlock()

	log.Info().Str("component", "push").Str("state", s.String()).Msg("push channel state changed")
	for _, fn := range observers {
		fn(s)
	}
}

// Start dials the server and runs the receive loop in the background.
func (p *PushClient) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	conn, err := p.dial(ctx)
	if err != nil {
		cancel()
		p.setState(StateLost)
		close(p.done)
		return err
	}
	go p.run(ctx, conn)
	return nil
}

// Done is closed when the receive loop has exited for good.
func (p *PushClient) Done() <-chan struct{} {
	return p.done
}

func (p *PushClient) dial(ctx context.Context) (*websocket.Conn, error) {
	var conn *websocket.Conn
	err := retry.Do(func() error {
		c, _, err := p.cfg.Dialer.DialContext(ctx, p.cfg.URL, nil)
		if err != nil {
			return err
		}
		conn = c
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(p.cfg.MaxAttempts),
		retry.Delay(p.cfg.InitialDelay),
		retry.MaxDelay(p.cfg.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Warn().Err(err).Str("component", "push").Uint("attempt", n+1).Msg("push channel dial failed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("push channel: %w", err)
	}

	if err := p.attach(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// attach installs conn as the live connection and replays subscriptions.
func (p *PushClient) attach(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(pushPongWait))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(pushPongWait))
		p.writeMu.Lock()
		defer p.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(pushWriteWait))
	})

	p.mu.Lock()
	p.conn = conn
	ids := make([]string, 0, len(p.sessions))
	for id := range p.sessions {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	p.setState(StateConnected)
	if len(ids) == 0 {
		return nil
	}
	return p.send(wire.PushCommand{Type: wire.CommandSubscribe, SessionUUIDs: ids})
}

func (p *PushClient) run(ctx context.Context, conn *websocket.Conn) {
	defer close(p.done)
	for {
		p.readLoop(conn)

		if ctx.Err() != nil || p.State() == StateClosed {
			return
		}

		p.mu.Lock()
		p.conn = nil
		p.mu.Unlock()

		p.setState(StateReconnecting)
		next, err := p.dial(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Str("component", "push").Msg("push channel reconnect exhausted")
				p.setState(StateLost)
			}
			return
		}
		conn = next
	}
}

func (p *PushClient) readLoop(conn *websocket.Conn) {
	defer conn.Close()
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("component", "push").Msg("push channel read error")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pushPongWait))

		// The server may batch several frames separated by newlines.
		for _, frame := range bytes.Split(message, []byte{'\n'}) {
			p.dispatch(frame)
		}
	}
}

func (p *PushClient) dispatch(frame []byte) {
	frame = bytes.TrimSpace(frame)
	if len(frame) == 0 {
		return
	}
	if !gjson.GetBytes(frame, "event").Exists() {
		return
	}
	var ev wire.PushEvent
	if err := json.Unmarshal(frame, &ev); err != nil {
		log.Warn().Err(err).Str("component", "push").Msg("dropping malformed push event")
		return
	}
	if p.handler != nil {
		p.handler(ev)
	}
}

func (p *PushClient) send(cmd wire.PushCommand) error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		// Replayed by attach on the next connect.
		return nil
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(pushWriteWait))
	return conn.WriteJSON(cmd)
}

// Subscribe routes events of sessionUUID to this client.
func (p *PushClient) Subscribe(sessionUUID string) error {
	p.mu.Lock()
	p.sessions[sessionUUID] = struct{}{}
	p.mu.Unlock()
	return p.send(wire.PushCommand{Type: wire.CommandSubscribe, SessionUUIDs: []string{sessionUUID}})
}

// Unsubscribe stops routing events of sessionUUID.
func (p *PushClient) Unsubscribe(sessionUUID string) error {
	p.mu.Lock()
	delete(p.sessions, sessionUUID)
	p.mu.Unlock()
	return p.send(wire.PushCommand{Type: wire.CommandUnsubscribe, SessionUUIDs: []string{sessionUUID}})
}

// Close shuts the channel down. Pending reconnects are abandoned.
func (p *PushClient) Close() error {
	p.setState(StateClosed)

	p.mu.Lock()
	conn := p.conn
	cancel := p.cancel
	p.conn = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn == nil {
		return nil
	}
	p.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(pushWriteWait))
	p.writeMu.Unlock()
	return conn.Close()
}
