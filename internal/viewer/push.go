package viewer

import (
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/tissuemaps/tmviewer/internal/transport"
	"github.com/tissuemaps/tmviewer/pkg/wire"
)

// PushChannel is the subscription side of the push transport.
// *transport.PushClient implements it.
type PushChannel interface {
	Subscribe(sessionUUID string) error
	Unsubscribe(sessionUUID string) error
	OnStateChange(fn func(transport.State))
}

// Dispatcher routes push events to sessions by session UUID. One dispatcher
// may serve several viewers.
type Dispatcher struct {
	mu       sync.Mutex
	channel  PushChannel
	sessions map[string]*Session
	lost     bool
}

// NewDispatcher returns a dispatcher with no push channel attached.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{sessions: make(map[string]*Session)}
}

// Attach connects the dispatcher to a push channel and subscribes the
// sessions registered so far. A lost earlier channel no longer counts.
func (d *Dispatcher) Attach(ch PushChannel) {
	d.mu.Lock()
	d.channel = ch
	d.lost = false
	ids := make([]string, 0, len(d.sessions))
	for id := range d.sessions {
		ids = append(ids, id)
	}
	d.mu.Unlock()

	ch.OnStateChange(d.HandleState)
	for _, id := range ids {
		if err := ch.Subscribe(id); err != nil {
			log.Warn().Err(err).Str("component", "dispatcher").Str("session", id).Msg("subscribe failed")
		}
	}
}

// Lost reports whether the push channel gave up reconnecting.
func (d *Dispatcher) Lost() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lost
}

func (d *Dispatcher) register(s *Session) {
	d.mu.Lock()
	d.sessions[s.uuid] = s
	ch := d.channel
	d.mu.Unlock()

	if ch == nil {
		return
	}
	// A failed subscribe is replayed by the channel on reconnect.
	if err := ch.Subscribe(s.uuid); err != nil {
		log.Warn().Err(err).Str("component", "dispatcher").Str("session", s.uuid).Msg("subscribe failed")
	}
}

func (d *Dispatcher) unregister(s *Session) {
	d.mu.Lock()
	delete(d.sessions, s.uuid)
	ch := d.channel
	d.mu.Unlock()

	if ch != nil {
		ch.Unsubscribe(s.uuid)
	}
}

// HandleEvent delivers ev to its session. Events for unknown sessions are
// dropped; they belong to sessions that were closed.
func (d *Dispatcher) HandleEvent(ev wire.PushEvent) {
	d.mu.Lock()
	s, ok := d.sessions[ev.SessionUUID]
	d.mu.Unlock()
	if !ok {
		log.Debug().Str("component", "dispatcher").Str("session", ev.SessionUUID).
			Str("event", ev.Event).Msg("no session for push event")
		return
	}
	s.handlePush(ev)
}

// HandleState reacts to push channel state changes. Once the channel is lost
// every waiting request fails with transport.ErrConnectionLost and each viewer
// is told through its scope. A later connect clears the lost state.
func (d *Dispatcher) HandleState(state transport.State) {
	switch state {
	case transport.StateConnected:
		d.mu.Lock()
		d.lost = false
		d.mu.Unlock()
		return
	case transport.StateLost:
	default:
		return
	}

	d.mu.Lock()
	d.lost = true
	sessions := make([]*Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		sessions = append(sessions, s)
	}
	d.mu.Unlock()

	notified := make(map[*Viewer]bool)
	for _, s := range sessions {
		s.failPending(transport.ErrConnectionLost)
		if !notified[s.viewer] {
			notified[s.viewer] = true
			s.viewer.broadcast(EventPushConnectionLost, nil)
		}
	}
}
