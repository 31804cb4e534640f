package viewer

import "sync"

// Events broadcast on a viewer scope.
const (
	EventToolRequestSent    = "toolRequestSent"
	EventToolRequestDone    = "toolRequestDone"
	EventToolRequestSuccess = "toolRequestSuccess"
	EventToolRequestFailed  = "toolRequestFailed"
	EventToolResultAdded    = "toolResultAdded"
	EventPushConnectionLost = "pushConnectionLost"
)

// Event is delivered to scope listeners.
type Event struct {
	Name    string
	Payload any
}

// RequestEvent is the payload of the toolRequest* events.
type RequestEvent struct {
	SessionUUID string
	ToolName    string
	Result      *ToolResult // set on success
	Err         error       // set on failure
}

type listener struct {
	id int
	fn func(Event)
}

// Scope is a broadcast bus shared by everything hosted in one viewer.
type Scope struct {
	mu        sync.Mutex
	nextID    int
	listeners map[string][]listener
	destroyed bool
}

func NewScope() *Scope {
	return &Scope{listeners: make(map[string][]listener)}
}

// On registers fn for events named name and returns a function removing it.
func (s *Scope) On(name string, fn func(Event)) (off func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return func() {}
	}
	s.nextID++
	id := s.nextID
	s.listeners[name] = append(s.listeners[name], listener{id: id, fn: fn})

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		ls := s.listeners[name]
		for i, l := range ls {
			if l.id == id {
				s.listeners[name] = append(ls[:i:i], ls[i+1:]...)
				return
			}
		}
	}
}

// Broadcast delivers an event to every listener registered for name, in
// registration order. Listeners run on the caller's goroutine.
func (s *Scope) Broadcast(name string, payload any) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	ls := make([]listener, len(s.listeners[name]))
	copy(ls, s.listeners[name])
	s.mu.Unlock()

	ev := Event{Name: name, Payload: payload}
	for _, l := range ls {
		l.fn(ev)
	}
}

// Destroy drops all listeners; later broadcasts are ignored.
func (s *Scope) Destroy() {
	s.mu.Lock()
	s.destroyed = true
	s.listeners = make(map[string][]listener)
	s.mu.Unlock()
}
