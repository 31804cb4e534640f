package viewer

import (
	"sync"

	"github.com/google/uuid"
	"github.com/tissuemaps/tmviewer/pkg/wire"
)

// ViewModel is the parameter-collecting side of a tool session.
type ViewModel interface {
	ToolName() string
}

// ViewModelFactory builds the view model of a new session. The session is
// passed as the request sender.
type ViewModelFactory func(sender RequestSender, v *Viewer) ViewModel

// ViewModels holds the view model factories keyed by tool name.
var ViewModels = NewRegistry[ViewModelFactory]("view model")

// Tool is an analysis the server offers. A tool may have many live sessions.
type Tool struct {
	desc    wire.ToolDescriptor
	factory ViewModelFactory

	mu       sync.Mutex
	sessions []*Session
}

// NewTool creates a tool. With a nil factory the view model registered under
// the tool name is used, falling back to a GenericViewModel.
func NewTool(desc wire.ToolDescriptor, factory ViewModelFactory) *Tool {
	if factory == nil {
		if f, ok := ViewModels.Lookup(desc.Name); ok {
			factory = f
		} else {
			factory = func(sender RequestSender, _ *Viewer) ViewModel {
				return &GenericViewModel{sender: sender, tool: desc.Name}
			}
		}
	}
	return &Tool{desc: desc, factory: factory}
}

func (t *Tool) Name() string                    { return t.desc.Name }
func (t *Tool) Descriptor() wire.ToolDescriptor { return t.desc }
func (t *Tool) LongRunning() bool               { return t.desc.LongRunning }

// CreateSession opens a new session of t in viewer v.
func (t *Tool) CreateSession(v *Viewer) (*Session, error) {
	s := &Session{
		uuid:    uuid.NewString(),
		tool:    t,
		viewer:  v,
		pending: make(map[string]*pendingSubmission),
		arrived: make(map[string]earlyEvent),
	}
	if err := v.registerSession(s); err != nil {
		return nil, err
	}
	s.viewModel = t.factory(s, v)

	t.mu.Lock()
	t.sessions = append(t.sessions, s)
	t.mu.Unlock()
	return s, nil
}

// Sessions returns the open sessions in creation order.
func (t *Tool) Sessions() []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Session, len(t.sessions))
	copy(out, t.sessions)
	return out
}

func (t *Tool) removeSession(s *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, x := range t.sessions {
		if x == s {
			t.sessions = append(t.sessions[:i], t.sessions[i+1:]...)
			return
		}
	}
}
