package viewer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"github.com/tissuemaps/tmviewer/internal/transport"
	"github.com/tissuemaps/tmviewer/pkg/future"
	"github.com/tissuemaps/tmviewer/pkg/wire"
)

// RequestSender sends a tool request and returns the attached result.
// Sessions implement it and hand themselves to their view model.
type RequestSender interface {
	SendRequest(ctx context.Context, payload map[string]any) (*ToolResult, error)
}

type outcome struct {
	result *ToolResult
	err    error
}

type pendingSubmission struct {
	seq      uint64
	resolver *future.Resolver[outcome]
}

// Limits for push events that arrive before their acknowledgement.
const (
	maxEarlyEvents = 32
	earlyEventTTL  = 10 * time.Minute
)

type earlyEvent struct {
	ev wire.PushEvent
	at time.Time
}

// Session is one live instance of a tool in a viewer.
//
// Every request gets a sequence number. A result is only attached if no
// result of a later request has been attached already; older ones are
// dropped with ErrStaleResult. Results pushed without a submission id take
// no part in that ordering.
type Session struct {
	uuid      string
	tool      *Tool
	viewer    *Viewer
	viewModel ViewModel

	mu          sync.Mutex
	closed      bool
	seq         uint64
	attachedSeq uint64
	pending     map[string]*pendingSubmission // by submission id
	arrived     map[string]earlyEvent         // events that beat their acknowledgement
}

func (s *Session) UUID() string         { return s.uuid }
func (s *Session) Tool() *Tool          { return s.tool }
func (s *Session) Viewer() *Viewer      { return s.viewer }
func (s *Session) ViewModel() ViewModel { return s.viewModel }

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// SendRequest posts payload to the tool and waits for its result. Request
// lifecycle events are broadcast on the viewer scope. If ctx ends while a
// long-running tool is still computing, the result is attached when it arrives.
func (s *Session) SendRequest(ctx context.Context, payload map[string]any) (*ToolResult, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	ev := RequestEvent{SessionUUID: s.uuid, ToolName: s.tool.Name()}
	s.viewer.broadcast(EventToolRequestSent, ev)

	result, err := s.exchange(ctx, seq, payload)

	s.viewer.broadcast(EventToolRequestDone, ev)
	if err != nil {
		log.Warn().Err(err).Str("component", "session").Str("tool", ev.ToolName).
			Str("session", s.uuid).Msg("tool request failed")
		ev.Err = err
		s.viewer.broadcast(EventToolRequestFailed, ev)
		return nil, err
	}
	ev.Result = result
	s.viewer.broadcast(EventToolRequestSuccess, ev)
	return result, nil
}

func (s *Session) exchange(ctx context.Context, seq uint64, payload map[string]any) (*ToolResult, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	req := wire.ToolRequest{
		SessionUUID:  s.uuid,
		ToolName:     s.tool.Name(),
		ExperimentID: s.viewer.ExperimentID(),
		Payload:      payload,
	}
	raw, err := s.viewer.backend.SendToolRequest(ctx, req)
	if err != nil {
		return nil, transport.AsError(err)
	}

	if isSubmissionAck(raw) {
		var ack wire.SubmissionAck
		if err := json.Unmarshal(raw, &ack); err != nil || ack.SubmissionID == "" {
			return nil, &transport.Error{Message: "malformed submission acknowledgement"}
		}
		h, err := s.await(ack.SubmissionID, seq)
		if err != nil {
			return nil, err
		}
		out, err := h.Wait(ctx)
		if err != nil {
			return nil, err
		}
		return out.result, out.err
	}

	var sr wire.SerializedToolResult
	if err := json.Unmarshal(raw, &sr); err != nil {
		return nil, &transport.Error{Message: "malformed tool result: " + err.Error()}
	}
	return s.deliver(seq, sr)
}

func isSubmissionAck(raw []byte) bool {
	r := gjson.ParseBytes(raw)
	return r.Get("status").String() == wire.SubmissionQueued &&
		r.Get("submission_id").Exists() &&
		!r.Get("type").Exists()
}

// await registers interest in a submission and returns a handle resolved by
// the push channel.
func (s *Session) await(submissionID string, seq uint64) (*future.Handle[outcome], error) {
	d := s.viewer.dispatcher
	if d == nil {
		return nil, ErrNoPushChannel
	}
	if d.Lost() {
		return nil, transport.ErrConnectionLost
	}

	h, r := future.New[outcome]()
	p := &pendingSubmission{seq: seq, resolver: r}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	e, early := s.arrived[submissionID]
	ev := e.ev
	if early {
		delete(s.arrived, submissionID)
	} else {
		s.pending[submissionID] = p
	}
	s.mu.Unlock()

	if early {
		s.complete(p, ev)
	}
	return h, nil
}

// handlePush routes a push event for this session.
func (s *Session) handlePush(ev wire.PushEvent) {
	if ev.SubmissionID == "" {
		// Results not tied to a request of this session.
		s.deliverUnsolicited(ev)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	p, ok := s.pending[ev.SubmissionID]
	if !ok {
		orphans := s.keepEarly(ev, time.Now())
		s.mu.Unlock()
		for _, o := range orphans {
			s.deliverUnsolicited(o)
		}
		return
	}
	delete(s.pending, ev.SubmissionID)
	s.mu.Unlock()

	s.complete(p, ev)
}

// keepEarly stores ev until its acknowledgement arrives. Entries past their
// TTL, and the oldest ones beyond the cap, are returned as orphans: their
// request never learned its submission id. Must be called with s.mu held.
func (s *Session) keepEarly(ev wire.PushEvent, now time.Time) []wire.PushEvent {
	delete(s.arrived, ev.SubmissionID)
	var orphans []wire.PushEvent
	for id, e := range s.arrived {
		if now.Sub(e.at) > earlyEventTTL {
			orphans = append(orphans, e.ev)
			delete(s.arrived, id)
		}
	}
	for len(s.arrived) >= maxEarlyEvents {
		oldest := ""
		for id, e := range s.arrived {
			if oldest == "" || e.at.Before(s.arrived[oldest].at) {
				oldest = id
			}
		}
		orphans = append(orphans, s.arrived[oldest].ev)
		delete(s.arrived, oldest)
	}
	s.arrived[ev.SubmissionID] = earlyEvent{ev: ev, at: now}
	return orphans
}

// deliverUnsolicited attaches a pushed result that no waiting request claims.
func (s *Session) deliverUnsolicited(ev wire.PushEvent) {
	if ev.Event != wire.EventResultReady || ev.Result == nil {
		if ev.Event == wire.EventResultFailed {
			log.Warn().Str("component", "session").Str("session", s.uuid).Str("submission", ev.SubmissionID).
				Str("error", ev.Error).Msg("unclaimed tool computation failed")
		}
		return
	}
	if _, err := s.deliver(unordered, *ev.Result); err != nil {
		log.Warn().Err(err).Str("component", "session").Str("session", s.uuid).Msg("dropping pushed result")
	}
}

func (s *Session) complete(p *pendingSubmission, ev wire.PushEvent) {
	var out outcome
	switch {
	case ev.Event == wire.EventResultFailed:
		msg := ev.Error
		if msg == "" {
			msg = "tool computation failed"
		}
		out.err = &transport.Error{Message: msg}
	case ev.Result == nil:
		out.err = &transport.Error{Message: "malformed push event: missing result"}
	default:
		out.result, out.err = s.deliver(p.seq, *ev.Result)
	}
	p.resolver.Resolve(out)
}

// unordered marks a result that belongs to no request of the session.
const unordered uint64 = 0

// deliver is the single path from a serialized result to an attached one,
// shared by the synchronous reply and the push channel. The ordering only
// advances once a result is attached, so a result that fails to decode
// never supersedes an older one.
func (s *Session) deliver(seq uint64, sr wire.SerializedToolResult) (*ToolResult, error) {
	if err := s.checkAttachable(seq); err != nil {
		return nil, err
	}

	if sr.ExperimentID == "" {
		sr.ExperimentID = s.viewer.ExperimentID()
	}
	if sr.ToolName == "" {
		sr.ToolName = s.tool.Name()
	}
	result, err := s.viewer.dao.FromSerialized(sr)
	if err != nil {
		return nil, err
	}

	if err := s.checkAttachable(seq); err != nil {
		return nil, err
	}
	if err := s.viewer.AddToolResult(result); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if seq > s.attachedSeq {
		s.attachedSeq = seq
	}
	s.mu.Unlock()
	return result, nil
}

func (s *Session) checkAttachable(seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if seq != unordered && seq < s.attachedSeq {
		return ErrStaleResult
	}
	return nil
}

// failPending rejects every submission still waiting for the push channel.
func (s *Session) failPending(err error) {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[string]*pendingSubmission)
	s.mu.Unlock()

	for _, p := range pending {
		p.resolver.Resolve(outcome{err: err})
	}
}

// Close ends the session. Results arriving afterwards are ignored.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.arrived = make(map[string]earlyEvent)
	s.mu.Unlock()

	s.failPending(ErrSessionClosed)
	s.tool.removeSession(s)
	s.viewer.forgetSession(s)
}

// IsStale reports whether err means a result was superseded or arrived too late.
func IsStale(err error) bool {
	return errors.Is(err, ErrStaleResult) || errors.Is(err, ErrSessionClosed) || errors.Is(err, ErrViewerDestroyed)
}
