package viewer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/tissuemaps/tmviewer/internal/transport"
	"github.com/tissuemaps/tmviewer/pkg/wire"
)

type fakeChannel struct {
	mu           sync.Mutex
	subscribed   map[string]bool
	stateHandler func(transport.State)
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{subscribed: make(map[string]bool)}
}

func (c *fakeChannel) Subscribe(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed[id] = true
	return nil
}

func (c *fakeChannel) Unsubscribe(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscribed, id)
	return nil
}

func (c *fakeChannel) OnStateChange(fn func(transport.State)) {
	c.stateHandler = fn
}

func (c *fakeChannel) isSubscribed(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribed[id]
}

func recordEvents(v *Viewer, names ...string) *[]string {
	var mu sync.Mutex
	got := &[]string{}
	for _, name := range names {
		v.Scope().On(name, func(ev Event) {
			mu.Lock()
			*got = append(*got, ev.Name)
			mu.Unlock()
		})
	}
	return got
}

var requestEvents = []string{EventToolRequestSent, EventToolRequestDone, EventToolRequestSuccess, EventToolRequestFailed}

func ackReply(id string) func(wire.ToolRequest) (json.RawMessage, error) {
	return func(wire.ToolRequest) (json.RawMessage, error) {
		return json.Marshal(wire.SubmissionAck{SubmissionID: id, Status: wire.SubmissionQueued})
	}
}

func waitPending(t *testing.T, s *Session, submissionID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		_, ok := s.pending[submissionID]
		s.mu.Unlock()
		if ok {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("submission %s never became pending", submissionID)
}

func TestCreateSession(t *testing.T) {
	b := newFakeBackend()
	d := NewDispatcher()
	ch := newFakeChannel()
	d.Attach(ch)
	v, _ := openTestViewer(t, b, Options{Dispatcher: d})

	tool, _ := v.Tool("Heatmap")
	s1, err := tool.CreateSession(v)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	s2, _ := tool.CreateSession(v)
	if s1.UUID() == s2.UUID() || s1.UUID() == "" {
		t.Fatal("expected distinct session ids")
	}
	if len(tool.Sessions()) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(tool.Sessions()))
	}
	if !ch.isSubscribed(s1.UUID()) {
		t.Fatal("expected session to be subscribed on the push channel")
	}
	if _, ok := s1.ViewModel().(*HeatmapViewModel); !ok {
		t.Fatalf("expected heatmap view model, got %T", s1.ViewModel())
	}

	s1.Close()
	if len(tool.Sessions()) != 1 || ch.isSubscribed(s1.UUID()) {
		t.Fatal("closed session must be removed and unsubscribed")
	}
	if _, err := s1.SendRequest(context.Background(), nil); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func TestSendRequestSync(t *testing.T) {
	b := newFakeBackend()
	b.reply = replyResult(kmeansResult("r1"))
	v, m := openTestViewer(t, b, Options{})
	events := recordEvents(v, requestEvents...)

	tool, _ := v.Tool("Heatmap")
	s, _ := tool.CreateSession(v)
	vm := s.ViewModel().(*HeatmapViewModel)
	vm.MapObjectType = "cells"
	vm.Feature = "area"

	r, err := vm.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if r.Viewer() != v || len(v.ToolResults()) != 1 {
		t.Fatal("expected the result to be attached to the viewer")
	}
	if len(m.Layers()) != 4 {
		t.Fatalf("expected the label layer on the map, got %d layers", len(m.Layers()))
	}

	req := b.requests[0]
	if req.SessionUUID != s.UUID() || req.ToolName != "Heatmap" || req.ExperimentID != "exp1" {
		t.Fatalf("unexpected request %+v", req)
	}
	if req.Payload["selected_feature"] != "area" {
		t.Fatalf("unexpected payload %v", req.Payload)
	}

	want := []string{EventToolRequestSent, EventToolRequestDone, EventToolRequestSuccess}
	if !reflect.DeepEqual(*events, want) {
		t.Fatalf("expected events %v, got %v", want, *events)
	}
}

func TestSendRequestFailure(t *testing.T) {
	b := newFakeBackend()
	b.reply = func(wire.ToolRequest) (json.RawMessage, error) {
		return nil, &transport.Error{StatusCode: 400, Message: "unknown feature"}
	}
	v, _ := openTestViewer(t, b, Options{})
	events := recordEvents(v, requestEvents...)

	var failed error
	v.Scope().On(EventToolRequestFailed, func(ev Event) { failed = ev.Payload.(RequestEvent).Err })

	tool, _ := v.Tool("Heatmap")
	s, _ := tool.CreateSession(v)
	_, err := s.SendRequest(context.Background(), map[string]any{})

	te := transport.AsError(err)
	if te == nil || te.Message != "unknown feature" || te.StatusCode != 400 {
		t.Fatalf("expected normalized error, got %v", err)
	}
	if failed != err {
		t.Fatalf("failed event must carry the error, got %v", failed)
	}
	want := []string{EventToolRequestSent, EventToolRequestDone, EventToolRequestFailed}
	if !reflect.DeepEqual(*events, want) {
		t.Fatalf("expected events %v, got %v", want, *events)
	}
	if len(v.ToolResults()) != 0 {
		t.Fatal("failed request must not attach anything")
	}
}

func TestSendRequestMalformed(t *testing.T) {
	b := newFakeBackend()
	b.reply = func(wire.ToolRequest) (json.RawMessage, error) { return json.RawMessage(`[1,2]`), nil }
	v, _ := openTestViewer(t, b, Options{})

	tool, _ := v.Tool("Heatmap")
	s, _ := tool.CreateSession(v)
	_, err := s.SendRequest(context.Background(), nil)
	var te *transport.Error
	if !errors.As(err, &te) {
		t.Fatalf("expected *transport.Error, got %v", err)
	}
}

func TestSendRequestUnknownResultType(t *testing.T) {
	b := newFakeBackend()
	sr := kmeansResult("r1")
	sr.Type = "GhostToolResult"
	b.reply = replyResult(sr)
	v, _ := openTestViewer(t, b, Options{})

	tool, _ := v.Tool("Heatmap")
	s, _ := tool.CreateSession(v)
	_, err := s.SendRequest(context.Background(), nil)
	var uv *UnknownVariantError
	if !errors.As(err, &uv) || uv.Type != "GhostToolResult" {
		t.Fatalf("expected unknown variant error, got %v", err)
	}
}

func TestSendRequestPushed(t *testing.T) {
	b := newFakeBackend()
	b.reply = ackReply("sub-1")
	d := NewDispatcher()
	d.Attach(newFakeChannel())
	v, _ := openTestViewer(t, b, Options{Dispatcher: d})

	tool, _ := v.Tool("Clustering")
	s, _ := tool.CreateSession(v)

	go func() {
		waitPending(t, s, "sub-1")
		sr := kmeansResult("r1")
		d.HandleEvent(wire.PushEvent{Event: wire.EventResultReady, SessionUUID: s.UUID(), SubmissionID: "sub-1", Result: &sr})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := s.SendRequest(ctx, map[string]any{"k": 3})
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if r.ID() != "r1" || r.Viewer() != v {
		t.Fatalf("unexpected result %s", r.ID())
	}
}

func TestPushArrivesBeforeAck(t *testing.T) {
	b := newFakeBackend()
	d := NewDispatcher()
	v, _ := openTestViewer(t, b, Options{Dispatcher: d})

	tool, _ := v.Tool("Clustering")
	s, _ := tool.CreateSession(v)
	b.reply = func(req wire.ToolRequest) (json.RawMessage, error) {
		sr := kmeansResult("early")
		d.HandleEvent(wire.PushEvent{Event: wire.EventResultReady, SessionUUID: req.SessionUUID, SubmissionID: "sub-9", Result: &sr})
		return json.Marshal(wire.SubmissionAck{SubmissionID: "sub-9", Status: wire.SubmissionQueued})
	}

	r, err := s.SendRequest(context.Background(), nil)
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if r.ID() != "early" {
		t.Fatalf("unexpected result %s", r.ID())
	}
}

func TestPushedFailure(t *testing.T) {
	b := newFakeBackend()
	b.reply = ackReply("sub-2")
	d := NewDispatcher()
	v, _ := openTestViewer(t, b, Options{Dispatcher: d})
	tool, _ := v.Tool("Clustering")
	s, _ := tool.CreateSession(v)

	go func() {
		waitPending(t, s, "sub-2")
		d.HandleEvent(wire.PushEvent{Event: wire.EventResultFailed, SessionUUID: s.UUID(), SubmissionID: "sub-2", Error: "k exceeds objects"})
	}()

	_, err := s.SendRequest(context.Background(), nil)
	if te := transport.AsError(err); te == nil || te.Message != "k exceeds objects" {
		t.Fatalf("expected pushed failure message, got %v", err)
	}
}

func TestLongRunningWithoutPushChannel(t *testing.T) {
	b := newFakeBackend()
	b.reply = ackReply("sub-3")
	v, _ := openTestViewer(t, b, Options{})
	tool, _ := v.Tool("Clustering")
	s, _ := tool.CreateSession(v)

	if _, err := s.SendRequest(context.Background(), nil); !errors.Is(err, ErrNoPushChannel) {
		t.Fatalf("expected ErrNoPushChannel, got %v", err)
	}
}

func TestResultAttachedAfterCallerGaveUp(t *testing.T) {
	b := newFakeBackend()
	b.reply = ackReply("sub-4")
	d := NewDispatcher()
	v, _ := openTestViewer(t, b, Options{Dispatcher: d})
	tool, _ := v.Tool("Clustering")
	s, _ := tool.CreateSession(v)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := s.SendRequest(ctx, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	sr := kmeansResult("late")
	d.HandleEvent(wire.PushEvent{Event: wire.EventResultReady, SessionUUID: s.UUID(), SubmissionID: "sub-4", Result: &sr})
	if len(v.ToolResults()) != 1 || v.ToolResults()[0].ID() != "late" {
		t.Fatal("expected the late result to be attached")
	}
}

func TestStaleResultDropped(t *testing.T) {
	b := newFakeBackend()
	d := NewDispatcher()
	v, _ := openTestViewer(t, b, Options{Dispatcher: d})
	tool, _ := v.Tool("Clustering")
	s, _ := tool.CreateSession(v)

	b.reply = ackReply("old")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	s.SendRequest(ctx, nil)

	b.reply = replyResult(kmeansResult("new"))
	if _, err := s.SendRequest(context.Background(), nil); err != nil {
		t.Fatalf("second request: %v", err)
	}

	sr := kmeansResult("old")
	d.HandleEvent(wire.PushEvent{Event: wire.EventResultReady, SessionUUID: s.UUID(), SubmissionID: "old", Result: &sr})

	results := v.ToolResults()
	if len(results) != 1 || results[0].ID() != "new" {
		t.Fatalf("expected only the newer result, got %d results", len(results))
	}
}

func TestLateResultAfterDestroy(t *testing.T) {
	b := newFakeBackend()
	b.reply = ackReply("sub-5")
	d := NewDispatcher()
	v, m := openTestViewer(t, b, Options{Dispatcher: d})
	tool, _ := v.Tool("Clustering")
	s, _ := tool.CreateSession(v)

	done := make(chan error, 1)
	go func() {
		_, err := s.SendRequest(context.Background(), nil)
		done <- err
	}()
	waitPending(t, s, "sub-5")
	v.Destroy()

	if err := <-done; !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}

	sr := kmeansResult("ghost")
	d.HandleEvent(wire.PushEvent{Event: wire.EventResultReady, SessionUUID: s.UUID(), SubmissionID: "sub-5", Result: &sr})
	if len(v.ToolResults()) != 0 || len(m.Layers()) != 0 {
		t.Fatal("late result must not touch a destroyed viewer")
	}
}

func TestConnectionLost(t *testing.T) {
	b := newFakeBackend()
	b.reply = ackReply("sub-6")
	d := NewDispatcher()
	ch := newFakeChannel()
	d.Attach(ch)
	v, _ := openTestViewer(t, b, Options{Dispatcher: d})
	tool, _ := v.Tool("Clustering")
	s, _ := tool.CreateSession(v)

	lost := make(chan struct{}, 1)
	v.Scope().On(EventPushConnectionLost, func(Event) { lost <- struct{}{} })

	done := make(chan error, 1)
	go func() {
		_, err := s.SendRequest(context.Background(), nil)
		done <- err
	}()
	waitPending(t, s, "sub-6")
	ch.stateHandler(transport.StateLost)

	if err := <-done; !errors.Is(err, transport.ErrConnectionLost) {
		t.Fatalf("expected ErrConnectionLost, got %v", err)
	}
	select {
	case <-lost:
	default:
		t.Fatal("expected pushConnectionLost on the viewer scope")
	}

	if _, err := s.SendRequest(context.Background(), nil); !errors.Is(err, transport.ErrConnectionLost) {
		t.Fatalf("new long-running requests must fail fast, got %v", err)
	}
}

func TestUndecodableResultDoesNotSupersedeOlder(t *testing.T) {
	b := newFakeBackend()
	v, _ := openTestViewer(t, b, Options{})
	tool, _ := v.Tool("Clustering")
	s, _ := tool.CreateSession(v)

	bogus := kmeansResult("bogus")
	bogus.Type = "BogusToolResult"
	var uv *UnknownVariantError
	if _, err := s.deliver(2, bogus); !errors.As(err, &uv) {
		t.Fatalf("expected unknown variant error, got %v", err)
	}

	r, err := s.deliver(1, kmeansResult("good"))
	if err != nil {
		t.Fatalf("older valid result must still attach: %v", err)
	}
	if results := v.ToolResults(); len(results) != 1 || results[0] != r {
		t.Fatalf("expected the older result attached, got %d results", len(results))
	}

	if _, err := s.deliver(1, kmeansResult("again")); err != nil {
		t.Fatalf("same request may attach again: %v", err)
	}
	s.deliver(3, kmeansResult("newest"))
	if _, err := s.deliver(2, kmeansResult("late")); !errors.Is(err, ErrStaleResult) {
		t.Fatalf("expected ErrStaleResult after a newer attach, got %v", err)
	}
}

func TestUnsolicitedResultKeepsPendingRequest(t *testing.T) {
	b := newFakeBackend()
	b.reply = ackReply("sub-1")
	d := NewDispatcher()
	d.Attach(newFakeChannel())
	v, _ := openTestViewer(t, b, Options{Dispatcher: d})
	tool, _ := v.Tool("Clustering")
	s, _ := tool.CreateSession(v)

	go func() {
		waitPending(t, s, "sub-1")
		uploaded := kmeansResult("uploaded")
		d.HandleEvent(wire.PushEvent{Event: wire.EventResultReady, SessionUUID: s.UUID(), Result: &uploaded})
		mine := kmeansResult("mine")
		d.HandleEvent(wire.PushEvent{Event: wire.EventResultReady, SessionUUID: s.UUID(), SubmissionID: "sub-1", Result: &mine})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := s.SendRequest(ctx, nil)
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if r.ID() != "mine" {
		t.Fatalf("unexpected result %s", r.ID())
	}
	if got := len(v.ToolResults()); got != 2 {
		t.Fatalf("expected both results attached, got %d", got)
	}
}

func TestEarlyEventsBounded(t *testing.T) {
	b := newFakeBackend()
	d := NewDispatcher()
	v, _ := openTestViewer(t, b, Options{Dispatcher: d})
	tool, _ := v.Tool("Clustering")
	s, _ := tool.CreateSession(v)

	const extra = 8
	for i := 0; i < maxEarlyEvents+extra; i++ {
		sr := kmeansResult(fmt.Sprintf("r%d", i))
		d.HandleEvent(wire.PushEvent{Event: wire.EventResultReady, SessionUUID: s.UUID(), SubmissionID: fmt.Sprintf("sub-%d", i), Result: &sr})
	}

	s.mu.Lock()
	kept := len(s.arrived)
	s.mu.Unlock()
	if kept != maxEarlyEvents {
		t.Fatalf("expected %d buffered events, got %d", maxEarlyEvents, kept)
	}
	if got := len(v.ToolResults()); got != extra {
		t.Fatalf("expected evicted results to be attached, got %d", got)
	}
}

func TestExpiredEarlyEventAttached(t *testing.T) {
	b := newFakeBackend()
	d := NewDispatcher()
	v, _ := openTestViewer(t, b, Options{Dispatcher: d})
	tool, _ := v.Tool("Clustering")
	s, _ := tool.CreateSession(v)

	orphan := kmeansResult("orphan")
	d.HandleEvent(wire.PushEvent{Event: wire.EventResultReady, SessionUUID: s.UUID(), SubmissionID: "sub-a", Result: &orphan})
	s.mu.Lock()
	e := s.arrived["sub-a"]
	e.at = time.Now().Add(-earlyEventTTL - time.Minute)
	s.arrived["sub-a"] = e
	s.mu.Unlock()

	next := kmeansResult("next")
	d.HandleEvent(wire.PushEvent{Event: wire.EventResultReady, SessionUUID: s.UUID(), SubmissionID: "sub-b", Result: &next})

	results := v.ToolResults()
	if len(results) != 1 || results[0].ID() != "orphan" {
		t.Fatalf("expected the expired result to be attached, got %d results", len(results))
	}
	s.mu.Lock()
	_, kept := s.arrived["sub-b"]
	n := len(s.arrived)
	s.mu.Unlock()
	if !kept || n != 1 {
		t.Fatalf("expected only sub-b buffered, got %d entries", n)
	}
}

func TestConnectionRestored(t *testing.T) {
	d := NewDispatcher()
	ch := newFakeChannel()
	d.Attach(ch)

	ch.stateHandler(transport.StateLost)
	if !d.Lost() {
		t.Fatal("expected lost state")
	}
	ch.stateHandler(transport.StateConnected)
	if d.Lost() {
		t.Fatal("reconnect must clear the lost state")
	}

	ch.stateHandler(transport.StateLost)
	d.Attach(newFakeChannel())
	if d.Lost() {
		t.Fatal("attaching a new channel must clear the lost state")
	}
}
