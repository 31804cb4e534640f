package api

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tissuemaps/tmviewer/internal/cache"
	"github.com/tissuemaps/tmviewer/internal/service"
	"github.com/tissuemaps/tmviewer/internal/store"
	"github.com/tissuemaps/tmviewer/pkg/wire"
)

type recordingPublisher struct {
	events chan wire.PushEvent
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{events: make(chan wire.PushEvent, 16)}
}

func (p *recordingPublisher) Publish(ev wire.PushEvent) {
	p.events <- ev
}

func (p *recordingPublisher) next(t *testing.T) wire.PushEvent {
	t.Helper()
	select {
	case ev := <-p.events:
		return ev
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for a job event")
		return wire.PushEvent{}
	}
}

func newTestJobManager(t *testing.T, st *store.Store, pub Publisher) *JobManager {
	t.Helper()
	cm, err := cache.NewManager(cache.Config{TileCacheSizeMB: 16, TileTTL: time.Minute, LabelEntries: 4})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { cm.Close() })

	registry := NewExperimentRegistry()
	registry.Register(service.NewTileService(service.TileServiceConfig{
		Reader: openExperiment(t, "exp1"),
		Store:  st,
		Cache:  cm,
	}))
	jm := NewJobManager(JobManagerConfig{MaxConcurrent: 1, QueueSize: 2}, st, registry, service.NewToolService(), pub)
	t.Cleanup(jm.Stop)
	return jm
}

func clusteringRequest(session string) wire.ToolRequest {
	return wire.ToolRequest{
		SessionUUID:  session,
		ToolName:     "Clustering",
		ExperimentID: "exp1",
		Payload:      map[string]any{"mapobject_type": "cells", "selected_features": []any{"area"}, "k": 2.0},
	}
}

func TestJobManagerRunsJob(t *testing.T) {
	st := newTestStore(t)
	pub := newRecordingPublisher()
	jm := newTestJobManager(t, st, pub)
	jm.Start()

	job, err := jm.Submit(clusteringRequest("s1"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.Status != store.JobStatusQueued || job.ID == "" {
		t.Fatalf("unexpected job %+v", job)
	}

	ev := pub.next(t)
	if ev.Event != wire.EventResultReady || ev.SessionUUID != "s1" || ev.SubmissionID != job.ID {
		t.Fatalf("unexpected event %+v", ev)
	}
	stored := jm.Get(job.ID)
	if stored.Status != store.JobStatusCompleted || stored.ResultID != ev.Result.ID || stored.StartedAt == nil {
		t.Fatalf("unexpected stored job %+v", stored)
	}
	res, err := st.GetResult("exp1", ev.Result.ID)
	if err != nil || res == nil || res.SubmissionID != job.ID {
		t.Fatalf("expected the result to be stored, got %+v, %v", res, err)
	}
}

func TestJobManagerFailure(t *testing.T) {
	st := newTestStore(t)
	pub := newRecordingPublisher()
	jm := newTestJobManager(t, st, pub)
	jm.Executor = func(ctx context.Context, job *store.Job) (*store.Result, error) {
		return nil, errors.New("out of memory")
	}
	jm.Start()

	job, err := jm.Submit(clusteringRequest("s1"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	ev := pub.next(t)
	if ev.Event != wire.EventResultFailed || ev.Error != "out of memory" || ev.SubmissionID != job.ID {
		t.Fatalf("unexpected event %+v", ev)
	}
	if stored := jm.Get(job.ID); stored.Status != store.JobStatusFailed || stored.Error != "out of memory" {
		t.Fatalf("unexpected stored job %+v", stored)
	}
}

func TestJobManagerCancel(t *testing.T) {
	st := newTestStore(t)
	pub := newRecordingPublisher()
	jm := newTestJobManager(t, st, pub)
	started := make(chan string, 4)
	jm.Executor = func(ctx context.Context, job *store.Job) (*store.Result, error) {
		started <- job.ID
		<-ctx.Done()
		return nil, ctx.Err()
	}
	jm.Start()

	running, _ := jm.Submit(clusteringRequest("s1"))
	waiting, _ := jm.Submit(clusteringRequest("s2"))
	if id := <-started; id != running.ID {
		t.Fatalf("expected %s to start first, got %s", running.ID, id)
	}

	// The second job is still queued behind the single worker.
	if !jm.Cancel(waiting.ID) {
		t.Fatal("expected a queued job to be cancellable")
	}
	ev := pub.next(t)
	if ev.SubmissionID != waiting.ID || ev.Error != "cancelled before start" {
		t.Fatalf("unexpected event %+v", ev)
	}

	if !jm.Cancel(running.ID) {
		t.Fatal("expected a running job to be cancellable")
	}
	ev = pub.next(t)
	if ev.Event != wire.EventResultFailed || ev.SubmissionID != running.ID || ev.Error != "cancelled by user" {
		t.Fatalf("unexpected event %+v", ev)
	}
	waitFor(t, "worker release", func() bool {
		jm.mu.Lock()
		defer jm.mu.Unlock()
		return len(jm.running) == 0
	})
	if jm.Get(running.ID).Status != store.JobStatusCancelled {
		t.Fatal("expected the running job to be cancelled")
	}
	if jm.Get(waiting.ID).Status != store.JobStatusCancelled {
		t.Fatal("expected the queued job to stay cancelled")
	}

	if jm.Cancel(running.ID) {
		t.Fatal("a finished job cannot be cancelled again")
	}
	if jm.Cancel("unknown") {
		t.Fatal("unknown jobs cannot be cancelled")
	}
}

func TestJobManagerQueueFull(t *testing.T) {
	st := newTestStore(t)
	jm := newTestJobManager(t, st, newRecordingPublisher())

	// Not started: nothing drains the queue of size 2.
	for i := 0; i < 2; i++ {
		if _, err := jm.Submit(clusteringRequest("s1")); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}
	if _, err := jm.Submit(clusteringRequest("s1")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	jm.Stop()
	if _, err := jm.Submit(clusteringRequest("s1")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected a stopped manager to refuse jobs, got %v", err)
	}
}

func TestJobManagerRecovery(t *testing.T) {
	st := newTestStore(t)
	now := time.Now()
	interrupted := &store.Job{ID: "interrupted", ExperimentID: "exp1", ToolName: "Clustering", SessionUUID: "s1",
		Status: store.JobStatusQueued, Payload: clusteringRequest("s1").Payload, CreatedAt: now}
	pending := &store.Job{ID: "pending", ExperimentID: "exp1", ToolName: "Clustering", SessionUUID: "s2",
		Status: store.JobStatusQueued, Payload: clusteringRequest("s2").Payload, CreatedAt: now.Add(time.Millisecond)}
	for _, j := range []*store.Job{interrupted, pending} {
		if err := st.CreateJob(j); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}
	if err := st.UpdateJobStarted("interrupted"); err != nil {
		t.Fatalf("UpdateJobStarted: %v", err)
	}

	pub := newRecordingPublisher()
	jm := newTestJobManager(t, st, pub)
	jm.Start()

	ev := pub.next(t)
	if ev.SubmissionID != "interrupted" || ev.Event != wire.EventResultFailed || ev.Error != "server restarted" {
		t.Fatalf("unexpected recovery event %+v", ev)
	}
	ev = pub.next(t)
	if ev.SubmissionID != "pending" || ev.Event != wire.EventResultReady || ev.SessionUUID != "s2" {
		t.Fatalf("expected the queued job to run after restart, got %+v", ev)
	}
}
