// Package api provides HTTP handlers for the tool server.
package api

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	"github.com/tissuemaps/tmviewer/internal/service"
	"github.com/tissuemaps/tmviewer/internal/store"
	"github.com/tissuemaps/tmviewer/pkg/wire"
)

// ErrQueueFull is returned by Submit when no more jobs can be queued.
var ErrQueueFull = errors.New("job queue is full; try again later")

// Publisher receives job completion events.
type Publisher interface {
	Publish(ev wire.PushEvent)
}

// JobManagerConfig contains configuration for the job manager.
type JobManagerConfig struct {
	MaxConcurrent int // Max concurrent tool jobs (default 1)
	QueueSize     int // Queued jobs before Submit fails (default 100)
	RetentionDays int // Days to keep results (default 30)
	CleanupPeriod time.Duration
}

// Executor computes the result of a job.
type Executor func(ctx context.Context, job *store.Job) (*store.Result, error)

// JobManager runs long-running tool requests in the background with SQLite
// persistence and reports their outcome to a Publisher.
type JobManager struct {
	cfg       JobManagerConfig
	store     *store.Store
	publisher Publisher
	queue     chan string // submission IDs
	running   map[string]context.CancelFunc
	stopped   bool
	mu        sync.Mutex
	wg        sync.WaitGroup
	stopOnce  sync.Once
	stopCh    chan struct{}

	// Executor is called to run the actual tool computation.
	Executor Executor
}

// NewJobManager creates a job manager. Jobs are executed with tools against
// the experiments of registry.
func NewJobManager(cfg JobManagerConfig, st *store.Store, registry *ExperimentRegistry, tools *service.ToolService, publisher Publisher) *JobManager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = 1 * time.Hour
	}

	jm := &JobManager{
		cfg:       cfg,
		store:     st,
		publisher: publisher,
		queue:     make(chan string, cfg.QueueSize),
		running:   make(map[string]context.CancelFunc),
		stopCh:    make(chan struct{}),
	}
	jm.Executor = func(ctx context.Context, job *store.Job) (*store.Result, error) {
		svc := registry.Get(job.ExperimentID)
		if svc == nil {
			return nil, fmt.Errorf("experiment %q is not served", job.ExperimentID)
		}
		req := wire.ToolRequest{
			SessionUUID:  job.SessionUUID,
			ToolName:     job.ToolName,
			ExperimentID: job.ExperimentID,
			Payload:      job.Payload,
		}
		return tools.Run(ctx, svc.Reader(), req, job.ID)
	}
	return jm
}

// Start starts the worker goroutines and cleanup ticker.
// Also recovers from previous shutdown.
func (jm *JobManager) Start() {
	// Jobs interrupted by a restart never finish; tell their sessions.
	failed, err := jm.store.MarkRunningAsFailed("server restarted")
	if err != nil {
		log.Error().Err(err).Str("component", "jobs").Msg("failed to mark running jobs as failed")
	}
	for _, job := range failed {
		jm.publishFailure(job, "server restarted")
	}

	queued, err := jm.store.ListQueuedJobs()
	if err != nil {
		log.Error().Err(err).Str("component", "jobs").Msg("failed to list queued jobs")
	} else {
		for _, job := range queued {
			select {
			case jm.queue <- job.ID:
				log.Info().Str("component", "jobs").Str("submission_id", job.ID).Msg("re-queued job")
			default:
				jm.fail(job, ErrQueueFull.Error())
			}
		}
	}

	for i := 0; i < jm.cfg.MaxConcurrent; i++ {
		jm.wg.Add(1)
		go jm.worker()
	}

	go jm.cleaner()
}

// Stop stops all workers gracefully. Jobs that are still queued stay queued
// and are picked up by the next Start.
func (jm *JobManager) Stop() {
	jm.stopOnce.Do(func() {
		jm.mu.Lock()
		jm.stopped = true
		close(jm.stopCh)
		close(jm.queue)
		jm.mu.Unlock()
		jm.wg.Wait()
	})
}

func (jm *JobManager) worker() {
	defer jm.wg.Done()
	for id := range jm.queue {
		select {
		case <-jm.stopCh:
			return
		default:
		}
		jm.runJob(id)
	}
}

func (jm *JobManager) runJob(id string) {
	job, err := jm.store.GetJob(id)
	if err != nil || job == nil {
		log.Error().Err(err).Str("component", "jobs").Str("submission_id", id).Msg("job vanished before start")
		return
	}
	if job.Status != store.JobStatusQueued {
		// Cancelled while waiting.
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jm.mu.Lock()
	jm.running[id] = cancel
	jm.mu.Unlock()

	defer func() {
		jm.mu.Lock()
		delete(jm.running, id)
		jm.mu.Unlock()
	}()

	if err := jm.store.UpdateJobStarted(id); err != nil {
		log.Error().Err(err).Str("component", "jobs").Str("submission_id", id).Msg("failed to mark job as started")
		return
	}
	start := time.Now()

	result, execErr := jm.Executor(ctx, job)
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		jm.store.UpdateJobStatus(id, store.JobStatusCancelled, "cancelled by user")
		jm.publishFailure(job, "cancelled by user")
	case execErr != nil:
		jm.fail(job, execErr.Error())
	default:
		if err := jm.store.SaveResult(result); err != nil {
			jm.fail(job, "failed to store result: "+err.Error())
			return
		}
		log.Info().Str("component", "jobs").Str("submission_id", id).Str("tool", job.ToolName).
			Str("result_id", result.ID).Dur("elapsed", time.Since(start)).Msg("job completed")
		jm.publisher.Publish(wire.PushEvent{
			Event:        wire.EventResultReady,
			SessionUUID:  job.SessionUUID,
			SubmissionID: job.ID,
			Result:       &result.SerializedToolResult,
		})
	}
}

func (jm *JobManager) fail(job *store.Job, msg string) {
	log.Warn().Str("component", "jobs").Str("submission_id", job.ID).Str("tool", job.ToolName).Str("error", msg).Msg("job failed")
	if err := jm.store.UpdateJobStatus(job.ID, store.JobStatusFailed, msg); err != nil {
		log.Error().Err(err).Str("component", "jobs").Str("submission_id", job.ID).Msg("failed to mark job as failed")
	}
	jm.publishFailure(job, msg)
}

func (jm *JobManager) publishFailure(job *store.Job, msg string) {
	jm.publisher.Publish(wire.PushEvent{
		Event:        wire.EventResultFailed,
		SessionUUID:  job.SessionUUID,
		SubmissionID: job.ID,
		Error:        msg,
	})
}

func (jm *JobManager) cleaner() {
	ticker := time.NewTicker(jm.cfg.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.cleanup()
		}
	}
}

func (jm *JobManager) cleanup() {
	deleted, err := jm.store.DeleteExpired(jm.cfg.RetentionDays)
	if err != nil {
		log.Error().Err(err).Str("component", "jobs").Msg("cleanup failed")
	} else if deleted > 0 {
		log.Info().Str("component", "jobs").Int64("deleted", deleted).Msg("cleaned up expired results")
	}
}

// Submit records a tool request and enqueues it for execution. The request
// must already be validated.
func (jm *JobManager) Submit(req wire.ToolRequest) (*store.Job, error) {
	job := &store.Job{
		ID:           ulid.Make().String(),
		ExperimentID: req.ExperimentID,
		ToolName:     req.ToolName,
		SessionUUID:  req.SessionUUID,
		Status:       store.JobStatusQueued,
		Payload:      req.Payload,
		CreatedAt:    time.Now(),
	}
	if err := jm.store.CreateJob(job); err != nil {
		return nil, err
	}

	jm.mu.Lock()
	queued := false
	if !jm.stopped {
		select {
		case jm.queue <- job.ID:
			queued = true
		default:
		}
	}
	jm.mu.Unlock()

	if !queued {
		jm.store.UpdateJobStatus(job.ID, store.JobStatusFailed, ErrQueueFull.Error())
		return nil, ErrQueueFull
	}
	return job, nil
}

// Get returns a job by ID, or nil.
func (jm *JobManager) Get(id string) *store.Job {
	job, err := jm.store.GetJob(id)
	if err != nil {
		log.Error().Err(err).Str("component", "jobs").Str("submission_id", id).Msg("failed to load job")
		return nil
	}
	return job
}

// Cancel attempts to cancel a queued or running job.
func (jm *JobManager) Cancel(id string) bool {
	jm.mu.Lock()
	cancel, ok := jm.running[id]
	jm.mu.Unlock()

	if ok && cancel != nil {
		cancel()
		return true
	}

	job, err := jm.store.GetJob(id)
	if err != nil || job == nil {
		return false
	}
	if job.Status == store.JobStatusQueued {
		jm.store.UpdateJobStatus(id, store.JobStatusCancelled, "cancelled before start")
		jm.publishFailure(job, "cancelled before start")
		return true
	}
	return false
}
