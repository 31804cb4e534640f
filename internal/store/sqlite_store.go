// Package store persists tool jobs, tool results and their label layers in SQLite.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/tissuemaps/tmviewer/pkg/wire"
	_ "modernc.org/sqlite"
)

// JobStatus represents the current state of a tool job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Finished reports whether the job reached a terminal status.
func (s JobStatus) Finished() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Job is one submission of a long-running tool.
type Job struct {
	ID           string         `json:"submission_id"`
	ExperimentID string         `json:"experiment_id"`
	ToolName     string         `json:"tool_name"`
	SessionUUID  string         `json:"session_uuid"`
	Status       JobStatus      `json:"status"`
	Payload      map[string]any `json:"payload"`
	ResultID     string         `json:"result_id,omitempty"`
	Error        string         `json:"error,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
}

// Result is a computed tool result together with the per-object labels its
// label layers are drawn from.
type Result struct {
	wire.SerializedToolResult
	SessionUUID   string
	MapObjectType string
	Labels        map[int64]any
	CreatedAt     time.Time
}

// LabelLayer locates the labels behind one label layer of a result.
type LabelLayer struct {
	ID            string
	ResultID      string
	ExperimentID  string
	MapObjectType string
	ImageSize     wire.ImageSize
	ZPlane        int
	TPoint        int
}

const timeLayout = "2006-01-02T15:04:05.000000Z"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

// Store provides persistent storage for tool jobs and results using SQLite.
type Store struct {
	db  *sql.DB
	mu  sync.Mutex
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewStore creates a new SQLite-based store.
func NewStore(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	s := &Store{db: db, enc: enc, dec: dec}
	if err := s.migrate(); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.enc.Close()
	s.dec.Close()
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tool_jobs (
		submission_id TEXT PRIMARY KEY,
		experiment_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		session_uuid TEXT NOT NULL,
		status TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		result_id TEXT DEFAULT '',
		error TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_tool_jobs_status ON tool_jobs(status);
	CREATE INDEX IF NOT EXISTS idx_tool_jobs_finished ON tool_jobs(finished_at);

	CREATE TABLE IF NOT EXISTS tool_results (
		result_id TEXT PRIMARY KEY,
		experiment_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		submission_id TEXT DEFAULT '',
		session_uuid TEXT DEFAULT '',
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		mapobject_type TEXT DEFAULT '',
		attributes_zst BLOB NOT NULL,
		plots_zst BLOB NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tool_results_experiment ON tool_results(experiment_id, created_at);

	CREATE TABLE IF NOT EXISTS label_layers (
		layer_id TEXT PRIMARY KEY,
		result_id TEXT NOT NULL,
		experiment_id TEXT NOT NULL,
		width INTEGER NOT NULL,
		height INTEGER NOT NULL,
		zplane INTEGER NOT NULL,
		tpoint INTEGER NOT NULL,
		FOREIGN KEY (result_id) REFERENCES tool_results(result_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_label_layers_result ON label_layers(result_id);

	CREATE TABLE IF NOT EXISTS label_values (
		result_id TEXT NOT NULL,
		mapobject_id INTEGER NOT NULL,
		label_json TEXT NOT NULL,
		PRIMARY KEY (result_id, mapobject_id),
		FOREIGN KEY (result_id) REFERENCES tool_results(result_id) ON DELETE CASCADE
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) compress(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return s.enc.EncodeAll(raw, nil), nil
}

func (s *Store) decompress(blob []byte, v any) error {
	raw, err := s.dec.DecodeAll(blob, nil)
	if err != nil {
		return fmt.Errorf("zstd decompress failed: %w", err)
	}
	return json.Unmarshal(raw, v)
}

// CreateJob creates a new job record with status=queued.
func (s *Store) CreateJob(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payloadJSON, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO tool_jobs (submission_id, experiment_id, tool_name, session_uuid, status, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID,
		job.ExperimentID,
		job.ToolName,
		job.SessionUUID,
		string(job.Status),
		string(payloadJSON),
		formatTime(job.CreatedAt),
	)
	return err
}

const jobColumns = `submission_id, experiment_id, tool_name, session_uuid, status, payload_json, result_id, error, created_at, started_at, finished_at`

// GetJob retrieves a job by ID. A missing job yields (nil, nil).
func (s *Store) GetJob(id string) (*Job, error) {
	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM tool_jobs WHERE submission_id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs, err := scanJobs(rows)
	if err != nil || len(jobs) == 0 {
		return nil, err
	}
	return jobs[0], nil
}

// UpdateJobStarted marks a job as running with start time.
func (s *Store) UpdateJobStarted(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE tool_jobs SET status = ?, started_at = ?
		WHERE submission_id = ?
	`, string(JobStatusRunning), formatTime(time.Now()), id)
	return err
}

// UpdateJobStatus updates the job status and error message.
func (s *Store) UpdateJobStatus(id string, status JobStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var finishedAt *string
	if status.Finished() {
		t := formatTime(time.Now())
		finishedAt = &t
	}

	_, err := s.db.Exec(`
		UPDATE tool_jobs SET status = ?, error = ?, finished_at = COALESCE(?, finished_at)
		WHERE submission_id = ?
	`, string(status), errMsg, finishedAt, id)
	return err
}

// ListQueuedJobs returns all queued jobs (for restart recovery).
func (s *Store) ListQueuedJobs() ([]*Job, error) {
	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM tool_jobs WHERE status = ? ORDER BY created_at ASC`,
		string(JobStatusQueued))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJobs(rows)
}

// MarkRunningAsFailed marks all running jobs as failed (for restart recovery).
// It returns the affected jobs so their sessions can be told.
func (s *Store) MarkRunningAsFailed(errMsg string) ([]*Job, error) {
	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM tool_jobs WHERE status = ?`, string(JobStatusRunning))
	if err != nil {
		return nil, err
	}
	jobs, err := scanJobs(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(`
		UPDATE tool_jobs SET status = ?, error = ?, finished_at = ?
		WHERE status = ?
	`, string(JobStatusFailed), errMsg, formatTime(time.Now()), string(JobStatusRunning))
	return jobs, err
}

// SaveResult stores a result with its label layers and labels. If the
// result belongs to a job, the job is completed in the same transaction.
func (s *Store) SaveResult(r *Result) error {
	attrs, err := s.compress(r.Attributes)
	if err != nil {
		return fmt.Errorf("failed to encode attributes: %w", err)
	}
	plots, err := s.compress(r.Plots)
	if err != nil {
		return fmt.Errorf("failed to encode plots: %w", err)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO tool_results (result_id, experiment_id, tool_name, submission_id, session_uuid, name, type, mapobject_type, attributes_zst, plots_zst, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.ExperimentID, r.ToolName, r.SubmissionID, r.SessionUUID, r.Name, r.Type, r.MapObjectType,
		attrs, plots, formatTime(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert result: %w", err)
	}

	for _, l := range r.Layers {
		_, err := tx.Exec(`
			INSERT INTO label_layers (layer_id, result_id, experiment_id, width, height, zplane, tpoint)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, l.ID, r.ID, r.ExperimentID, l.ImageSize.Width(), l.ImageSize.Height(), l.ZPlane, l.TPoint)
		if err != nil {
			return fmt.Errorf("failed to insert label layer %s: %w", l.ID, err)
		}
	}

	stmt, err := tx.Prepare(`INSERT INTO label_values (result_id, mapobject_id, label_json) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for id, label := range r.Labels {
		v, err := json.Marshal(label)
		if err != nil {
			return fmt.Errorf("failed to encode label of %d: %w", id, err)
		}
		if _, err := stmt.Exec(r.ID, id, string(v)); err != nil {
			return err
		}
	}

	if r.SubmissionID != "" {
		_, err = tx.Exec(`
			UPDATE tool_jobs SET status = ?, result_id = ?, finished_at = ?
			WHERE submission_id = ?
		`, string(JobStatusCompleted), r.ID, formatTime(time.Now()), r.SubmissionID)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

const resultColumns = `result_id, experiment_id, tool_name, submission_id, session_uuid, name, type, mapobject_type, attributes_zst, plots_zst, created_at`

// GetResult retrieves a result of an experiment. A missing result yields (nil, nil).
func (s *Store) GetResult(experimentID, id string) (*Result, error) {
	rows, err := s.db.Query(`SELECT `+resultColumns+` FROM tool_results WHERE experiment_id = ? AND result_id = ?`,
		experimentID, id)
	if err != nil {
		return nil, err
	}
	results, err := s.scanResults(rows)
	rows.Close()
	if err != nil || len(results) == 0 {
		return nil, err
	}
	if err := s.loadLayers(results[0]); err != nil {
		return nil, err
	}
	return results[0], nil
}

// ListResults returns the results of an experiment in creation order.
// Labels are not loaded.
func (s *Store) ListResults(experimentID string) ([]*Result, error) {
	rows, err := s.db.Query(`SELECT `+resultColumns+` FROM tool_results WHERE experiment_id = ? ORDER BY created_at ASC, rowid ASC`,
		experimentID)
	if err != nil {
		return nil, err
	}
	results, err := s.scanResults(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	for _, r := range results {
		if err := s.loadLayers(r); err != nil {
			return nil, err
		}
	}
	return results, nil
}

func (s *Store) loadLayers(r *Result) error {
	rows, err := s.db.Query(`
		SELECT layer_id, experiment_id, width, height, zplane, tpoint
		FROM label_layers WHERE result_id = ? ORDER BY tpoint, zplane
	`, r.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	r.Layers = make([]wire.SerializedSegmentationLayer, 0)
	for rows.Next() {
		var l wire.SerializedSegmentationLayer
		var w, h int
		if err := rows.Scan(&l.ID, &l.ExperimentID, &w, &h, &l.ZPlane, &l.TPoint); err != nil {
			return err
		}
		l.ImageSize = wire.ImageSize{w, h}
		r.Layers = append(r.Layers, l)
	}
	return rows.Err()
}

// LabelLayer returns a label layer of an experiment. A missing layer yields (nil, nil).
func (s *Store) LabelLayer(experimentID, layerID string) (*LabelLayer, error) {
	row := s.db.QueryRow(`
		SELECT l.layer_id, l.result_id, l.experiment_id, r.mapobject_type, l.width, l.height, l.zplane, l.tpoint
		FROM label_layers l JOIN tool_results r ON r.result_id = l.result_id
		WHERE l.experiment_id = ? AND l.layer_id = ?
	`, experimentID, layerID)

	var l LabelLayer
	var w, h int
	err := row.Scan(&l.ID, &l.ResultID, &l.ExperimentID, &l.MapObjectType, &w, &h, &l.ZPlane, &l.TPoint)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	l.ImageSize = wire.ImageSize{w, h}
	return &l, nil
}

// Labels returns the per-object labels of a result.
func (s *Store) Labels(resultID string) (map[int64]any, error) {
	rows, err := s.db.Query(`SELECT mapobject_id, label_json FROM label_values WHERE result_id = ?`, resultID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	labels := make(map[int64]any)
	for rows.Next() {
		var id int64
		var raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("failed to decode label of %d: %w", id, err)
		}
		labels[id] = v
	}
	return labels, rows.Err()
}

// DeleteResult deletes a result with its layers and labels. It returns the
// ids of the deleted label layers, or (nil, false) if the result did not exist.
func (s *Store) DeleteResult(experimentID, id string) ([]string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	layerIDs, err := deleteResultTx(tx, experimentID, id)
	if err != nil || layerIDs == nil {
		return nil, false, err
	}
	return layerIDs, true, tx.Commit()
}

func deleteResultTx(tx *sql.Tx, experimentID, id string) ([]string, error) {
	var exists int
	err := tx.QueryRow(`SELECT COUNT(*) FROM tool_results WHERE experiment_id = ? AND result_id = ?`, experimentID, id).Scan(&exists)
	if err != nil || exists == 0 {
		return nil, err
	}

	rows, err := tx.Query(`SELECT layer_id FROM label_layers WHERE result_id = ?`, id)
	if err != nil {
		return nil, err
	}
	layerIDs := make([]string, 0)
	for rows.Next() {
		var lid string
		if err := rows.Scan(&lid); err != nil {
			rows.Close()
			return nil, err
		}
		layerIDs = append(layerIDs, lid)
	}
	rows.Close()

	// Delete children first (foreign keys are not enforced by default)
	for _, q := range []string{
		`DELETE FROM label_values WHERE result_id = ?`,
		`DELETE FROM label_layers WHERE result_id = ?`,
		`DELETE FROM tool_results WHERE result_id = ?`,
	} {
		if _, err := tx.Exec(q, id); err != nil {
			return nil, err
		}
	}
	return layerIDs, nil
}

// DeleteExpired deletes results and finished jobs older than retentionDays.
// It returns the number of deleted results.
func (s *Store) DeleteExpired(retentionDays int) (int64, error) {
	cutoff := formatTime(time.Now().AddDate(0, 0, -retentionDays))

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT experiment_id, result_id FROM tool_results WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	var expired [][2]string
	for rows.Next() {
		var e [2]string
		if err := rows.Scan(&e[0], &e[1]); err != nil {
			rows.Close()
			return 0, err
		}
		expired = append(expired, e)
	}
	rows.Close()

	for _, e := range expired {
		if _, err := deleteResultTx(tx, e[0], e[1]); err != nil {
			return 0, err
		}
	}
	if _, err := tx.Exec(`DELETE FROM tool_jobs WHERE finished_at IS NOT NULL AND finished_at < ?`, cutoff); err != nil {
		return 0, err
	}
	return int64(len(expired)), tx.Commit()
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		var job Job
		var payloadJSON string
		var createdAtStr string
		var startedAtStr, finishedAtStr sql.NullString

		err := rows.Scan(
			&job.ID,
			&job.ExperimentID,
			&job.ToolName,
			&job.SessionUUID,
			&job.Status,
			&payloadJSON,
			&job.ResultID,
			&job.Error,
			&createdAtStr,
			&startedAtStr,
			&finishedAtStr,
		)
		if err != nil {
			return nil, err
		}

		if err := json.Unmarshal([]byte(payloadJSON), &job.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}

		job.CreatedAt = parseTime(createdAtStr)
		if startedAtStr.Valid {
			t := parseTime(startedAtStr.String)
			job.StartedAt = &t
		}
		if finishedAtStr.Valid {
			t := parseTime(finishedAtStr.String)
			job.FinishedAt = &t
		}

		jobs = append(jobs, &job)
	}
	return jobs, rows.Err()
}

func (s *Store) scanResults(rows *sql.Rows) ([]*Result, error) {
	var results []*Result
	for rows.Next() {
		var r Result
		var attrs, plots []byte
		var createdAtStr string

		err := rows.Scan(
			&r.ID,
			&r.ExperimentID,
			&r.ToolName,
			&r.SubmissionID,
			&r.SessionUUID,
			&r.Name,
			&r.Type,
			&r.MapObjectType,
			&attrs,
			&plots,
			&createdAtStr,
		)
		if err != nil {
			return nil, err
		}
		if err := s.decompress(attrs, &r.Attributes); err != nil {
			return nil, fmt.Errorf("result %s attributes: %w", r.ID, err)
		}
		if err := s.decompress(plots, &r.Plots); err != nil {
			return nil, fmt.Errorf("result %s plots: %w", r.ID, err)
		}
		r.CreatedAt = parseTime(createdAtStr)
		results = append(results, &r)
	}
	return results, rows.Err()
}
