package storage

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"jobkeeper/pkg/job"
)

// ErrNotFound is returned when a job definition does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrClosed is returned by a store after Close.
var ErrClosed = errors.New("storage: closed")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path (":memory:" for a private in-memory db)
//   - "memory": in-process maps, nothing survives a restart
//
// An empty Driver means "sqlite".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// JobDefinition is the persisted description and health of one job.
type JobDefinition struct {
	JobID         string
	JobName       string
	ImplRef       string
	ScheduleType  job.Kind
	ScheduleValue string
	Enabled       bool

	LastRunAt         *time.Time
	LastSuccessfulRun *time.Time
	LastAttemptedRun  *time.Time

	ConsecutiveFailures    int
	MaxConsecutiveFailures int
	AutoRetryOnStartup     bool

	Metadata  map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ExecutionRecord is the outcome of one finished run. Records are written
// once and never updated.
type ExecutionRecord struct {
	ID              string
	JobID           string
	StartedAt       time.Time
	CompletedAt     time.Time
	Status          job.Status
	DurationSeconds float64
	Metadata        map[string]any
	ErrorMessage    string // empty when the run succeeded
}

// Store is the persistence API used by the scheduler.
type Store interface {
	// UpsertJob inserts def, or updates an existing definition with def's
	// descriptive fields (name, impl ref, schedule, metadata, failure policy).
	// On update the stored enabled flag and health fields are kept.
	// It returns the stored definition and whether it was created.
	UpsertJob(ctx context.Context, def JobDefinition) (JobDefinition, bool, error)
	GetJob(ctx context.Context, jobID string) (JobDefinition, error)
	// ListJobs returns every definition ordered by job id.
	ListJobs(ctx context.Context) ([]JobDefinition, error)
	SetEnabled(ctx context.Context, jobID string, enabled bool, at time.Time) error
	// MarkAttempt records last_attempted_run.
	MarkAttempt(ctx context.Context, jobID string, at time.Time) error
	// CompleteRun appends rec and updates the definition's health in one
	// transaction, and returns the updated definition.
	CompleteRun(ctx context.Context, rec ExecutionRecord) (JobDefinition, error)
	// ListExecutions returns at most limit records, most recent first.
	ListExecutions(ctx context.Context, jobID string, limit int) ([]ExecutionRecord, error)
	// PruneExecutions deletes records that started before cutoff.
	PruneExecutions(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}

// applyCompletion updates def's health fields for rec.
func applyCompletion(def *JobDefinition, rec ExecutionRecord) {
	at := rec.CompletedAt
	def.LastRunAt = &at
	if rec.Status == job.StatusSuccess {
		ok := at
		def.LastSuccessfulRun = &ok
		def.ConsecutiveFailures = 0
	} else {
		def.ConsecutiveFailures++
	}
	def.UpdatedAt = at
}
