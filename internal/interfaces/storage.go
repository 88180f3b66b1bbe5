package interfaces

import (
	"context"
	"encoding/json"
	"time"

	"github.com/colligohq/colligo/internal/models"
)

// JobFilter narrows job queries
type JobFilter struct {
	AccountID string
	Command   models.CrawlCommand
	// DataType restricts claims to commands that produce this data type
	DataType string
}

// JobUpdateFields carries the optional writes applied with a status change
type JobUpdateFields struct {
	Error        string
	Progress     map[string]*models.DataTypeProgress
	ResumeState  json.RawMessage // applied when non-nil
	ClearResume  bool
	ClearStarted bool
}

// JobValidator checks a claim candidate's prerequisites. A non-nil error
// marks the candidate failed with the error text and moves to the next one.
type JobValidator func(job *models.Job) error

// JobStorage - typed operations on persistent jobs
type JobStorage interface {
	SaveJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error)

	// InsertJobIfAbsent upserts keyed by (accountId, command, fullPath).
	// No-op when a queued or running row exists for the tuple; a terminal
	// row is reset to queued with cleared counters. Returns the stored job
	// and whether a dispatchable row was produced.
	InsertJobIfAbsent(ctx context.Context, job *models.Job) (*models.Job, bool, error)

	// ClaimNextRunnable selects the next runnable job and marks it running.
	// Ordering: queued before failed; within a status, checkpointed rows
	// first; then finished_at and created_at ascending. Walks batches of
	// ten up to five times, failing candidates the validator rejects.
	ClaimNextRunnable(ctx context.Context, filter JobFilter, validate JobValidator) (*models.Job, error)

	UpdateJobStatus(ctx context.Context, jobID string, status models.JobStatus, fields *JobUpdateFields) error

	// CheckpointResumeState partially updates the resume checkpoint.
	// Never clears it implicitly.
	CheckpointResumeState(ctx context.Context, jobID string, state json.RawMessage) error

	// ResetRunningToQueued atomically requeues all running jobs, clearing
	// started_at. Used by the liveness reconciler. Returns rows affected.
	ResetRunningToQueued(ctx context.Context) (int, error)

	// ResetPausedToQueued requeues all paused jobs with their resume
	// checkpoints intact. Used on RESUME and on crawler loss/restart so
	// checkpointed work becomes claimable again. Returns rows affected.
	ResetPausedToQueued(ctx context.Context) (int, error)

	// FindRecentFinished returns the most recent finished job matching the
	// filter within the window, or nil.
	FindRecentFinished(ctx context.Context, filter JobFilter, within time.Duration) (*models.Job, error)
}

// AreaStorage - namespace records, insert-if-absent on discovery
type AreaStorage interface {
	InsertAreaIfAbsent(ctx context.Context, area *models.Area) (bool, error)
	GetArea(ctx context.Context, fullPath string) (*models.Area, error)
	ListAreas(ctx context.Context, areaType models.AreaType) ([]*models.Area, error)
	CountAreas(ctx context.Context) (int, error)
}

// AccountStorage - OAuth authorization records
type AccountStorage interface {
	SaveAccount(ctx context.Context, account *models.Account) error
	GetAccount(ctx context.Context, accountID string) (*models.Account, error)
	ListAccounts(ctx context.Context) ([]*models.Account, error)
}

// StorageManager - composite interface for all storage operations
type StorageManager interface {
	JobStorage() JobStorage
	AreaStorage() AreaStorage
	AccountStorage() AccountStorage
	Close() error
}
