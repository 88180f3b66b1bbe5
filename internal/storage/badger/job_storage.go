// -----------------------------------------------------------------------
// Job storage - the serialization point for all job state
// -----------------------------------------------------------------------

package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/colligohq/colligo/internal/interfaces"
	"github.com/colligohq/colligo/internal/models"
)

const (
	claimBatchSize   = 10
	claimMaxAttempts = 5
)

// JobStorage implements the JobStorage interface for Badger.
// A single mutex serializes claim, upsert and bulk-reset operations;
// the backend process is the only writer.
type JobStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
	mu     sync.Mutex
}

// NewJobStorage creates a new JobStorage instance
func NewJobStorage(db *BadgerDB, logger arbor.ILogger) interfaces.JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

func (s *JobStorage) SaveJob(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	job.UpdatedAt = time.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = job.UpdatedAt
	}
	if err := s.db.Store().Upsert(job.ID, job); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (s *JobStorage) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var job models.Job
	if err := s.db.Store().Get(jobID, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("job not found: %s", jobID)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

func (s *JobStorage) ListJobs(ctx context.Context, filter interfaces.JobFilter) ([]*models.Job, error) {
	query := badgerhold.Where("ID").Ne("")
	if filter.AccountID != "" {
		query = query.And("AccountID").Eq(filter.AccountID)
	}
	if filter.Command != "" {
		query = query.And("Command").Eq(filter.Command)
	}

	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, query.SortBy("CreatedAt")); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	result := make([]*models.Job, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}

// InsertJobIfAbsent upserts keyed by (accountId, command, fullPath).
// Duplicate suppression: an existing queued, running or paused row wins
// and the call is a silent no-op - a paused row holds a checkpoint that
// must survive re-discovery. A terminal row for the tuple is reset to
// queued with cleared counters, checkpoint and error.
func (s *JobStorage) InsertJobIfAbsent(ctx context.Context, job *models.Job) (*models.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing []models.Job
	query := badgerhold.Where("AccountID").Eq(job.AccountID).
		And("Command").Eq(job.Command).
		And("FullPath").Eq(job.FullPath)
	if err := s.db.Store().Find(&existing, query); err != nil {
		return nil, false, fmt.Errorf("failed to query jobs for upsert: %w", err)
	}

	for i := range existing {
		switch existing[i].Status {
		case models.JobStatusQueued, models.JobStatusRunning, models.JobStatusPaused:
			return &existing[i], false, nil
		}
	}

	now := time.Now()
	if len(existing) > 0 {
		// Reuse the most recently updated terminal row
		row := &existing[0]
		for i := range existing {
			if existing[i].UpdatedAt.After(row.UpdatedAt) {
				row = &existing[i]
			}
		}
		row.Status = models.JobStatusQueued
		row.ResumeState = nil
		row.Progress = nil
		row.Error = ""
		row.StartedAt = nil
		row.SpawnedFrom = job.SpawnedFrom
		row.UpdatedAt = now
		if err := s.db.Store().Upsert(row.ID, row); err != nil {
			return nil, false, fmt.Errorf("failed to requeue job %s: %w", row.ID, err)
		}
		return row, true, nil
	}

	job.Status = models.JobStatusQueued
	job.CreatedAt = now
	job.UpdatedAt = now
	if err := s.db.Store().Insert(job.ID, job); err != nil {
		return nil, false, fmt.Errorf("failed to insert job: %w", err)
	}
	return job, true, nil
}

// claimLess orders claim candidates: queued before failed, checkpointed
// rows first (resume priority), then finished_at and created_at ascending.
func claimLess(a, b *models.Job) bool {
	rank := func(j *models.Job) int {
		if j.Status == models.JobStatusQueued {
			return 0
		}
		return 1
	}
	if rank(a) != rank(b) {
		return rank(a) < rank(b)
	}
	if a.HasResumeState() != b.HasResumeState() {
		return a.HasResumeState()
	}
	ft := func(j *models.Job) time.Time {
		if j.FinishedAt != nil {
			return *j.FinishedAt
		}
		return time.Time{}
	}
	if !ft(a).Equal(ft(b)) {
		return ft(a).Before(ft(b))
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func (s *JobStorage) ClaimNextRunnable(ctx context.Context, filter interfaces.JobFilter, validate interfaces.JobValidator) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []models.Job
	query := badgerhold.Where("Status").In(models.JobStatusQueued, models.JobStatusFailed)
	if err := s.db.Store().Find(&candidates, query); err != nil {
		return nil, fmt.Errorf("failed to query runnable jobs: %w", err)
	}

	filtered := candidates[:0]
	for i := range candidates {
		j := &candidates[i]
		if filter.AccountID != "" && j.AccountID != filter.AccountID {
			continue
		}
		if filter.Command != "" && j.Command != filter.Command {
			continue
		}
		if filter.DataType != "" && !models.CommandProducesDataType(j.Command, filter.DataType) {
			continue
		}
		filtered = append(filtered, *j)
	}

	sort.Slice(filtered, func(i, j int) bool {
		return claimLess(&filtered[i], &filtered[j])
	})

	now := time.Now()
	for attempt := 0; attempt < claimMaxAttempts; attempt++ {
		start := attempt * claimBatchSize
		if start >= len(filtered) {
			break
		}
		end := start + claimBatchSize
		if end > len(filtered) {
			end = len(filtered)
		}

		for i := start; i < end; i++ {
			job := filtered[i]
			if validate != nil {
				if verr := validate(&job); verr != nil {
					// Record the bare message so admin output stays stable
					reason := verr.Error()
					var cerr *models.CrawlError
					if errors.As(verr, &cerr) {
						reason = cerr.Message
					}
					job.Status = models.JobStatusFailed
					job.Error = reason
					job.UpdatedAt = now
					if err := s.db.Store().Upsert(job.ID, &job); err != nil {
						return nil, fmt.Errorf("failed to fail job %s: %w", job.ID, err)
					}
					s.logger.Warn().
						Str("job_id", job.ID).
						Str("command", string(job.Command)).
						Str("reason", reason).
						Msg("Claim candidate failed validation")
					continue
				}
			}

			started := now
			job.Status = models.JobStatusRunning
			job.StartedAt = &started
			job.UpdatedAt = now
			if err := s.db.Store().Upsert(job.ID, &job); err != nil {
				return nil, fmt.Errorf("failed to claim job %s: %w", job.ID, err)
			}
			return &job, nil
		}
	}

	return nil, nil
}

func (s *JobStorage) UpdateJobStatus(ctx context.Context, jobID string, status models.JobStatus, fields *interfaces.JobUpdateFields) error {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	now := time.Now()
	job.Status = status
	job.UpdatedAt = now

	switch status {
	case models.JobStatusRunning:
		if job.StartedAt == nil {
			job.StartedAt = &now
		}
	case models.JobStatusFinished:
		job.FinishedAt = &now
		job.ResumeState = nil
	case models.JobStatusFailed:
		job.FinishedAt = &now
	}

	if fields != nil {
		if fields.Error != "" {
			job.Error = fields.Error
		}
		if fields.Progress != nil {
			job.Progress = fields.Progress
		}
		if fields.ResumeState != nil {
			job.ResumeState = fields.ResumeState
		}
		if fields.ClearResume {
			job.ResumeState = nil
		}
		if fields.ClearStarted {
			job.StartedAt = nil
		}
	}

	if err := s.db.Store().Upsert(job.ID, job); err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	return nil
}

func (s *JobStorage) CheckpointResumeState(ctx context.Context, jobID string, state json.RawMessage) error {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	job.ResumeState = state
	job.UpdatedAt = time.Now()
	if err := s.db.Store().Upsert(job.ID, job); err != nil {
		return fmt.Errorf("failed to checkpoint resume state: %w", err)
	}
	return nil
}

func (s *JobStorage) ResetRunningToQueued(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var running []models.Job
	if err := s.db.Store().Find(&running, badgerhold.Where("Status").Eq(models.JobStatusRunning)); err != nil {
		return 0, fmt.Errorf("failed to find running jobs: %w", err)
	}

	now := time.Now()
	for i := range running {
		running[i].Status = models.JobStatusQueued
		running[i].StartedAt = nil
		running[i].UpdatedAt = now
		if err := s.db.Store().Upsert(running[i].ID, &running[i]); err != nil {
			return 0, fmt.Errorf("failed to requeue job %s: %w", running[i].ID, err)
		}
	}
	return len(running), nil
}

// ResetPausedToQueued makes paused jobs claimable again. The resume
// checkpoint stays in place, so claim ordering picks them up first.
func (s *JobStorage) ResetPausedToQueued(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var paused []models.Job
	if err := s.db.Store().Find(&paused, badgerhold.Where("Status").Eq(models.JobStatusPaused)); err != nil {
		return 0, fmt.Errorf("failed to find paused jobs: %w", err)
	}

	now := time.Now()
	for i := range paused {
		paused[i].Status = models.JobStatusQueued
		paused[i].StartedAt = nil
		paused[i].UpdatedAt = now
		if err := s.db.Store().Upsert(paused[i].ID, &paused[i]); err != nil {
			return 0, fmt.Errorf("failed to requeue paused job %s: %w", paused[i].ID, err)
		}
	}
	return len(paused), nil
}

func (s *JobStorage) FindRecentFinished(ctx context.Context, filter interfaces.JobFilter, within time.Duration) (*models.Job, error) {
	query := badgerhold.Where("Status").Eq(models.JobStatusFinished)
	if filter.AccountID != "" {
		query = query.And("AccountID").Eq(filter.AccountID)
	}
	if filter.Command != "" {
		query = query.And("Command").Eq(filter.Command)
	}

	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to query finished jobs: %w", err)
	}

	cutoff := time.Now().Add(-within)
	var recent *models.Job
	for i := range jobs {
		j := &jobs[i]
		if j.FinishedAt == nil || j.FinishedAt.Before(cutoff) {
			continue
		}
		if recent == nil || j.FinishedAt.After(*recent.FinishedAt) {
			recent = j
		}
	}
	return recent, nil
}
