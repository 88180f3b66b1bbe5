package orchestrator

import (
	"context"
	"sync/atomic"

	"github.com/ternarybob/arbor"

	"github.com/colligohq/colligo/internal/interfaces"
)

// LivenessReconciler requeues running jobs when the crawler goes away.
// Disconnect and heartbeat timeout usually fire as a pair for the same
// incident; the in-flight flag coalesces them into one reset.
type LivenessReconciler struct {
	jobs     interfaces.JobStorage
	logger   arbor.ILogger
	inFlight atomic.Bool
}

// NewLivenessReconciler creates a reconciler over the job store
func NewLivenessReconciler(jobs interfaces.JobStorage, logger arbor.ILogger) *LivenessReconciler {
	return &LivenessReconciler{
		jobs:   jobs,
		logger: logger,
	}
}

// Reconcile resets running and paused jobs to queued. Safe to call on
// every disconnect signal; overlapping calls collapse into one pass.
// Checkpoints are preserved, so requeued jobs resume from their last
// cursor. Paused rows are included because a crawler shutdown parks its
// active job as paused just before the connection drops.
func (r *LivenessReconciler) Reconcile(ctx context.Context) {
	if !r.inFlight.CompareAndSwap(false, true) {
		return
	}
	defer r.inFlight.Store(false)

	running, err := r.jobs.ResetRunningToQueued(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to requeue running jobs after crawler loss")
		return
	}
	paused, err := r.jobs.ResetPausedToQueued(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to requeue paused jobs after crawler loss")
		return
	}
	if running+paused > 0 {
		r.logger.Warn().
			Int("requeued", running+paused).
			Msg("Crawler lost, in-flight jobs requeued")
	}
}
