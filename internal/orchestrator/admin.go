// -----------------------------------------------------------------------
// Admin command surface - supervisor commands over the bus
// -----------------------------------------------------------------------

package orchestrator

import (
	"context"

	"github.com/colligohq/colligo/internal/models"
)

// handlePauseCommand stops dispatching and tells the crawler to pause its
// current job at the next page boundary
func (o *Orchestrator) handlePauseCommand(ctx context.Context, env *models.Envelope) error {
	o.state.SetDispatchPaused(true)
	o.logger.Info().Str("origin", env.Origin).Msg("Crawling paused by admin command")

	forward, err := models.NewEnvelope(models.IdentityBackend, models.IdentityCrawler,
		models.TypeCommand, models.KeyPauseCrawler, nil)
	if err != nil {
		return err
	}
	if err := o.server.SendTo(models.IdentityCrawler, forward); err != nil {
		// Nothing to pause when no crawler is connected; dispatch stays off
		o.logger.Debug().Err(err).Msg("No crawler to forward pause to")
	}
	return nil
}

// handleResumeCommand re-enables dispatch, makes paused jobs claimable
// again and resumes the crawler
func (o *Orchestrator) handleResumeCommand(ctx context.Context, env *models.Envelope) error {
	o.state.SetDispatchPaused(false)
	o.logger.Info().Str("origin", env.Origin).Msg("Crawling resumed by admin command")

	// Paused rows keep their checkpoints; requeueing them lets the claim
	// ordering resume mid-stream
	if n, err := o.jobs.ResetPausedToQueued(ctx); err != nil {
		o.logger.Error().Err(err).Msg("Failed to requeue paused jobs on resume")
	} else if n > 0 {
		o.logger.Info().Int("requeued", n).Msg("Paused jobs requeued for resume")
	}

	forward, err := models.NewEnvelope(models.IdentityBackend, models.IdentityCrawler,
		models.TypeCommand, models.KeyResumeCrawler, nil)
	if err != nil {
		return err
	}
	if err := o.server.SendTo(models.IdentityCrawler, forward); err != nil {
		o.logger.Debug().Err(err).Msg("No crawler to forward resume to")
	}

	o.DispatchNext(ctx)
	return nil
}

// handleGetStatus answers with the backend state snapshot
func (o *Orchestrator) handleGetStatus(ctx context.Context, env *models.Envelope) error {
	snapshot := o.state.Snapshot()
	reply, err := models.NewEnvelope(models.IdentityBackend, env.Origin,
		models.TypeMessage, models.KeyStatusUpdate, snapshot)
	if err != nil {
		return err
	}
	return o.server.SendTo(env.Origin, reply)
}

// handleShutdownCommand broadcasts the shutdown notice so the crawler can
// checkpoint, then hands control to the process-level shutdown hook
func (o *Orchestrator) handleShutdownCommand(ctx context.Context, env *models.Envelope) error {
	o.logger.Info().Str("origin", env.Origin).Msg("Shutdown requested by admin command")

	notice, err := models.NewEnvelope(models.IdentityBackend, models.DestinationBroadcast,
		models.TypeCommand, models.KeyShutdown, nil)
	if err != nil {
		return err
	}
	o.server.Broadcast(notice)

	if o.onShutdown != nil {
		go o.onShutdown()
	}
	return nil
}
