// -----------------------------------------------------------------------
// Orchestrator - job lifecycle, discovery fan-out and dispatch
// -----------------------------------------------------------------------

package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/colligohq/colligo/internal/common"
	"github.com/colligohq/colligo/internal/interfaces"
	"github.com/colligohq/colligo/internal/ipc"
	"github.com/colligohq/colligo/internal/models"
	"github.com/colligohq/colligo/internal/provisioner"
	"github.com/colligohq/colligo/internal/tokens"
)

// failureLogLimit caps retained crash-context lines per failed job
const failureLogLimit = 200

// Orchestrator owns the backend's job lifecycle: it turns authorizations
// into discovery jobs, fans discovered areas out into per-command jobs,
// applies crawler job updates to the store, and dispatches the next
// runnable job whenever the crawler is idle.
type Orchestrator struct {
	config      *common.Config
	jobs        interfaces.JobStorage
	areas       interfaces.AreaStorage
	accounts    interfaces.AccountStorage
	provisioner *provisioner.Provisioner
	broker      *tokens.Broker
	server      *ipc.Server
	state       *BackendState
	reconciler  *LivenessReconciler
	logger      arbor.ILogger

	scheduler  *cron.Cron
	dispatchMu sync.Mutex

	// failureLogs keeps the last crash context per job for the admin surface
	failureMu   sync.Mutex
	failureLogs map[string][]string

	// onShutdown is invoked when a SHUTDOWN admin command arrives
	onShutdown func()
}

// New wires the orchestrator. Call Start to register bus handlers and begin
// the dispatch schedule.
func New(config *common.Config, storage interfaces.StorageManager, prov *provisioner.Provisioner,
	broker *tokens.Broker, server *ipc.Server, logger arbor.ILogger) *Orchestrator {

	o := &Orchestrator{
		config:      config,
		jobs:        storage.JobStorage(),
		areas:       storage.AreaStorage(),
		accounts:    storage.AccountStorage(),
		provisioner: prov,
		broker:      broker,
		server:      server,
		state:       NewBackendState(),
		logger:      logger,
		failureLogs: make(map[string][]string),
	}
	o.reconciler = NewLivenessReconciler(storage.JobStorage(), logger)
	return o
}

// State exposes the backend status cache
func (o *Orchestrator) State() *BackendState {
	return o.state
}

// OnShutdown sets the callback invoked by the SHUTDOWN admin command
func (o *Orchestrator) OnShutdown(fn func()) {
	o.onShutdown = fn
}

// Start registers bus handlers, recovers orphaned jobs from the previous
// run, seeds discovery for stored authorizations, and starts the dispatch
// schedule.
func (o *Orchestrator) Start(ctx context.Context) error {
	// Jobs left running or paused by the previous run are requeued before
	// anything can dispatch. Their checkpoints survive, so work resumes
	// mid-stream; the in-memory pause gate does not outlive a restart.
	running, err := o.jobs.ResetRunningToQueued(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover orphaned jobs: %w", err)
	}
	paused, err := o.jobs.ResetPausedToQueued(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover paused jobs: %w", err)
	}
	if running+paused > 0 {
		o.logger.Info().Int("requeued", running+paused).Msg("Requeued jobs orphaned by previous run")
	}

	o.registerHandlers()
	o.subscribeBusEvents()

	if err := o.seedDiscovery(ctx); err != nil {
		return err
	}

	o.scheduler = cron.New()
	dispatchSpec := fmt.Sprintf("@every %s", o.config.Scheduler.DispatchInterval)
	if _, err := o.scheduler.AddFunc(dispatchSpec, func() { o.DispatchNext(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule dispatch tick: %w", err)
	}
	// Hourly sweep re-runs discovery for accounts past the cooldown
	if _, err := o.scheduler.AddFunc("@every 1h", func() { o.sweepDiscovery(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule discovery sweep: %w", err)
	}
	o.scheduler.Start()

	o.logger.Info().
		Str("dispatch_interval", o.config.Scheduler.DispatchInterval.String()).
		Str("discovery_cooldown", o.config.Scheduler.DiscoveryCooldown.String()).
		Msg("Orchestrator started")
	return nil
}

// Stop halts the dispatch schedule
func (o *Orchestrator) Stop() {
	if o.scheduler != nil {
		o.scheduler.Stop()
	}
}

func (o *Orchestrator) registerHandlers() {
	o.server.Handle(models.TypeMessage, models.KeyJobUpdate, o.handleJobUpdate)
	o.server.Handle(models.TypeMessage, models.KeyStatusUpdate, o.handleStatusUpdate)
	o.server.Handle(models.TypeMessage, models.KeyAreaDiscovered, o.handleAreaDiscovered)
	o.server.Handle(models.TypeMessage, models.KeyJobFailureLogs, o.handleJobFailureLogs)
	o.server.Handle(models.TypeMessage, models.KeyTokenRefreshRequest, o.handleTokenRefreshRequest)

	o.server.Handle(models.TypeCommand, models.KeyPauseCrawler, o.handlePauseCommand)
	o.server.Handle(models.TypeCommand, models.KeyResumeCrawler, o.handleResumeCommand)
	o.server.Handle(models.TypeCommand, models.KeyGetStatus, o.handleGetStatus)
	o.server.Handle(models.TypeCommand, models.KeyShutdown, o.handleShutdownCommand)
}

func (o *Orchestrator) subscribeBusEvents() {
	events := o.server.Events()
	events.Subscribe(interfaces.BusEventRegistered, func(ctx context.Context, ev interfaces.BusEvent) {
		if ev.Connection.RemoteType == models.IdentityCrawler {
			o.state.SetConnected(true)
			// A fresh crawler is idle; dispatch without waiting for the tick
			o.DispatchNext(ctx)
		}
	})
	events.Subscribe(interfaces.BusEventDisconnected, func(ctx context.Context, ev interfaces.BusEvent) {
		if ev.Connection.RemoteType == models.IdentityCrawler {
			o.state.SetConnected(false)
			o.reconciler.Reconcile(ctx)
		}
	})
	events.Subscribe(interfaces.BusEventHeartbeatTimeout, func(ctx context.Context, ev interfaces.BusEvent) {
		if ev.Connection.RemoteType == models.IdentityCrawler {
			o.state.SetConnected(false)
			o.reconciler.Reconcile(ctx)
		}
	})
}

// seedDiscovery creates a discovery job for every stored authorization that
// has not completed one within the cooldown window
func (o *Orchestrator) seedDiscovery(ctx context.Context) error {
	accounts, err := o.accounts.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("failed to list accounts: %w", err)
	}
	for _, account := range accounts {
		if err := o.HandleAuthorization(ctx, account); err != nil {
			o.logger.Warn().
				Err(err).
				Str("account_id", account.ID).
				Msg("Failed to seed discovery for account")
		}
	}
	return nil
}

// HandleAuthorization reacts to a new or re-seen authorization. A discovery
// job is created unless one finished within the cooldown window; duplicate
// suppression handles the already-queued case.
func (o *Orchestrator) HandleAuthorization(ctx context.Context, account *models.Account) error {
	filter := interfaces.JobFilter{
		AccountID: account.ID,
		Command:   models.CommandGroupProjectDiscovery,
	}
	recent, err := o.jobs.FindRecentFinished(ctx, filter, o.config.Scheduler.DiscoveryCooldown)
	if err != nil {
		return err
	}
	if recent != nil {
		o.logger.Debug().
			Str("account_id", account.ID).
			Str("finished_at", recent.FinishedAt.Format(time.RFC3339)).
			Msg("Discovery within cooldown, skipping")
		return nil
	}

	job := &models.Job{
		ID:         common.NewJobID(),
		Command:    models.CommandGroupProjectDiscovery,
		Status:     models.JobStatusQueued,
		AccountID:  account.ID,
		ProviderID: account.ProviderID,
		UserID:     account.UserID,
	}
	_, created, err := o.jobs.InsertJobIfAbsent(ctx, job)
	if err != nil {
		return err
	}
	if created {
		o.logger.Info().
			Str("account_id", account.ID).
			Msg("Discovery job created for authorization")
	}
	return nil
}

// sweepDiscovery re-seeds discovery for all accounts; the cooldown check in
// HandleAuthorization keeps it from churning
func (o *Orchestrator) sweepDiscovery(ctx context.Context) {
	if err := o.seedDiscovery(ctx); err != nil {
		o.logger.Warn().Err(err).Msg("Discovery sweep failed")
	}
}

// handleAreaDiscovered records discovered namespaces and fans each new one
// out into its per-command job set
func (o *Orchestrator) handleAreaDiscovered(ctx context.Context, env *models.Envelope) error {
	var payload models.AreaDiscoveredPayload
	if err := env.DecodePayload(&payload); err != nil {
		return err
	}

	parent, err := o.jobs.GetJob(ctx, payload.JobID)
	if err != nil {
		return err
	}
	if parent == nil {
		return fmt.Errorf("area discovery references unknown job %s", payload.JobID)
	}

	for _, discovered := range payload.Areas {
		if discovered.FullPath == "" {
			continue
		}
		area := &models.Area{
			FullPath:     discovered.FullPath,
			GitLabID:     discovered.GitLabID,
			Name:         discovered.Name,
			Type:         discovered.Type,
			DiscoveredAt: time.Now(),
		}
		inserted, err := o.areas.InsertAreaIfAbsent(ctx, area)
		if err != nil {
			o.logger.Error().
				Err(err).
				Str("full_path", discovered.FullPath).
				Msg("Failed to record discovered area")
			continue
		}

		created := o.spawnAreaJobs(ctx, parent, discovered)
		o.logger.Info().
			Str("full_path", discovered.FullPath).
			Str("type", string(discovered.Type)).
			Bool("new_area", inserted).
			Int("jobs_created", created).
			Msg("Area discovered")
	}
	return nil
}

// spawnAreaJobs creates the command fan-out for one discovered area.
// Duplicate suppression makes re-discovery of a known area cheap: existing
// queued or running jobs absorb the insert.
func (o *Orchestrator) spawnAreaJobs(ctx context.Context, parent *models.Job, area models.DiscoveredArea) int {
	var commands []models.CrawlCommand
	switch area.Type {
	case models.AreaTypeGroup:
		commands = models.GroupCommands()
	case models.AreaTypeProject:
		commands = models.ProjectCommands()
	default:
		o.logger.Warn().
			Str("full_path", area.FullPath).
			Str("type", string(area.Type)).
			Msg("Discovered area has unknown type, no jobs spawned")
		return 0
	}

	created := 0
	for _, command := range commands {
		job := &models.Job{
			ID:               common.NewJobID(),
			Command:          command,
			Status:           models.JobStatusQueued,
			AccountID:        parent.AccountID,
			ProviderID:       parent.ProviderID,
			UserID:           parent.UserID,
			FullPath:         area.FullPath,
			GitLabGraphQLURL: parent.GitLabGraphQLURL,
			SpawnedFrom:      parent.ID,
		}
		_, ok, err := o.jobs.InsertJobIfAbsent(ctx, job)
		if err != nil {
			o.logger.Error().
				Err(err).
				Str("command", string(command)).
				Str("full_path", area.FullPath).
				Msg("Failed to spawn job for discovered area")
			continue
		}
		if ok {
			created++
		}
	}
	return created
}

// handleJobUpdate applies a crawler-reported state transition to the store
func (o *Orchestrator) handleJobUpdate(ctx context.Context, env *models.Envelope) error {
	var update models.JobUpdatePayload
	if err := env.DecodePayload(&update); err != nil {
		return err
	}

	log := o.logger.WithCorrelationId(update.JobID)

	switch update.Status {
	case models.JobUpdateCompleted:
		err := o.jobs.UpdateJobStatus(ctx, update.JobID, models.JobStatusFinished, &interfaces.JobUpdateFields{
			Progress:    update.Progress,
			ClearResume: true,
		})
		if err != nil {
			return err
		}
		o.state.CountFinished(false)
		log.Info().Msg("Job finished")

	case models.JobUpdateFailed:
		err := o.jobs.UpdateJobStatus(ctx, update.JobID, models.JobStatusFailed, &interfaces.JobUpdateFields{
			Error:    update.Error,
			Progress: update.Progress,
		})
		if err != nil {
			return err
		}
		o.state.CountFinished(true)
		log.Warn().Str("error", update.Error).Msg("Job failed")

	case models.JobUpdatePaused:
		fields := &interfaces.JobUpdateFields{Progress: update.Progress}
		if len(update.Progress) > 0 {
			state, err := json.Marshal(update.Progress)
			if err != nil {
				return fmt.Errorf("failed to serialize resume state for %s: %w", update.JobID, err)
			}
			fields.ResumeState = state
		}
		if err := o.jobs.UpdateJobStatus(ctx, update.JobID, models.JobStatusPaused, fields); err != nil {
			return err
		}
		o.state.CountFinished(false)
		log.Info().Msg("Job paused with checkpoint")

	default:
		return fmt.Errorf("unknown job update status %q for %s", update.Status, update.JobID)
	}

	// The crawler is free again; try to hand it the next job right away
	o.DispatchNext(ctx)
	return nil
}

func (o *Orchestrator) handleStatusUpdate(ctx context.Context, env *models.Envelope) error {
	var status models.StatusUpdatePayload
	if err := env.DecodePayload(&status); err != nil {
		return err
	}
	o.state.UpdateCrawlerStatus(status)
	return nil
}

// handleJobFailureLogs retains the crawler's crash context for a failed job
func (o *Orchestrator) handleJobFailureLogs(ctx context.Context, env *models.Envelope) error {
	var payload models.JobFailureLogsPayload
	if err := env.DecodePayload(&payload); err != nil {
		return err
	}

	lines := payload.Lines
	if len(lines) > failureLogLimit {
		lines = lines[len(lines)-failureLogLimit:]
	}

	o.failureMu.Lock()
	o.failureLogs[payload.JobID] = lines
	o.failureMu.Unlock()

	o.logger.Warn().
		Str("job_id", payload.JobID).
		Int("lines", len(lines)).
		Msg("Failure logs received for job")
	return nil
}

// FailureLogs returns the retained crash context for a job, if any
func (o *Orchestrator) FailureLogs(jobID string) []string {
	o.failureMu.Lock()
	defer o.failureMu.Unlock()
	return o.failureLogs[jobID]
}

// handleTokenRefreshRequest services a crawler refresh request and sends
// the correlated response back
func (o *Orchestrator) handleTokenRefreshRequest(ctx context.Context, env *models.Envelope) error {
	var req models.TokenRefreshRequest
	if err := env.DecodePayload(&req); err != nil {
		return err
	}

	resp := o.broker.HandleRequest(ctx, req)

	out, err := models.NewEnvelope(models.IdentityBackend, env.Origin,
		models.TypeMessage, models.KeyTokenRefreshResponse, resp)
	if err != nil {
		return err
	}
	return o.server.SendTo(env.Origin, out)
}

// DispatchNext claims the next runnable job and sends it to the crawler.
// Serialized so concurrent triggers (tick, jobUpdate, register) cannot
// double-dispatch; the single-active-job invariant is enforced here.
func (o *Orchestrator) DispatchNext(ctx context.Context) {
	o.dispatchMu.Lock()
	defer o.dispatchMu.Unlock()

	if o.state.DispatchPaused() {
		return
	}
	if !o.state.CrawlerIdle() {
		return
	}

	job, err := o.jobs.ClaimNextRunnable(ctx, interfaces.JobFilter{}, o.provisioner.Validate(ctx))
	if err != nil {
		o.logger.Error().Err(err).Msg("Claim failed")
		return
	}
	if job == nil {
		return
	}

	log := o.logger.WithCorrelationId(job.ID)

	task, err := o.provisioner.BuildTask(ctx, job)
	if err != nil {
		log.Warn().Err(err).Msg("Provisioning failed, marking job failed")
		o.failJob(ctx, job.ID, err.Error())
		return
	}

	env, err := models.NewEnvelope(models.IdentityBackend, models.IdentityCrawler,
		models.TypeCommand, models.KeyStartJob, task)
	if err != nil {
		log.Error().Err(err).Msg("Failed to build task envelope")
		o.requeueJob(ctx, job.ID)
		return
	}

	if err := o.server.SendTo(models.IdentityCrawler, env); err != nil {
		log.Warn().Err(err).Msg("Dispatch send failed, requeueing")
		o.requeueJob(ctx, job.ID)
		return
	}

	o.state.CountDispatched()
	log.Info().
		Str("command", string(job.Command)).
		Str("full_path", job.FullPath).
		Msg("Job dispatched")
}

func (o *Orchestrator) failJob(ctx context.Context, jobID, message string) {
	if err := o.jobs.UpdateJobStatus(ctx, jobID, models.JobStatusFailed,
		&interfaces.JobUpdateFields{Error: message}); err != nil {
		o.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to mark job failed")
	}
}

func (o *Orchestrator) requeueJob(ctx context.Context, jobID string) {
	if err := o.jobs.UpdateJobStatus(ctx, jobID, models.JobStatusQueued,
		&interfaces.JobUpdateFields{ClearStarted: true}); err != nil {
		o.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to requeue job")
	}
}
