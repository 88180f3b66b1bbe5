// -----------------------------------------------------------------------
// Manager - crawler-side job lifecycle and bus handling
// -----------------------------------------------------------------------

package crawler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/colligohq/colligo/internal/common"
	"github.com/colligohq/colligo/internal/ipc"
	"github.com/colligohq/colligo/internal/models"
	"github.com/colligohq/colligo/internal/tokens"
)

// Manager states reported in status updates
const (
	StateIdle    = "idle"
	StateRunning = "running"
	StatePaused  = "paused"
)

// Manager runs the crawler side: it receives task descriptors off the bus,
// executes them one at a time, and reports state transitions back. Every
// piece of durable state lives with the backend; a crawler restart loses
// nothing but the in-flight page.
type Manager struct {
	config     *common.Config
	client     *ipc.Client
	executor   *Executor
	correlator *tokens.Correlator
	recorder   *logRecorder
	identity   string
	logger     arbor.ILogger

	mu          sync.Mutex
	state       string
	currentTask *models.StartJobPayload
	queue       []*models.StartJobPayload

	pauseFlag atomic.Bool

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	done     chan struct{}
}

// NewManager wires the crawler manager. The identity defaults from
// configuration; a generated one is used when unset.
func NewManager(config *common.Config, client *ipc.Client, logger arbor.ILogger) *Manager {
	identity := config.Server.CrawlerID
	if identity == "" {
		identity = common.NewCrawlerID()
	}

	m := &Manager{
		config:     config,
		client:     client,
		correlator: tokens.NewCorrelator(logger),
		recorder:   newLogRecorder(200),
		identity:   identity,
		state:      StateIdle,
		logger:     logger,
		done:       make(chan struct{}),
	}

	sink := NewFilesystemSink(config.Output.BasePath, logger)
	m.executor = NewExecutor(config, client, m.correlator, sink, identity, m.recorder, logger)
	return m
}

// Executor exposes the pagination engine (tests swap its fetcher factory)
func (m *Manager) Executor() *Executor {
	return m.executor
}

// Start registers bus handlers and begins the status ticker
func (m *Manager) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.client.Handle(models.TypeCommand, models.KeyStartJob, m.handleStartJob)
	m.client.Handle(models.TypeCommand, models.KeyPauseCrawler, m.handlePause)
	m.client.Handle(models.TypeCommand, models.KeyResumeCrawler, m.handleResume)
	m.client.Handle(models.TypeCommand, models.KeyGetStatus, m.handleGetStatus)
	m.client.Handle(models.TypeCommand, models.KeyShutdown, m.handleShutdown)
	m.client.Handle(models.TypeMessage, models.KeyTokenRefreshResponse, m.handleTokenRefreshResponse)

	m.wg.Add(1)
	go m.statusLoop()

	m.logger.Info().Str("identity", m.identity).Msg("Crawler manager started")
}

// Stop pauses any running job so it checkpoints, then shuts down
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.pauseFlag.Store(true)
		if m.cancel != nil {
			m.cancel()
		}
		m.wg.Wait()
		close(m.done)
	})
}

// Done is closed after Stop completes; the main loop exits on it when a
// shutdown arrives over the bus
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// handleStartJob queues a task descriptor and starts it if idle. Duplicate
// task IDs are dropped - redispatch after a reconnect is expected.
func (m *Manager) handleStartJob(ctx context.Context, env *models.Envelope) error {
	var task models.StartJobPayload
	if err := env.DecodePayload(&task); err != nil {
		return err
	}

	m.mu.Lock()
	if m.knownTaskLocked(task.TaskID) {
		m.mu.Unlock()
		m.logger.Debug().Str("task_id", task.TaskID).Msg("Duplicate task dropped")
		return nil
	}
	m.queue = append(m.queue, &task)
	queued := len(m.queue)
	m.mu.Unlock()

	m.logger.Info().
		Str("task_id", task.TaskID).
		Str("command", string(task.Command)).
		Int("queued", queued).
		Msg("Task accepted")

	m.TryStartNextJob()
	return nil
}

func (m *Manager) knownTaskLocked(taskID string) bool {
	if m.currentTask != nil && m.currentTask.TaskID == taskID {
		return true
	}
	for _, t := range m.queue {
		if t.TaskID == taskID {
			return true
		}
	}
	return false
}

// TryStartNextJob pops the queue when no job is active. Reentrant; at most
// one job runs at a time.
func (m *Manager) TryStartNextJob() {
	m.mu.Lock()
	if m.state != StateIdle || len(m.queue) == 0 {
		m.mu.Unlock()
		return
	}
	task := m.queue[0]
	m.queue = m.queue[1:]
	m.currentTask = task
	m.state = StateRunning
	m.mu.Unlock()

	m.wg.Add(1)
	go m.runJob(task)
}

func (m *Manager) runJob(task *models.StartJobPayload) {
	defer m.wg.Done()

	m.recorder.Reset()
	outcome := m.executor.Run(m.ctx, task, &m.pauseFlag)

	m.reportOutcome(task, outcome)

	m.mu.Lock()
	m.currentTask = nil
	if m.pauseFlag.Load() {
		m.state = StatePaused
	} else {
		m.state = StateIdle
	}
	m.mu.Unlock()

	m.sendStatus()
	m.TryStartNextJob()
}

// reportOutcome ships the terminal job update on the priority path, plus
// crash context for failures
func (m *Manager) reportOutcome(task *models.StartJobPayload, outcome Outcome) {
	update := models.JobUpdatePayload{
		JobID:     task.TaskID,
		Status:    outcome.Status,
		Error:     outcome.Error,
		Progress:  outcome.Progress,
		Timestamp: time.Now().UnixMilli(),
	}
	env, err := models.NewEnvelope(m.identity, models.IdentityBackend,
		models.TypeMessage, models.KeyJobUpdate, update)
	if err != nil {
		m.logger.Error().Err(err).Str("task_id", task.TaskID).Msg("Failed to build job update")
		return
	}
	if err := m.client.SendPriority(env); err != nil {
		m.logger.Error().Err(err).Str("task_id", task.TaskID).Msg("Failed to send job update")
	}

	if outcome.Status != models.JobUpdateFailed {
		return
	}
	logs, err := models.NewEnvelope(m.identity, models.IdentityBackend,
		models.TypeMessage, models.KeyJobFailureLogs,
		models.JobFailureLogsPayload{JobID: task.TaskID, Lines: m.recorder.Snapshot()})
	if err == nil {
		m.client.Send(logs)
	}
}

// handlePause sets the pause flag; the executor checkpoints at the next
// page boundary and reports paused
func (m *Manager) handlePause(ctx context.Context, env *models.Envelope) error {
	m.pauseFlag.Store(true)

	m.mu.Lock()
	if m.state == StateIdle {
		m.state = StatePaused
	}
	m.mu.Unlock()

	m.logger.Info().Msg("Pause requested")
	m.sendStatus()
	return nil
}

// handleResume clears the pause flag and picks the queue back up
func (m *Manager) handleResume(ctx context.Context, env *models.Envelope) error {
	m.pauseFlag.Store(false)

	m.mu.Lock()
	if m.state == StatePaused {
		m.state = StateIdle
	}
	m.mu.Unlock()

	m.logger.Info().Msg("Resume requested")
	m.sendStatus()
	m.TryStartNextJob()
	return nil
}

func (m *Manager) handleGetStatus(ctx context.Context, env *models.Envelope) error {
	m.sendStatus()
	return nil
}

// handleShutdown pauses the running job so it checkpoints, then exits the
// process loop via context cancellation
func (m *Manager) handleShutdown(ctx context.Context, env *models.Envelope) error {
	m.logger.Info().Msg("Shutdown requested over bus")
	m.Stop()
	return nil
}

func (m *Manager) handleTokenRefreshResponse(ctx context.Context, env *models.Envelope) error {
	var resp models.TokenRefreshResponse
	if err := env.DecodePayload(&resp); err != nil {
		return err
	}
	m.correlator.Resolve(resp)
	return nil
}

// statusLoop reports runtime state on the heartbeat cadence
func (m *Manager) statusLoop() {
	defer m.wg.Done()

	interval := m.config.IPC.HeartbeatInterval
	if interval <= 0 {
		interval = ipc.DefaultHeartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sendHeartbeat()
			m.sendStatus()
		}
	}
}

func (m *Manager) sendHeartbeat() {
	m.mu.Lock()
	var active []string
	if m.currentTask != nil {
		active = append(active, m.currentTask.TaskID)
	}
	state := m.state
	m.mu.Unlock()

	env, err := models.NewEnvelope(m.identity, models.IdentityBackend,
		models.TypeHeartbeat, models.KeyHeartbeat,
		models.HeartbeatPayload{
			Timestamp:    time.Now().UnixMilli(),
			ActiveJobs:   active,
			SystemStatus: state,
		})
	if err != nil {
		return
	}
	m.client.Send(env)
}

func (m *Manager) sendStatus() {
	m.mu.Lock()
	status := models.StatusUpdatePayload{
		State:         m.state,
		QueueSize:     len(m.queue),
		LastHeartbeat: time.Now().UnixMilli(),
	}
	if m.currentTask != nil {
		status.CurrentJobID = m.currentTask.TaskID
	}
	m.mu.Unlock()

	env, err := models.NewEnvelope(m.identity, models.IdentityBackend,
		models.TypeMessage, models.KeyStatusUpdate, status)
	if err != nil {
		return
	}
	m.client.Send(env)
}
