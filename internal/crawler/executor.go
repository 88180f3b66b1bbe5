// -----------------------------------------------------------------------
// Executor - cursor pagination over one task descriptor
// -----------------------------------------------------------------------

package crawler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/colligohq/colligo/internal/common"
	"github.com/colligohq/colligo/internal/gitlab"
	"github.com/colligohq/colligo/internal/interfaces"
	"github.com/colligohq/colligo/internal/models"
	"github.com/colligohq/colligo/internal/tokens"
)

// errPaused aborts pagination loops when the pause flag is set. Checked
// between pages, never mid-request.
var errPaused = errors.New("paused")

// discoveryBatchSize caps areas per AREA_DISCOVERED message
const discoveryBatchSize = 50

// Fetcher is the page-fetch surface of the GitLab client, split out so
// tests can drive the pagination engine without a server
type Fetcher interface {
	FetchPage(ctx context.Context, def gitlab.QueryDef, variables map[string]interface{}) (*gitlab.Page, error)
	SetToken(token string)
}

// FetcherFactory builds a fetcher for one task descriptor
type FetcherFactory func(task *models.StartJobPayload) Fetcher

// Outcome is the terminal result of one task execution
type Outcome struct {
	Status   string // completed, failed, paused
	Error    string
	Progress map[string]*models.DataTypeProgress
}

// Executor walks every data type of a task through cursor pagination,
// writing records to the sink and checkpointing cursors in the progress
// map. It holds no state between tasks.
type Executor struct {
	config     *common.Config
	sender     interfaces.EnvelopeSender
	correlator *tokens.Correlator
	sink       Sink
	newFetcher FetcherFactory
	identity   string
	recorder   *logRecorder
	logger     arbor.ILogger
}

// NewExecutor creates an executor. A nil factory gets the real GraphQL
// client.
func NewExecutor(config *common.Config, sender interfaces.EnvelopeSender, correlator *tokens.Correlator,
	sink Sink, identity string, recorder *logRecorder, logger arbor.ILogger) *Executor {

	e := &Executor{
		config:     config,
		sender:     sender,
		correlator: correlator,
		sink:       sink,
		identity:   identity,
		recorder:   recorder,
		logger:     logger,
	}
	e.newFetcher = func(task *models.StartJobPayload) Fetcher {
		return gitlab.NewClient(gitlab.ClientOptions{
			Endpoint:       task.GitLabAPIURL,
			AccessToken:    task.Credentials.AccessToken,
			RequestTimeout: config.Crawler.RequestTimeout,
			PageThrottle:   config.Crawler.PageThrottle,
		}, logger)
	}
	return e
}

// SetFetcherFactory overrides how fetchers are built (tests)
func (e *Executor) SetFetcherFactory(factory FetcherFactory) {
	e.newFetcher = factory
}

// Run executes one task to a terminal outcome. The paused flag is sampled
// between page fetches; a set flag checkpoints and returns a paused outcome
// with the cursors intact.
func (e *Executor) Run(ctx context.Context, task *models.StartJobPayload, paused *atomic.Bool) Outcome {
	log := e.logger.WithCorrelationId(task.TaskID)
	fetcher := e.newFetcher(task)
	progress := decodeResume(task.CustomParameters.ResumeState)

	log.Info().
		Str("command", string(task.Command)).
		Str("full_path", task.FullPath).
		Bool("resuming", len(progress) > 0).
		Msg("Task started")
	e.recorder.Add(fmt.Sprintf("task %s started: %s %s", task.TaskID, task.Command, task.FullPath))

	var err error
	if task.Command == models.CommandGroupProjectDiscovery {
		err = e.runDiscovery(ctx, fetcher, task, progress, paused, log)
	} else {
		for _, dataType := range task.DataTypes {
			if err = e.runDataType(ctx, fetcher, task, dataType, progress, paused, log); err != nil {
				break
			}
		}
	}

	// A cancellation during shutdown behaves like a pause: the checkpoint
	// is intact and the backend requeues the job.
	if errors.Is(err, context.Canceled) && paused.Load() {
		err = errPaused
	}

	switch {
	case errors.Is(err, errPaused):
		log.Info().Msg("Task paused at page boundary")
		return Outcome{Status: models.JobUpdatePaused, Progress: progress}
	case err != nil:
		log.Warn().Err(err).Msg("Task failed")
		e.recorder.Add(fmt.Sprintf("task %s failed: %v", task.TaskID, err))
		return Outcome{Status: models.JobUpdateFailed, Error: err.Error(), Progress: progress}
	default:
		log.Info().Msg("Task completed")
		return Outcome{Status: models.JobUpdateCompleted, Progress: progress}
	}
}

// runDataType pages one data type to exhaustion. Natural exhaustion clears
// the cursor so a later re-run starts from the beginning.
func (e *Executor) runDataType(ctx context.Context, fetcher Fetcher, task *models.StartJobPayload,
	dataType string, progress map[string]*models.DataTypeProgress, paused *atomic.Bool, log arbor.ILogger) error {

	def, err := gitlab.QueryFor(task.ResourceType, dataType)
	if err != nil {
		return err
	}

	dt := progress[dataType]
	if dt == nil {
		dt = &models.DataTypeProgress{}
		progress[dataType] = dt
	}

	target := task.FullPath
	if target == "" {
		target = task.ResourceType
	}

	for {
		if paused.Load() {
			return errPaused
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		variables := map[string]interface{}{
			"fullPath": task.FullPath,
			"first":    e.config.Crawler.PageSize,
		}
		if dt.AfterCursor != "" {
			variables["after"] = dt.AfterCursor
		}
		if task.CustomParameters.Branch != "" {
			variables["branch"] = task.CustomParameters.Branch
		}

		page, err := e.fetchWithRefresh(ctx, fetcher, task, def, variables)
		if err != nil {
			dt.ErrorCount++
			return fmt.Errorf("%s page fetch failed: %w", dataType, err)
		}

		for _, record := range page.Nodes {
			if err := e.sink.Write(target, dataType, record); err != nil {
				return err
			}
		}

		// Crawled project and subgroup pages seed jobs for what they list
		if areaType, ok := discoveredAreaType(task.Command); ok {
			e.announceAreas(task, areaType, page.Nodes, log)
		}

		now := time.Now()
		dt.LastAttempt = &now
		dt.Fetched += len(page.Nodes)
		if page.Count > 0 {
			dt.Total = page.Count
		}

		e.recorder.Add(fmt.Sprintf("%s/%s: page of %d (total %d)", target, dataType, len(page.Nodes), dt.Fetched))

		if page.PageInfo.HasNextPage && page.PageInfo.EndCursor != "" {
			dt.AfterCursor = page.PageInfo.EndCursor
			continue
		}

		dt.AfterCursor = ""
		log.Debug().
			Str("data_type", dataType).
			Int("fetched", dt.Fetched).
			Msg("Data type exhausted")
		return nil
	}
}

// discoveredAreaType maps the area-enumerating crawl commands onto the
// area type their pages carry. The dedicated discovery walk handles
// GROUP_PROJECT_DISCOVERY itself.
func discoveredAreaType(command models.CrawlCommand) (models.AreaType, bool) {
	if !models.IsDiscoveryCommand(command) {
		return "", false
	}
	switch command {
	case models.CommandGroupProjects:
		return models.AreaTypeProject, true
	case models.CommandGroupSubgroups:
		return models.AreaTypeGroup, true
	}
	return "", false
}

// runDiscovery enumerates every visible group, then every visible project,
// announcing each page on the priority path. The two walks keep independent
// cursors so a pause mid-projects does not re-walk groups.
func (e *Executor) runDiscovery(ctx context.Context, fetcher Fetcher, task *models.StartJobPayload,
	progress map[string]*models.DataTypeProgress, paused *atomic.Bool, log arbor.ILogger) error {

	if err := e.discoveryWalk(ctx, fetcher, task, gitlab.DiscoveryGroupsQuery,
		models.AreaTypeGroup, "groups", progress, paused, log); err != nil {
		return err
	}
	return e.discoveryWalk(ctx, fetcher, task, gitlab.DiscoveryProjectsQuery,
		models.AreaTypeProject, "projects", progress, paused, log)
}

func (e *Executor) discoveryWalk(ctx context.Context, fetcher Fetcher, task *models.StartJobPayload,
	def gitlab.QueryDef, areaType models.AreaType, progressKey string,
	progress map[string]*models.DataTypeProgress, paused *atomic.Bool, log arbor.ILogger) error {

	dt := progress[progressKey]
	if dt == nil {
		dt = &models.DataTypeProgress{}
		progress[progressKey] = dt
	}
	// Already walked to exhaustion on a previous attempt
	if dt.LastAttempt != nil && dt.AfterCursor == "" {
		return nil
	}

	for {
		if paused.Load() {
			return errPaused
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		variables := map[string]interface{}{
			"first": e.config.Crawler.PageSize,
		}
		if dt.AfterCursor != "" {
			variables["after"] = dt.AfterCursor
		}

		page, err := e.fetchWithRefresh(ctx, fetcher, task, def, variables)
		if err != nil {
			dt.ErrorCount++
			return fmt.Errorf("%s discovery page failed: %w", progressKey, err)
		}

		e.announceAreas(task, areaType, page.Nodes, log)

		now := time.Now()
		dt.LastAttempt = &now
		dt.Fetched += len(page.Nodes)
		if page.Count > 0 {
			dt.Total = page.Count
		}

		if page.PageInfo.HasNextPage && page.PageInfo.EndCursor != "" {
			dt.AfterCursor = page.PageInfo.EndCursor
			continue
		}

		dt.AfterCursor = ""
		log.Info().
			Str("kind", progressKey).
			Int("found", dt.Fetched).
			Msg("Discovery walk finished")
		return nil
	}
}

// announceAreas sends discovered namespaces to the backend in batches.
// Send problems are logged, never propagated - the next discovery run
// re-finds anything lost.
func (e *Executor) announceAreas(task *models.StartJobPayload, areaType models.AreaType,
	nodes []json.RawMessage, log arbor.ILogger) {

	areas := make([]models.DiscoveredArea, 0, len(nodes))
	for _, node := range nodes {
		var raw struct {
			ID       string `json:"id"`
			Name     string `json:"name"`
			FullPath string `json:"fullPath"`
		}
		if err := json.Unmarshal(node, &raw); err != nil || raw.FullPath == "" {
			log.Warn().Err(err).Msg("Discovery node missing fullPath, skipped")
			continue
		}
		areas = append(areas, models.DiscoveredArea{
			FullPath: raw.FullPath,
			GitLabID: raw.ID,
			Name:     raw.Name,
			Type:     areaType,
		})
	}

	for start := 0; start < len(areas); start += discoveryBatchSize {
		end := start + discoveryBatchSize
		if end > len(areas) {
			end = len(areas)
		}
		env, err := models.NewEnvelope(e.identity, models.IdentityBackend,
			models.TypeMessage, models.KeyAreaDiscovered,
			models.AreaDiscoveredPayload{JobID: task.TaskID, Areas: areas[start:end]})
		if err != nil {
			log.Error().Err(err).Msg("Failed to build discovery message")
			continue
		}
		if err := e.sender.SendPriority(env); err != nil {
			log.Error().Err(err).Msg("Failed to send discovery message")
		}
	}
}

// fetchWithRefresh fetches one page, refreshing the token over the bus and
// retrying once on a 401
func (e *Executor) fetchWithRefresh(ctx context.Context, fetcher Fetcher, task *models.StartJobPayload,
	def gitlab.QueryDef, variables map[string]interface{}) (*gitlab.Page, error) {

	page, err := fetcher.FetchPage(ctx, def, variables)
	if !gitlab.IsUnauthorized(err) {
		return page, err
	}

	e.recorder.Add(fmt.Sprintf("task %s: 401 from api, refreshing token", task.TaskID))
	if err := e.refreshToken(ctx, fetcher, task); err != nil {
		return nil, err
	}
	return fetcher.FetchPage(ctx, def, variables)
}

// refreshToken round-trips a refresh request through the backend broker
func (e *Executor) refreshToken(ctx context.Context, fetcher Fetcher, task *models.StartJobPayload) error {
	requestID := common.NewRequestID()
	ch := e.correlator.Register(requestID)

	env, err := models.NewEnvelope(e.identity, models.IdentityBackend,
		models.TypeMessage, models.KeyTokenRefreshRequest,
		models.TokenRefreshRequest{
			RequestID:  requestID,
			ProviderID: task.ProviderID,
			AccountID:  task.AccountID,
			UserID:     task.UserID,
		})
	if err != nil {
		e.correlator.Cancel(requestID)
		return err
	}
	if err := e.sender.SendPriority(env); err != nil {
		e.correlator.Cancel(requestID)
		return err
	}

	resp, err := e.correlator.Await(ctx, requestID, ch, e.config.Crawler.TokenWaitTimeout)
	if err != nil {
		return err
	}
	if !resp.Success {
		return models.NewError(models.ErrKindAuthentication, models.SeverityHigh,
			"token refresh rejected: "+resp.Error, nil)
	}

	fetcher.SetToken(resp.AccessToken)
	task.Credentials.AccessToken = resp.AccessToken
	if resp.RefreshToken != "" {
		task.Credentials.RefreshToken = resp.RefreshToken
	}
	e.logger.Info().Str("task_id", task.TaskID).Msg("Token refreshed mid-task")
	return nil
}

// decodeResume parses a checkpoint into the per-dataType progress map.
// Unreadable state starts the task from scratch rather than failing it.
func decodeResume(state json.RawMessage) map[string]*models.DataTypeProgress {
	progress := make(map[string]*models.DataTypeProgress)
	if len(state) == 0 || string(state) == "null" {
		return progress
	}
	if err := json.Unmarshal(state, &progress); err != nil {
		return make(map[string]*models.DataTypeProgress)
	}
	for key, dt := range progress {
		if dt == nil {
			delete(progress, key)
		}
	}
	return progress
}
