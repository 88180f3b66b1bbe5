package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/colligohq/colligo/internal/common"
	"github.com/colligohq/colligo/internal/interfaces"
	"github.com/colligohq/colligo/internal/ipc"
	"github.com/colligohq/colligo/internal/models"
	"github.com/colligohq/colligo/internal/provisioner"
	"github.com/colligohq/colligo/internal/storage/badger"
	"github.com/colligohq/colligo/internal/tokens"
)

func testOrchestrator(t *testing.T) (*Orchestrator, interfaces.StorageManager) {
	t.Helper()
	config := common.DefaultConfig()
	config.Auth.Providers["gitlab"] = common.OAuthProviderConfig{
		BaseURL:      "https://gitlab.example.com",
		ClientID:     "client-id",
		ClientSecret: "client-secret",
	}
	config.Output.BasePath = t.TempDir()

	store, err := badger.NewManager(arbor.NewLogger(), &common.BadgerConfig{
		Path: t.TempDir() + "/db",
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger := arbor.NewLogger()
	broker := tokens.NewBroker(config, store.AccountStorage(), logger)
	prov := provisioner.New(config, store, broker, logger)
	server := ipc.NewServer(ipc.ServerOptions{}, logger)

	return New(config, store, prov, broker, server, logger), store
}

func seedParentJob(t *testing.T, store interfaces.StorageManager) *models.Job {
	t.Helper()
	parent := &models.Job{
		ID:         common.NewJobID(),
		Command:    models.CommandGroupProjectDiscovery,
		Status:     models.JobStatusRunning,
		AccountID:  "acct-1",
		ProviderID: "gitlab",
		UserID:     "user-1",
	}
	require.NoError(t, store.JobStorage().SaveJob(context.Background(), parent))
	return parent
}

func envelopeFor(t *testing.T, key string, payload interface{}) *models.Envelope {
	t.Helper()
	env, err := models.NewEnvelope(models.IdentityCrawler, models.IdentityBackend,
		models.TypeMessage, key, payload)
	require.NoError(t, err)
	return env
}

func TestHandleAuthorization(t *testing.T) {
	o, store := testOrchestrator(t)
	ctx := context.Background()
	account := &models.Account{ID: "acct-1", ProviderID: "gitlab"}

	require.NoError(t, o.HandleAuthorization(ctx, account))

	jobs, err := store.JobStorage().ListJobs(ctx, interfaces.JobFilter{
		AccountID: "acct-1",
		Command:   models.CommandGroupProjectDiscovery,
	})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.JobStatusQueued, jobs[0].Status)

	// Re-seen authorization is absorbed by the queued job
	require.NoError(t, o.HandleAuthorization(ctx, account))
	jobs, err = store.JobStorage().ListJobs(ctx, interfaces.JobFilter{AccountID: "acct-1"})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestHandleAuthorization_CooldownSkip(t *testing.T) {
	o, store := testOrchestrator(t)
	ctx := context.Background()
	account := &models.Account{ID: "acct-1", ProviderID: "gitlab"}

	require.NoError(t, o.HandleAuthorization(ctx, account))
	jobs, err := store.JobStorage().ListJobs(ctx, interfaces.JobFilter{AccountID: "acct-1"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	// A recently finished discovery suppresses the reseed
	require.NoError(t, store.JobStorage().UpdateJobStatus(ctx, jobs[0].ID, models.JobStatusFinished, nil))
	require.NoError(t, o.HandleAuthorization(ctx, account))

	jobs, err = store.JobStorage().ListJobs(ctx, interfaces.JobFilter{AccountID: "acct-1"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.JobStatusFinished, jobs[0].Status)
}

func TestHandleAreaDiscovered_FanOut(t *testing.T) {
	o, store := testOrchestrator(t)
	ctx := context.Background()
	parent := seedParentJob(t, store)

	env := envelopeFor(t, models.KeyAreaDiscovered, models.AreaDiscoveredPayload{
		JobID: parent.ID,
		Areas: []models.DiscoveredArea{
			{FullPath: "acme", GitLabID: "gid://gitlab/Group/1", Name: "acme", Type: models.AreaTypeGroup},
			{FullPath: "acme/widgets", GitLabID: "gid://gitlab/Project/2", Name: "widgets", Type: models.AreaTypeProject},
		},
	})
	require.NoError(t, o.handleAreaDiscovered(ctx, env))

	count, err := store.AreaStorage().CountAreas(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	groupJobs, err := store.JobStorage().ListJobs(ctx, interfaces.JobFilter{AccountID: "acct-1"})
	require.NoError(t, err)
	// Parent plus one job per fan-out command
	want := 1 + len(models.GroupCommands()) + len(models.ProjectCommands())
	assert.Len(t, groupJobs, want)

	for _, job := range groupJobs {
		if job.ID == parent.ID {
			continue
		}
		assert.Equal(t, parent.ID, job.SpawnedFrom)
		assert.Equal(t, models.JobStatusQueued, job.Status)
	}

	// Re-discovery of the same areas creates nothing new
	require.NoError(t, o.handleAreaDiscovered(ctx, env))
	again, err := store.JobStorage().ListJobs(ctx, interfaces.JobFilter{AccountID: "acct-1"})
	require.NoError(t, err)
	assert.Len(t, again, want)
}

func TestHandleAreaDiscovered_UnknownParent(t *testing.T) {
	o, _ := testOrchestrator(t)
	env := envelopeFor(t, models.KeyAreaDiscovered, models.AreaDiscoveredPayload{
		JobID: "job_ghost",
		Areas: []models.DiscoveredArea{{FullPath: "acme", Type: models.AreaTypeGroup}},
	})
	assert.Error(t, o.handleAreaDiscovered(context.Background(), env))
}

func TestHandleJobUpdate_Completed(t *testing.T) {
	o, store := testOrchestrator(t)
	ctx := context.Background()
	job := seedParentJob(t, store)

	env := envelopeFor(t, models.KeyJobUpdate, models.JobUpdatePayload{
		JobID:  job.ID,
		Status: models.JobUpdateCompleted,
		Progress: map[string]*models.DataTypeProgress{
			"groups": {Fetched: 12},
		},
	})
	require.NoError(t, o.handleJobUpdate(ctx, env))

	stored, err := store.JobStorage().GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFinished, stored.Status)
	assert.False(t, stored.HasResumeState())
	assert.NotNil(t, stored.FinishedAt)
	assert.Equal(t, 1, o.State().Snapshot().JobsFinished)
}

func TestHandleJobUpdate_Failed(t *testing.T) {
	o, store := testOrchestrator(t)
	ctx := context.Background()
	job := seedParentJob(t, store)

	env := envelopeFor(t, models.KeyJobUpdate, models.JobUpdatePayload{
		JobID:  job.ID,
		Status: models.JobUpdateFailed,
		Error:  "graphql errors: access denied",
	})
	require.NoError(t, o.handleJobUpdate(ctx, env))

	stored, err := store.JobStorage().GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	assert.Equal(t, "graphql errors: access denied", stored.Error)
	assert.Equal(t, 1, o.State().Snapshot().JobsFailed)
}

func TestHandleJobUpdate_PausedPersistsCheckpoint(t *testing.T) {
	o, store := testOrchestrator(t)
	ctx := context.Background()
	job := seedParentJob(t, store)

	progress := map[string]*models.DataTypeProgress{
		"groups":   {AfterCursor: "cur-g", Fetched: 40},
		"projects": {AfterCursor: "", Fetched: 0},
	}
	env := envelopeFor(t, models.KeyJobUpdate, models.JobUpdatePayload{
		JobID:    job.ID,
		Status:   models.JobUpdatePaused,
		Progress: progress,
	})
	require.NoError(t, o.handleJobUpdate(ctx, env))

	stored, err := store.JobStorage().GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPaused, stored.Status)
	require.True(t, stored.HasResumeState())

	var resumed map[string]*models.DataTypeProgress
	require.NoError(t, json.Unmarshal(stored.ResumeState, &resumed))
	assert.Equal(t, "cur-g", resumed["groups"].AfterCursor)
	assert.Equal(t, 40, resumed["groups"].Fetched)
}

func TestHandleJobUpdate_UnknownStatus(t *testing.T) {
	o, store := testOrchestrator(t)
	job := seedParentJob(t, store)

	env := envelopeFor(t, models.KeyJobUpdate, models.JobUpdatePayload{
		JobID:  job.ID,
		Status: "exploded",
	})
	assert.Error(t, o.handleJobUpdate(context.Background(), env))
}

func TestHandleJobFailureLogs(t *testing.T) {
	o, _ := testOrchestrator(t)

	lines := make([]string, failureLogLimit+50)
	for i := range lines {
		lines[i] = fmt.Sprintf("line %d", i)
	}
	env := envelopeFor(t, models.KeyJobFailureLogs, models.JobFailureLogsPayload{
		JobID: "job_1",
		Lines: lines,
	})
	require.NoError(t, o.handleJobFailureLogs(context.Background(), env))

	kept := o.FailureLogs("job_1")
	require.Len(t, kept, failureLogLimit)
	// Oldest lines are dropped first
	assert.Equal(t, "line 50", kept[0])
	assert.Equal(t, fmt.Sprintf("line %d", failureLogLimit+49), kept[failureLogLimit-1])

	assert.Nil(t, o.FailureLogs("job_unknown"))
}

func TestHandleStatusUpdate(t *testing.T) {
	o, _ := testOrchestrator(t)

	env := envelopeFor(t, models.KeyStatusUpdate, models.StatusUpdatePayload{
		State:        "running",
		CurrentJobID: "job_9",
		QueueSize:    3,
	})
	require.NoError(t, o.handleStatusUpdate(context.Background(), env))

	snap := o.State().Snapshot()
	assert.Equal(t, "running", snap.CrawlerStatus.State)
	assert.Equal(t, "job_9", snap.CrawlerStatus.CurrentJobID)
	assert.NotZero(t, snap.LastStatusAt)
}

func TestBackendState(t *testing.T) {
	s := NewBackendState()
	assert.False(t, s.CrawlerIdle(), "disconnected crawler is never idle")

	s.SetConnected(true)
	assert.True(t, s.CrawlerIdle())

	s.CountDispatched()
	assert.False(t, s.CrawlerIdle(), "dispatch occupies the crawler until confirmed")

	s.CountFinished(false)
	assert.True(t, s.CrawlerIdle())

	s.UpdateCrawlerStatus(models.StatusUpdatePayload{State: "running", CurrentJobID: "job_1"})
	assert.False(t, s.CrawlerIdle())

	s.SetConnected(false)
	assert.False(t, s.CrawlerIdle())
	assert.Empty(t, s.Snapshot().CrawlerStatus.CurrentJobID, "disconnect clears stale status")

	snap := s.Snapshot()
	assert.Equal(t, 1, snap.JobsDispatched)
	assert.Equal(t, 1, snap.JobsFinished)
	assert.Equal(t, 0, snap.JobsFailed)
}

func TestDispatchNext_SkipsWhenPausedOrBusy(t *testing.T) {
	o, store := testOrchestrator(t)
	ctx := context.Background()

	require.NoError(t, store.AccountStorage().SaveAccount(ctx, &models.Account{
		ID: "acct-1", ProviderID: "gitlab", AccessToken: "token",
	}))
	queued := &models.Job{
		ID:        common.NewJobID(),
		Command:   models.CommandGroupProjectDiscovery,
		Status:    models.JobStatusQueued,
		AccountID: "acct-1",
	}
	require.NoError(t, store.JobStorage().SaveJob(ctx, queued))

	// Not connected: nothing is claimed
	o.DispatchNext(ctx)
	stored, err := store.JobStorage().GetJob(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, stored.Status)

	// Paused: still nothing, even with an idle crawler
	o.State().SetConnected(true)
	o.State().SetDispatchPaused(true)
	o.DispatchNext(ctx)
	stored, err = store.JobStorage().GetJob(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, stored.Status)
}

func TestDispatchNext_RequeuesWhenSendFails(t *testing.T) {
	o, store := testOrchestrator(t)
	ctx := context.Background()

	require.NoError(t, store.AccountStorage().SaveAccount(ctx, &models.Account{
		ID: "acct-1", ProviderID: "gitlab", AccessToken: "token",
	}))
	queued := &models.Job{
		ID:        common.NewJobID(),
		Command:   models.CommandGroupProjectDiscovery,
		Status:    models.JobStatusQueued,
		AccountID: "acct-1",
	}
	require.NoError(t, store.JobStorage().SaveJob(ctx, queued))

	// Idle crawler in the cache but no live connection: the claim succeeds
	// and the failed send puts the job back
	o.State().SetConnected(true)
	o.DispatchNext(ctx)

	stored, err := store.JobStorage().GetJob(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, stored.Status)
	assert.Nil(t, stored.StartedAt)
}

func TestLivenessReconciler_Coalesces(t *testing.T) {
	_, store := testOrchestrator(t)
	ctx := context.Background()

	running := seedParentJob(t, store)
	reconciler := NewLivenessReconciler(store.JobStorage(), arbor.NewLogger())

	reconciler.Reconcile(ctx)
	reconciler.Reconcile(ctx)

	stored, err := store.JobStorage().GetJob(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, stored.Status)
	assert.Nil(t, stored.StartedAt)
}

func TestLivenessReconciler_RequeuesPaused(t *testing.T) {
	_, store := testOrchestrator(t)
	ctx := context.Background()

	// A crawler shutdown parks its job as paused just before the drop
	job := seedParentJob(t, store)
	state := json.RawMessage(`{"groups":{"afterCursor":"cur-g","fetched":40}}`)
	require.NoError(t, store.JobStorage().UpdateJobStatus(ctx, job.ID, models.JobStatusPaused, &interfaces.JobUpdateFields{
		ResumeState: state,
	}))

	reconciler := NewLivenessReconciler(store.JobStorage(), arbor.NewLogger())
	reconciler.Reconcile(ctx)

	stored, err := store.JobStorage().GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, stored.Status)
	require.True(t, stored.HasResumeState())
	assert.Equal(t, "cur-g", stored.ResumeProgress()["groups"].AfterCursor)
}
