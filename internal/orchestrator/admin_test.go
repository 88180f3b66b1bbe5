package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colligohq/colligo/internal/interfaces"
	"github.com/colligohq/colligo/internal/models"
)

func adminEnvelope(t *testing.T, key string) *models.Envelope {
	t.Helper()
	env, err := models.NewEnvelope(models.IdentitySupervisor, models.IdentityBackend,
		models.TypeCommand, key, nil)
	require.NoError(t, err)
	return env
}

func TestPauseResumeCommands(t *testing.T) {
	o, _ := testOrchestrator(t)
	ctx := context.Background()

	require.NoError(t, o.handlePauseCommand(ctx, adminEnvelope(t, models.KeyPauseCrawler)))
	assert.True(t, o.State().DispatchPaused())

	require.NoError(t, o.handleResumeCommand(ctx, adminEnvelope(t, models.KeyResumeCrawler)))
	assert.False(t, o.State().DispatchPaused())
}

func TestResumeRequeuesPausedJobs(t *testing.T) {
	o, store := testOrchestrator(t)
	ctx := context.Background()
	job := seedParentJob(t, store)

	require.NoError(t, o.handlePauseCommand(ctx, adminEnvelope(t, models.KeyPauseCrawler)))

	// The crawler acknowledges the pause with its checkpoint
	require.NoError(t, o.handleJobUpdate(ctx, envelopeFor(t, models.KeyJobUpdate, models.JobUpdatePayload{
		JobID:  job.ID,
		Status: models.JobUpdatePaused,
		Progress: map[string]*models.DataTypeProgress{
			"groups": {AfterCursor: "cur-g", Fetched: 40},
		},
	})))

	// While paused the row is not claimable
	got, err := store.JobStorage().ClaimNextRunnable(ctx, interfaces.JobFilter{}, nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, o.handleResumeCommand(ctx, adminEnvelope(t, models.KeyResumeCrawler)))

	// Resume put the job back in the queue with its checkpoint intact
	got, err = store.JobStorage().ClaimNextRunnable(ctx, interfaces.JobFilter{}, nil)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, job.ID, got.ID)
	require.True(t, got.HasResumeState())
	assert.Equal(t, "cur-g", got.ResumeProgress()["groups"].AfterCursor)
}

func TestShutdownCommand(t *testing.T) {
	o, _ := testOrchestrator(t)

	fired := make(chan struct{})
	o.OnShutdown(func() { close(fired) })

	require.NoError(t, o.handleShutdownCommand(context.Background(), adminEnvelope(t, models.KeyShutdown)))

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("shutdown hook never invoked")
	}
}
