package tokens

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/colligohq/colligo/internal/models"
)

func TestCorrelator_RegisterResolveAwait(t *testing.T) {
	c := NewCorrelator(arbor.NewLogger())
	ch := c.Register("req-1")

	go c.Resolve(models.TokenRefreshResponse{
		RequestID:   "req-1",
		Success:     true,
		AccessToken: "fresh",
	})

	resp, err := c.Await(context.Background(), "req-1", ch, time.Second)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "fresh", resp.AccessToken)
}

func TestCorrelator_AwaitTimeout(t *testing.T) {
	c := NewCorrelator(arbor.NewLogger())
	ch := c.Register("req-1")

	_, err := c.Await(context.Background(), "req-1", ch, 20*time.Millisecond)
	require.Error(t, err)
	var crawlErr *models.CrawlError
	require.ErrorAs(t, err, &crawlErr)
	assert.Equal(t, models.ErrKindTimeout, crawlErr.Kind)

	// The slot was cancelled, so a late response is dropped without blocking
	c.Resolve(models.TokenRefreshResponse{RequestID: "req-1"})
}

func TestCorrelator_AwaitContextCancelled(t *testing.T) {
	c := NewCorrelator(arbor.NewLogger())
	ch := c.Register("req-1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Await(ctx, "req-1", ch, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCorrelator_ResolveUnknownRequest(t *testing.T) {
	c := NewCorrelator(arbor.NewLogger())
	// Must not panic or block
	c.Resolve(models.TokenRefreshResponse{RequestID: "never-registered"})
}
