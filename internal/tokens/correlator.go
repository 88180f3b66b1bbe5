package tokens

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/colligohq/colligo/internal/models"
)

// DefaultAwaitTimeout bounds how long a caller waits for a refresh response
const DefaultAwaitTimeout = 30 * time.Second

// Correlator matches asynchronous token refresh responses to the requests
// that caused them, keyed by request ID. Used on the crawler side where the
// refresh round-trips over the bus.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]chan models.TokenRefreshResponse
	logger  arbor.ILogger
}

// NewCorrelator creates an empty correlator
func NewCorrelator(logger arbor.ILogger) *Correlator {
	return &Correlator{
		pending: make(map[string]chan models.TokenRefreshResponse),
		logger:  logger,
	}
}

// Register creates a pending slot for a request ID and returns the channel
// the response will arrive on. The caller must follow with Await or Cancel.
func (c *Correlator) Register(requestID string) <-chan models.TokenRefreshResponse {
	ch := make(chan models.TokenRefreshResponse, 1)
	c.mu.Lock()
	c.pending[requestID] = ch
	c.mu.Unlock()
	return ch
}

// Resolve delivers a response to the waiting caller. Responses for unknown
// request IDs are dropped with a warning; the waiter may have timed out.
func (c *Correlator) Resolve(resp models.TokenRefreshResponse) {
	c.mu.Lock()
	ch, ok := c.pending[resp.RequestID]
	if ok {
		delete(c.pending, resp.RequestID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Warn().
			Str("request_id", resp.RequestID).
			Msg("Token refresh response with no pending request, dropped")
		return
	}
	ch <- resp
}

// Await blocks until the response arrives, the timeout elapses, or the
// context is cancelled
func (c *Correlator) Await(ctx context.Context, requestID string, ch <-chan models.TokenRefreshResponse, timeout time.Duration) (models.TokenRefreshResponse, error) {
	if timeout <= 0 {
		timeout = DefaultAwaitTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		c.Cancel(requestID)
		return models.TokenRefreshResponse{}, models.NewError(models.ErrKindTimeout, models.SeverityMedium,
			"timed out waiting for token refresh response", nil)
	case <-ctx.Done():
		c.Cancel(requestID)
		return models.TokenRefreshResponse{}, ctx.Err()
	}
}

// Cancel removes a pending slot without delivering a response
func (c *Correlator) Cancel(requestID string) {
	c.mu.Lock()
	delete(c.pending, requestID)
	c.mu.Unlock()
}
