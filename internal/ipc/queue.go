package ipc

import (
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/colligohq/colligo/internal/models"
)

// DefaultQueueLimit bounds the outgoing queue while disconnected
const DefaultQueueLimit = 1000

// pruneFraction of the oldest prunable messages dropped when the queue
// fills. Heartbeats and status updates are idempotent - the next one
// re-establishes the peer's view.
const pruneFraction = 0.2

// OutgoingQueue buffers envelopes while the peer is unreachable. Normal
// messages are loss-tolerant and pruned under pressure; priority messages
// (job-state transitions, discoveries) are never pruned.
type OutgoingQueue struct {
	mu       sync.Mutex
	normal   []*models.Envelope
	priority []*models.Envelope
	limit    int
	logger   arbor.ILogger
}

// NewOutgoingQueue creates a bounded queue
func NewOutgoingQueue(limit int, logger arbor.ILogger) *OutgoingQueue {
	if limit <= 0 {
		limit = DefaultQueueLimit
	}
	return &OutgoingQueue{
		limit:  limit,
		logger: logger,
	}
}

// Enqueue adds a prunable message, dropping the oldest 20% when full
func (q *OutgoingQueue) Enqueue(env *models.Envelope) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.normal) >= q.limit {
		drop := int(float64(q.limit) * pruneFraction)
		if drop < 1 {
			drop = 1
		}
		q.normal = append(q.normal[:0], q.normal[drop:]...)
		q.logger.Warn().
			Int("dropped", drop).
			Int("limit", q.limit).
			Msg("Outgoing queue full, pruned oldest messages")
	}
	q.normal = append(q.normal, env)
}

// EnqueuePriority adds a message exempt from pruning
func (q *OutgoingQueue) EnqueuePriority(env *models.Envelope) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.priority = append(q.priority, env)
}

// Drain sends queued messages in FIFO order, priority first. Stops at the
// first send failure, keeping the unsent remainder queued. Returns the
// number of messages sent.
func (q *OutgoingQueue) Drain(send func(env *models.Envelope) error) int {
	q.mu.Lock()
	priority := q.priority
	normal := q.normal
	q.priority = nil
	q.normal = nil
	q.mu.Unlock()

	sent := 0
	for i, env := range priority {
		if err := send(env); err != nil {
			q.requeue(priority[i:], normal)
			return sent
		}
		sent++
	}
	for i, env := range normal {
		if err := send(env); err != nil {
			q.requeue(nil, normal[i:])
			return sent
		}
		sent++
	}
	return sent
}

func (q *OutgoingQueue) requeue(priority, normal []*models.Envelope) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.priority = append(append([]*models.Envelope(nil), priority...), q.priority...)
	q.normal = append(append([]*models.Envelope(nil), normal...), q.normal...)
}

// Len returns the total number of buffered messages
func (q *OutgoingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.normal) + len(q.priority)
}

// Clear discards all buffered messages
func (q *OutgoingQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.normal = nil
	q.priority = nil
}
