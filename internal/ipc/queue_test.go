package ipc

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/colligohq/colligo/internal/models"
)

func queueEnvelope(key string) *models.Envelope {
	env, _ := models.NewEnvelope(models.IdentityCrawler, models.IdentityBackend,
		models.TypeMessage, key, nil)
	return env
}

func TestOutgoingQueue_PrunesOldestNormalMessages(t *testing.T) {
	q := NewOutgoingQueue(10, arbor.NewLogger())
	for i := 0; i < 10; i++ {
		q.Enqueue(queueEnvelope(fmt.Sprintf("msg-%d", i)))
	}
	require.Equal(t, 10, q.Len())

	// The 11th enqueue drops the oldest 20% (2 messages)
	q.Enqueue(queueEnvelope("msg-10"))
	assert.Equal(t, 9, q.Len())

	var keys []string
	q.Drain(func(env *models.Envelope) error {
		keys = append(keys, env.Key)
		return nil
	})
	assert.Equal(t, "msg-2", keys[0], "oldest survivors first")
	assert.Equal(t, "msg-10", keys[len(keys)-1])
}

func TestOutgoingQueue_PriorityExemptFromPruning(t *testing.T) {
	q := NewOutgoingQueue(5, arbor.NewLogger())
	q.EnqueuePriority(queueEnvelope("priority-1"))
	for i := 0; i < 20; i++ {
		q.Enqueue(queueEnvelope(fmt.Sprintf("normal-%d", i)))
	}

	var keys []string
	q.Drain(func(env *models.Envelope) error {
		keys = append(keys, env.Key)
		return nil
	})
	require.NotEmpty(t, keys)
	assert.Equal(t, "priority-1", keys[0], "priority messages drain first and never prune")
}

func TestOutgoingQueue_DrainStopsOnFailureAndRequeues(t *testing.T) {
	q := NewOutgoingQueue(0, arbor.NewLogger())
	q.Enqueue(queueEnvelope("a"))
	q.Enqueue(queueEnvelope("b"))
	q.Enqueue(queueEnvelope("c"))

	calls := 0
	sent := q.Drain(func(env *models.Envelope) error {
		calls++
		if env.Key == "b" {
			return errors.New("socket gone")
		}
		return nil
	})
	assert.Equal(t, 1, sent)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 2, q.Len(), "unsent remainder stays queued")

	var keys []string
	q.Drain(func(env *models.Envelope) error {
		keys = append(keys, env.Key)
		return nil
	})
	assert.Equal(t, []string{"b", "c"}, keys, "order preserved across a failed drain")
}

func TestOutgoingQueue_Clear(t *testing.T) {
	q := NewOutgoingQueue(0, arbor.NewLogger())
	q.Enqueue(queueEnvelope("a"))
	q.EnqueuePriority(queueEnvelope("b"))
	require.Equal(t, 2, q.Len())
	q.Clear()
	assert.Equal(t, 0, q.Len())
}
