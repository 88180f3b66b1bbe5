package orchestrator

import (
	"sync"
	"time"

	"github.com/colligohq/colligo/internal/models"
)

// BackendState is an in-memory cache of the crawler's last reported status
// plus backend-side counters. Rebuilt from messages after restart; the job
// store remains the source of truth.
type BackendState struct {
	mu sync.RWMutex

	crawlerConnected bool
	crawlerStatus    models.StatusUpdatePayload
	lastStatusAt     time.Time

	dispatchPaused bool

	jobsDispatched int
	jobsFinished   int
	jobsFailed     int
}

// StateSnapshot is the read-only view served to status queries
type StateSnapshot struct {
	CrawlerConnected bool                       `json:"crawlerConnected"`
	CrawlerStatus    models.StatusUpdatePayload `json:"crawlerStatus"`
	LastStatusAt     int64                      `json:"lastStatusAt,omitempty"`
	DispatchPaused   bool                       `json:"dispatchPaused"`
	JobsDispatched   int                        `json:"jobsDispatched"`
	JobsFinished     int                        `json:"jobsFinished"`
	JobsFailed       int                        `json:"jobsFailed"`
}

func NewBackendState() *BackendState {
	return &BackendState{}
}

func (s *BackendState) SetConnected(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.crawlerConnected = connected
	if !connected {
		s.crawlerStatus = models.StatusUpdatePayload{}
	}
}

func (s *BackendState) UpdateCrawlerStatus(status models.StatusUpdatePayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.crawlerStatus = status
	s.lastStatusAt = time.Now()
}

// CrawlerIdle reports whether dispatching another job makes sense
func (s *BackendState) CrawlerIdle() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.crawlerConnected && s.crawlerStatus.CurrentJobID == ""
}

func (s *BackendState) SetDispatchPaused(paused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatchPaused = paused
}

func (s *BackendState) DispatchPaused() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dispatchPaused
}

func (s *BackendState) CountDispatched() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobsDispatched++
	// Optimistic: the crawler confirms with its next statusUpdate
	s.crawlerStatus.CurrentJobID = "pending"
}

func (s *BackendState) CountFinished(failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if failed {
		s.jobsFailed++
	} else {
		s.jobsFinished++
	}
	s.crawlerStatus.CurrentJobID = ""
}

func (s *BackendState) Snapshot() StateSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := StateSnapshot{
		CrawlerConnected: s.crawlerConnected,
		CrawlerStatus:    s.crawlerStatus,
		DispatchPaused:   s.dispatchPaused,
		JobsDispatched:   s.jobsDispatched,
		JobsFinished:     s.jobsFinished,
		JobsFailed:       s.jobsFailed,
	}
	if !s.lastStatusAt.IsZero() {
		snap.LastStatusAt = s.lastStatusAt.UnixMilli()
	}
	return snap
}
