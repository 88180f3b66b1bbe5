package crawler

import (
	"fmt"
	"sync"
	"time"
)

// logRecorder keeps a bounded ring of recent execution notes. On job
// failure the ring is shipped to the backend as crash context.
type logRecorder struct {
	mu    sync.Mutex
	lines []string
	limit int
}

func newLogRecorder(limit int) *logRecorder {
	if limit <= 0 {
		limit = 200
	}
	return &logRecorder{limit: limit}
}

// Add appends a timestamped line, dropping the oldest when full
func (r *logRecorder) Add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stamped := fmt.Sprintf("%s %s", time.Now().Format(time.RFC3339), line)
	r.lines = append(r.lines, stamped)
	if len(r.lines) > r.limit {
		r.lines = r.lines[len(r.lines)-r.limit:]
	}
}

// Snapshot returns a copy of the buffered lines
func (r *logRecorder) Snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

// Reset clears the ring, called at each task start
func (r *logRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = nil
}
