package monitor

import (
	"sync"
	"time"
)

// restartRecord is the debounce state of one container id.
type restartRecord struct {
	lastRestart  time.Time
	restartCount int
}

// restartTracker counts restarts per container id. Counts reset once the
// previous restart is older than window. There is no cap: every stop still
// leads to a restart, the count only numbers the attempts.
type restartTracker struct {
	window  time.Duration
	mu      sync.Mutex
	records map[string]*restartRecord
}

func newRestartTracker(window time.Duration) *restartTracker {
	return &restartTracker{
		window:  window,
		records: make(map[string]*restartRecord),
	}
}

// record notes a restart of id at now and returns the attempt number.
func (r *restartTracker) record(id string, now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		rec = &restartRecord{lastRestart: now}
		r.records[id] = rec
	}
	if now.Sub(rec.lastRestart) > r.window {
		rec.restartCount = 0
	}
	rec.restartCount++
	rec.lastRestart = now
	return rec.restartCount
}

func (r *restartTracker) reset(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, id)
}

func (r *restartTracker) count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[id]; ok {
		return rec.restartCount
	}
	return 0
}
