// Package telemetry keeps local sync counters for status displays.
//
// Nothing here leaves the device: counters live in memory and are read
// through Snapshot only.
package telemetry

import (
	"sync"
	"time"

	syncpkg "github.com/kimhsiao/tasksync/internal/sync"
)

// Snapshot is a copy of the counters at one point in time.
type Snapshot struct {
	Since         time.Time        `json:"since"`
	Drains        int64            `json:"drains"`
	Applied       int64            `json:"applied"`
	Failed        int64            `json:"failed"`
	Dropped       int64            `json:"dropped"`
	Reloads       int64            `json:"reloads"`
	Skipped       map[string]int64 `json:"skipped"`
	Transitions   int64            `json:"connectivity_transitions"`
	LastEvent     string           `json:"last_event,omitempty"`
	LastEventTime *time.Time       `json:"last_event_time,omitempty"`
}

// Recorder counts sync events and forwards them to the next handler.
type Recorder struct {
	next syncpkg.SyncEventHandler

	mu   sync.Mutex
	snap Snapshot
}

// NewRecorder creates a Recorder. next may be nil.
func NewRecorder(next syncpkg.SyncEventHandler) *Recorder {
	return &Recorder{
		next: next,
		snap: Snapshot{Since: time.Now(), Skipped: make(map[string]int64)},
	}
}

// OnSyncEvent implements syncpkg.SyncEventHandler.
func (r *Recorder) OnSyncEvent(event syncpkg.SyncEvent) {
	r.mu.Lock()
	switch event.Type {
	case syncpkg.SyncEventCompleted:
		r.snap.Drains++
		r.snap.Applied += count(event.Data, "applied")
		r.snap.Failed += count(event.Data, "failed")
		r.snap.Dropped += count(event.Data, "dropped")
	case syncpkg.SyncEventSkipped:
		r.snap.Skipped[event.Message]++
	case syncpkg.SyncEventReloaded:
		r.snap.Reloads++
	case syncpkg.SyncEventConnectivity:
		r.snap.Transitions++
	}
	r.snap.LastEvent = string(event.Type)
	ts := event.Timestamp
	r.snap.LastEventTime = &ts
	r.mu.Unlock()

	if r.next != nil {
		r.next.OnSyncEvent(event)
	}
}

// Snapshot returns a copy of the counters.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.snap
	s.Skipped = make(map[string]int64, len(r.snap.Skipped))
	for k, v := range r.snap.Skipped {
		s.Skipped[k] = v
	}
	if r.snap.LastEventTime != nil {
		t := *r.snap.LastEventTime
		s.LastEventTime = &t
	}
	return s
}

// Reset zeroes the counters.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.snap = Snapshot{Since: time.Now(), Skipped: make(map[string]int64)}
	r.mu.Unlock()
}

func count(data map[string]interface{}, key string) int64 {
	switch v := data[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}
