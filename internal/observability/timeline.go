package observability

import (
	"sync"
	"time"

	"github.com/haasonsaas/conductor/pkg/models"
)

// DefaultTimelineCapacity bounds the in-memory event timeline.
const DefaultTimelineCapacity = 2048

// Timeline is a bounded in-memory record of agent events for one process,
// kept for post-hoc debugging and run replay. Oldest entries are dropped
// when capacity is reached.
type Timeline struct {
	mu       sync.Mutex
	capacity int
	entries  []TimelineEntry
	dropped  int
}

// TimelineEntry is one recorded event with its capture time.
type TimelineEntry struct {
	CapturedAt time.Time         `json:"captured_at"`
	Event      models.AgentEvent `json:"event"`
}

// NewTimeline creates a timeline. A non-positive capacity gets the default.
func NewTimeline(capacity int) *Timeline {
	if capacity <= 0 {
		capacity = DefaultTimelineCapacity
	}
	return &Timeline{capacity: capacity}
}

// Record appends an event. Safe for concurrent use; suitable as an emitter
// observer.
func (t *Timeline) Record(event models.AgentEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.entries) >= t.capacity {
		n := len(t.entries) - t.capacity + 1
		t.entries = t.entries[n:]
		t.dropped += n
	}
	t.entries = append(t.entries, TimelineEntry{CapturedAt: time.Now(), Event: event})
}

// Entries returns a copy of the recorded entries in capture order.
func (t *Timeline) Entries() []TimelineEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TimelineEntry, len(t.entries))
	copy(out, t.entries)
	return out
}

// ForRun returns the recorded entries for one run ID.
func (t *Timeline) ForRun(runID string) []TimelineEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []TimelineEntry
	for _, e := range t.entries {
		if e.Event.RunID == runID {
			out = append(out, e)
		}
	}
	return out
}

// Dropped reports how many entries were evicted by the capacity bound.
func (t *Timeline) Dropped() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}
