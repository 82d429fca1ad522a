// Package audit keeps the append-only per-task log of stage transitions and
// external side effects. Entries are immutable: nothing is ever edited or
// removed, and the ordered trail backs the post-task summary and idempotent
// re-entry evidence.
package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Entry is one immutable audit record.
type Entry struct {
	Timestamp   time.Time `json:"timestamp"`
	TaskID      string    `json:"task_id"`
	Stage       string    `json:"stage"`
	Outcome     string    `json:"outcome"`
	Detail      string    `json:"detail,omitempty"`
	SideEffects []string  `json:"side_effects,omitempty"`
}

// Recorder buffers entries in memory per task and flushes to the structured
// log at task completion or abort at the latest. Append never fails for an
// already-buffered entry.
type Recorder struct {
	mu      sync.Mutex
	trails  map[string][]Entry
	flushed map[string]int // entries already written to the log
	logger  *zap.Logger
}

// NewRecorder creates a recorder flushing to the given logger.
func NewRecorder(logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		trails:  make(map[string][]Entry),
		flushed: make(map[string]int),
		logger:  logger,
	}
}

// Append records an entry. A zero timestamp is stamped at append time.
func (r *Recorder) Append(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trails[e.TaskID] = append(r.trails[e.TaskID], e)
}

// Trail returns a copy of the ordered entries for a task.
func (r *Recorder) Trail(taskID string) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	trail := r.trails[taskID]
	out := make([]Entry, len(trail))
	copy(out, trail)
	return out
}

// Flush writes any unflushed entries for the task to the structured log.
func (r *Recorder) Flush(ctx context.Context, taskID string) {
	r.mu.Lock()
	trail := r.trails[taskID]
	from := r.flushed[taskID]
	pending := make([]Entry, len(trail)-from)
	copy(pending, trail[from:])
	r.flushed[taskID] = len(trail)
	r.mu.Unlock()

	for _, e := range pending {
		r.logger.Info("audit",
			zap.Time("ts", e.Timestamp),
			zap.String("task_id", e.TaskID),
			zap.String("stage", e.Stage),
			zap.String("outcome", e.Outcome),
			zap.String("detail", e.Detail),
			zap.Strings("side_effects", e.SideEffects),
		)
	}
}

// ReusedOutcomes reports how many entries for the task recorded a "reused"
// outcome, which is evidence of idempotent re-entry.
func (r *Recorder) ReusedOutcomes(taskID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.trails[taskID] {
		if e.Outcome == "reused" {
			n++
		}
	}
	return n
}
