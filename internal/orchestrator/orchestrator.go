package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/changeflow/internal/audit"
	"github.com/fyrsmithlabs/changeflow/internal/task"
)

// Orchestrator owns task lifecycles end-to-end. Each task executes on a
// single logical thread: runs and gate resolutions for the same task are
// serialized, while distinct tasks proceed as independent instances.
type Orchestrator struct {
	executor *Executor
	gates    *GateController
	registry *task.Registry
	recorder *audit.Recorder
	metrics  *Metrics
	logger   *zap.Logger

	mu    sync.Mutex
	tasks map[string]*task.Task
	locks map[string]*sync.Mutex
}

// New assembles the orchestrator over the stage pipeline.
func New(deps Deps, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	gates := NewGateController()
	metrics := NewMetrics(logger)

	return &Orchestrator{
		executor: NewExecutor(Pipeline(deps), gates, deps.Recorder, deps.Registry, metrics, logger),
		gates:    gates,
		registry: deps.Registry,
		recorder: deps.Recorder,
		metrics:  metrics,
		logger:   logger,
		tasks:    make(map[string]*task.Task),
		locks:    make(map[string]*sync.Mutex),
	}
}

// NewTask creates and registers a pending task.
func (o *Orchestrator) NewTask(issueKey string, c task.Classification, protectedApproval bool) *task.Task {
	t := task.New(issueKey)
	t.Classification = c
	t.ProtectedApproval = protectedApproval

	o.mu.Lock()
	o.tasks[t.ID] = t
	o.locks[t.ID] = &sync.Mutex{}
	o.mu.Unlock()
	return t
}

// Task returns a snapshot of a registered task by ID. The snapshot is taken
// under the task's per-task lock, so it never observes a run mid-mutation.
func (o *Orchestrator) Task(id string) (task.Task, bool) {
	o.mu.Lock()
	t, ok := o.tasks[id]
	lock := o.locks[id]
	o.mu.Unlock()

	if !ok {
		return task.Task{}, false
	}
	lock.Lock()
	defer lock.Unlock()
	return t.Clone(), true
}

// Tasks returns snapshots of all registered tasks ordered by ID.
func (o *Orchestrator) Tasks() []task.Task {
	o.mu.Lock()
	ids := make([]string, 0, len(o.tasks))
	for id := range o.tasks {
		ids = append(ids, id)
	}
	o.mu.Unlock()
	sort.Strings(ids)

	out := make([]task.Task, 0, len(ids))
	for _, id := range ids {
		if t, ok := o.Task(id); ok {
			out = append(out, t)
		}
	}
	return out
}

// Run executes the task's pipeline from its current stage.
func (o *Orchestrator) Run(ctx context.Context, id string) (*TaskResult, error) {
	t, unlock, err := o.claim(id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	return o.executor.Run(ctx, t)
}

// Resolve applies a gate decision. Abort releases the branch and flushes the
// audit trail; the task becomes terminal.
func (o *Orchestrator) Resolve(ctx context.Context, id string, d Decision) (*Resolution, error) {
	t, unlock, err := o.claim(id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	res, err := o.gates.Resolve(t, d)
	if err != nil {
		return nil, err
	}

	o.recorder.Append(audit.Entry{
		TaskID:  t.ID,
		Stage:   res.Gate.Stage,
		Outcome: fmt.Sprintf("gate_%s", d),
	})
	o.metrics.RecordGate(ctx, d)

	if d == DecisionAbort {
		o.registry.Release(t.Branch, t.ID)
		o.recorder.Flush(ctx, t.ID)
		o.logger.Info("task aborted at gate",
			zap.String("task_id", t.ID),
			zap.String("stage", res.Gate.Stage),
		)
	}
	return res, nil
}

// Gate returns the open gate for a task, if any.
func (o *Orchestrator) Gate(id string) (*Gate, bool) {
	return o.gates.Gate(id)
}

// Trail returns the task's audit trail.
func (o *Orchestrator) Trail(id string) []audit.Entry {
	return o.recorder.Trail(id)
}

// Stages returns the pipeline stage names in order.
func (o *Orchestrator) Stages() []string {
	return o.executor.Stages()
}

// Summary renders the human-readable post-task report from the audit trail.
func (o *Orchestrator) Summary(id string) string {
	trail := o.recorder.Trail(id)
	if len(trail) == 0 {
		return fmt.Sprintf("task %s: no stages executed", id)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "task %s\n", id)
	for _, e := range trail {
		fmt.Fprintf(&b, "  %s  %-10s %s", e.Timestamp.Format("15:04:05"), e.Stage, e.Outcome)
		if e.Detail != "" {
			fmt.Fprintf(&b, "  %s", e.Detail)
		}
		b.WriteString("\n")
		for _, se := range e.SideEffects {
			fmt.Fprintf(&b, "      side effect: %s\n", se)
		}
	}
	return b.String()
}

// claim looks up the task and takes its per-task lock, serializing runs and
// resolutions for the same task.
func (o *Orchestrator) claim(id string) (*task.Task, func(), error) {
	o.mu.Lock()
	t, ok := o.tasks[id]
	lock := o.locks[id]
	o.mu.Unlock()

	if !ok {
		return nil, nil, fmt.Errorf("unknown task %q", id)
	}
	lock.Lock()
	return t, lock.Unlock, nil
}
