package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/changeflow/internal/audit"
	"github.com/fyrsmithlabs/changeflow/internal/logging"
	"github.com/fyrsmithlabs/changeflow/internal/task"
)

// Executor runs the ordered stage pipeline for one task at a time, starting
// at the task's current stage index. Execution is strictly sequential and
// suspends at gates; there is no background work between gate-open and
// gate-resolved.
type Executor struct {
	stages   []StageHandler
	gates    *GateController
	recorder *audit.Recorder
	registry *task.Registry
	metrics  *Metrics
	logger   *zap.Logger
}

// NewExecutor creates an executor over the given pipeline.
func NewExecutor(stages []StageHandler, gates *GateController, recorder *audit.Recorder, registry *task.Registry, metrics *Metrics, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		stages:   stages,
		gates:    gates,
		recorder: recorder,
		registry: registry,
		metrics:  metrics,
		logger:   logger,
	}
}

// Stages returns the pipeline stage names in order.
func (e *Executor) Stages() []string {
	names := make([]string, len(e.stages))
	for i, s := range e.stages {
		names[i] = s.Name()
	}
	return names
}

// Run executes stages from the task's current index. It returns with
// Suspended set when a gate opens, Completed when the pipeline finishes, and
// a typed error when a stage halts. A halted task is retried by re-invoking
// Run: it resumes at the same stage, idempotent by construction.
//
// Running a Completed task is a no-op with no external side effects.
func (e *Executor) Run(ctx context.Context, t *task.Task) (*TaskResult, error) {
	switch t.Status {
	case task.StatusCompleted:
		return &TaskResult{Task: t, Completed: true}, nil
	case task.StatusAborted:
		return nil, fmt.Errorf("task %s: %w", t.ID, ErrTaskAborted)
	case task.StatusAwaitingConfirmation:
		g, ok := e.gates.Gate(t.ID)
		if !ok {
			return nil, fmt.Errorf("task %s awaiting confirmation: %w", t.ID, ErrNoOpenGate)
		}
		return &TaskResult{Task: t, Suspended: true, Gate: g}, nil
	}

	ctx = logging.WithFields(ctx, zap.String("task_id", t.ID))
	log := logging.For(ctx, e.logger)

	t.Status = task.StatusRunning
	t.Touch()

	for t.StageIndex < len(e.stages) {
		select {
		case <-ctx.Done():
			t.Status = task.StatusHalted
			t.Touch()
			return nil, ctx.Err()
		default:
		}

		s := e.stages[t.StageIndex]
		log.Info("stage starting",
			zap.String("stage", s.Name()),
			zap.Int("stage_index", t.StageIndex),
		)

		result, err := s.Execute(ctx, t)
		if err != nil {
			t.Status = task.StatusHalted
			t.Touch()
			e.recorder.Append(audit.Entry{
				TaskID:  t.ID,
				Stage:   s.Name(),
				Outcome: "halted",
				Detail:  err.Error(),
			})
			e.recorder.Flush(ctx, t.ID)
			e.metrics.RecordStage(ctx, s.Name(), "halted")
			log.Warn("stage halted", zap.String("stage", s.Name()), zap.Error(err))
			return nil, fmt.Errorf("stage %s: %w", s.Name(), err)
		}

		e.recorder.Append(audit.Entry{
			TaskID:      t.ID,
			Stage:       s.Name(),
			Outcome:     string(result.Outcome),
			Detail:      result.Detail,
			SideEffects: result.SideEffects,
		})
		e.metrics.RecordStage(ctx, s.Name(), string(result.Outcome))
		log.Info("stage finished",
			zap.String("stage", s.Name()),
			zap.String("outcome", string(result.Outcome)),
		)

		if s.Gated() {
			g := e.gates.Open(t, s.Name(), result.Summary, e.remainingAfter(t.StageIndex))
			log.Info("gate opened", zap.String("stage", s.Name()))
			return &TaskResult{Task: t, Suspended: true, Gate: g}, nil
		}

		t.StageIndex++
		t.Touch()
	}

	t.Status = task.StatusCompleted
	t.Touch()
	e.registry.Release(t.Branch, t.ID)
	e.recorder.Flush(ctx, t.ID)
	log.Info("task completed", zap.Int("stages", len(e.stages)))

	return &TaskResult{Task: t, Completed: true}, nil
}

// remainingAfter lists the stage names still ahead of the given index.
func (e *Executor) remainingAfter(index int) []string {
	var remaining []string
	for i := index + 1; i < len(e.stages); i++ {
		remaining = append(remaining, e.stages[i].Name())
	}
	return remaining
}
