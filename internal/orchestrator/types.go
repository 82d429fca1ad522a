// Package orchestrator sequences a task through the ordered, gated stage
// pipeline: it executes stages, suspends at confirmation gates, validates
// compliance, keeps external side effects idempotent across re-entry, and
// records every transition in the audit log.
package orchestrator

import (
	"context"

	"github.com/fyrsmithlabs/changeflow/internal/task"
)

// Outcome categorizes how a stage finished.
type Outcome string

const (
	// OutcomeCompleted is the plain success outcome.
	OutcomeCompleted Outcome = "completed"

	// OutcomeCreated means the stage created an external resource.
	OutcomeCreated Outcome = "created"

	// OutcomeReused means pre-existing external state was adopted instead of
	// re-created; this is the idempotent re-entry path.
	OutcomeReused Outcome = "reused"

	// OutcomeSkipped means the stage had nothing to do.
	OutcomeSkipped Outcome = "skipped"

	// OutcomeFlagged means the stage completed but requires manual follow-up
	// (e.g. unmapped classification).
	OutcomeFlagged Outcome = "flagged"
)

// StageResult captures the outcome of one stage execution.
type StageResult struct {
	Stage       string   `json:"stage"`
	Outcome     Outcome  `json:"outcome"`
	Detail      string   `json:"detail,omitempty"`
	SideEffects []string `json:"side_effects,omitempty"`

	// Summary is the operator-facing description emitted at gate boundaries.
	Summary string `json:"summary,omitempty"`
}

// StageHandler is one ordered pipeline step. Definitions are immutable and
// shared across tasks; all per-task state lives on the Task.
type StageHandler interface {
	// Name returns the stage identifier.
	Name() string

	// Gated reports whether a confirmation gate follows the stage.
	Gated() bool

	// Execute runs the stage. It must be idempotent: re-running against
	// unchanged external state performs no duplicate side effects.
	Execute(ctx context.Context, t *task.Task) (*StageResult, error)
}

// TaskResult is the outcome of one executor run.
type TaskResult struct {
	Task *task.Task `json:"task"`

	// Suspended means execution stopped at an open gate awaiting resolution.
	Suspended bool  `json:"suspended"`
	Gate      *Gate `json:"gate,omitempty"`

	// Completed means the pipeline has finished; further runs are no-ops.
	Completed bool `json:"completed"`
}

// stage is the concrete StageHandler used by the pipeline.
type stage struct {
	name  string
	gated bool
	run   func(ctx context.Context, t *task.Task) (*StageResult, error)
}

func (s *stage) Name() string { return s.name }
func (s *stage) Gated() bool  { return s.gated }

func (s *stage) Execute(ctx context.Context, t *task.Task) (*StageResult, error) {
	return s.run(ctx, t)
}
