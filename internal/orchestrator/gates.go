package orchestrator

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fyrsmithlabs/changeflow/internal/task"
)

// Decision resolves an open gate. Exactly one of the three is applied.
type Decision string

const (
	DecisionConfirm Decision = "confirm"
	DecisionReject  Decision = "reject"
	DecisionAbort   Decision = "abort"
)

// ParseDecision maps an operator reply to a Decision.
func ParseDecision(s string) (Decision, error) {
	switch Decision(s) {
	case DecisionConfirm, DecisionReject, DecisionAbort:
		return Decision(s), nil
	default:
		return "", fmt.Errorf("invalid decision %q: want confirm, reject, or abort", s)
	}
}

// Errors surfaced by the gate controller.
var (
	// ErrNoOpenGate means a resolution arrived for a task that is not
	// awaiting confirmation. Resolutions are never queued.
	ErrNoOpenGate = errors.New("no open gate")

	// ErrTaskAborted means the task is terminal; no further stage execution
	// is permitted.
	ErrTaskAborted = errors.New("task aborted")
)

// Gate is a pending-confirmation record tied to a task and a stage boundary.
// It exists only between its creation at stage completion and its resolution.
type Gate struct {
	TaskID          string    `json:"task_id"`
	Stage           string    `json:"stage"`
	Summary         string    `json:"summary"`
	RemainingStages []string  `json:"remaining_stages"`
	Prompt          string    `json:"prompt"`
	OpenedAt        time.Time `json:"opened_at"`
}

// Resolution is the applied outcome of a gate.
type Resolution struct {
	Gate     Gate     `json:"gate"`
	Decision Decision `json:"decision"`

	// RevisionRequested is set on Reject: the same stage re-executes after
	// the operator's revision, never an earlier one.
	RevisionRequested bool `json:"revision_requested"`
}

// GateController manages the confirm/halt/resume protocol between stages.
// It never auto-confirms; absent a response the task stays parked in
// AwaitingConfirmation indefinitely.
type GateController struct {
	mu   sync.Mutex
	open map[string]*Gate // task ID -> open gate
}

// NewGateController creates a controller with no open gates.
func NewGateController() *GateController {
	return &GateController{open: make(map[string]*Gate)}
}

// Open creates the gate for a completed gating stage and parks the task.
func (c *GateController) Open(t *task.Task, stageName, summary string, remaining []string) *Gate {
	g := &Gate{
		TaskID:          t.ID,
		Stage:           stageName,
		Summary:         summary,
		RemainingStages: remaining,
		Prompt:          "confirm|reject|abort",
		OpenedAt:        time.Now().UTC(),
	}

	c.mu.Lock()
	c.open[t.ID] = g
	c.mu.Unlock()

	t.Status = task.StatusAwaitingConfirmation
	t.Touch()
	return g
}

// Gate returns the open gate for the task, if any.
func (c *GateController) Gate(taskID string) (*Gate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.open[taskID]
	return g, ok
}

// Resolve applies exactly one decision to the task's open gate. The gate is
// discarded on resolution; it is never persisted afterwards.
//
// Confirm advances the stage index by one and readies the task for resume.
// Reject keeps the same stage index for re-execution. Abort is terminal.
func (c *GateController) Resolve(t *task.Task, d Decision) (*Resolution, error) {
	if t.Status == task.StatusAborted {
		return nil, ErrTaskAborted
	}

	c.mu.Lock()
	g, ok := c.open[t.ID]
	c.mu.Unlock()

	if !ok || t.Status != task.StatusAwaitingConfirmation {
		return nil, fmt.Errorf("%w: task %s", ErrNoOpenGate, t.ID)
	}

	res := &Resolution{Gate: *g, Decision: d}
	switch d {
	case DecisionConfirm:
		t.StageIndex++
		t.Status = task.StatusPending
	case DecisionReject:
		t.Status = task.StatusPending
		res.RevisionRequested = true
	case DecisionAbort:
		t.Status = task.StatusAborted
	default:
		// Unknown decision: the gate stays open.
		return nil, fmt.Errorf("invalid decision %q", d)
	}

	// Discard only once the decision has been applied; a rejected resolution
	// must never drop the gate.
	c.mu.Lock()
	delete(c.open, t.ID)
	c.mu.Unlock()

	t.Touch()
	return res, nil
}
