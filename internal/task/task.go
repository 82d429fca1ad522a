// Package task defines the change-request Task model and the per-branch
// active-task registry. A Task is one end-to-end change request progressing
// through the stage pipeline; exactly one Task may be active per branch name.
package task

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a Task.
type Status string

const (
	// StatusPending means the task is ready for (re-)execution.
	StatusPending Status = "pending"

	// StatusRunning means the executor currently owns the task.
	StatusRunning Status = "running"

	// StatusAwaitingConfirmation means the task is parked at an open gate.
	StatusAwaitingConfirmation Status = "awaiting_confirmation"

	// StatusHalted means the last run failed and the task awaits a
	// caller-initiated retry at the same stage.
	StatusHalted Status = "halted"

	// StatusCompleted is terminal: the pipeline finished.
	StatusCompleted Status = "completed"

	// StatusAborted is terminal: an operator aborted at a gate.
	StatusAborted Status = "aborted"
)

// Terminal reports whether the status permits no further stage execution.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusAborted
}

// Classification is the tuple of change attributes used to resolve labels.
type Classification struct {
	Type             string `json:"type"`
	PublicAPIChanged bool   `json:"public_api_changed"`
	SecurityRelevant bool   `json:"security_relevant"`
}

// ComplianceRecord is a per-task snapshot of compliance state. It is never
// partially mutated; stages replace it wholesale.
type ComplianceRecord struct {
	SignOffPresent        bool     `json:"sign_off_present"`
	ProtectedFilesTouched []string `json:"protected_files_touched,omitempty"`
	CoverageDelta         float64  `json:"coverage_delta"`
	CoverageAbsolute      float64  `json:"coverage_absolute"`

	// CoverageRegressionReported marks a coverage drop that did not block
	// (result still at or above the floor). Surfaced to the operator.
	CoverageRegressionReported bool `json:"coverage_regression_reported,omitempty"`
}

// Task is one change request. It is mutated only by the stage executor and
// the gate controller; all other components treat it as read-only.
type Task struct {
	ID       string `json:"id"`
	IssueKey string `json:"issue_key,omitempty"`
	Title    string `json:"title,omitempty"`

	// Description and IssueURL are carried from intake for PR body rendering.
	Description string `json:"description,omitempty"`
	IssueURL    string `json:"issue_url,omitempty"`

	Branch     string `json:"branch"`
	BaseBranch string `json:"base_branch"`

	StageIndex int    `json:"stage_index"`
	Status     Status `json:"status"`

	// PRNumber is zero until the publish stage creates or adopts a PR.
	PRNumber int    `json:"pr_number,omitempty"`
	PRURL    string `json:"pr_url,omitempty"`

	Classification Classification    `json:"classification"`
	Compliance     *ComplianceRecord `json:"compliance,omitempty"`

	// ProtectedApproval is the explicit operator approval required to touch
	// protected files.
	ProtectedApproval bool `json:"protected_approval,omitempty"`

	// ManualLabelReview is set when label resolution fails closed.
	ManualLabelReview bool `json:"manual_label_review,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New creates a pending Task for the given issue key. When issueKey is empty
// a generated slug becomes the identity.
func New(issueKey string) *Task {
	id := issueKey
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	return &Task{
		ID:        id,
		IssueKey:  issueKey,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Touch updates the modification timestamp.
func (t *Task) Touch() {
	t.UpdatedAt = time.Now().UTC()
}

// Clone returns an independent copy of the task. Readers that outlive the
// caller's lock (JSON marshaling, reporting) work on clones, never on the
// live value the executor mutates.
func (t *Task) Clone() Task {
	c := *t
	if t.Compliance != nil {
		rec := *t.Compliance
		rec.ProtectedFilesTouched = append([]string(nil), t.Compliance.ProtectedFilesTouched...)
		c.Compliance = &rec
	}
	return c
}

// DeriveBranch builds the task's branch name from its identity and title,
// e.g. "ABC-123-fix-login-timeout". The derivation is deterministic so
// re-entry resolves to the same branch.
func (t *Task) DeriveBranch() string {
	slug := slugify(t.Title)
	if slug == "" {
		return t.ID
	}
	return fmt.Sprintf("%s-%s", t.ID, slug)
}

func slugify(s string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}
