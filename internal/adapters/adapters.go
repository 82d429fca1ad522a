// Package adapters defines the narrow typed interfaces for the external
// systems the orchestrator coordinates: issue tracker, version control, code
// host, continuous integration, and the coverage toolchain. Each interface is
// independently fakeable so orchestration logic never depends on a concrete
// external API shape.
package adapters

import "context"

// Issue is the subset of issue tracker fields the pipeline consumes.
type Issue struct {
	Key                string   `json:"key"`
	Summary            string   `json:"summary"`
	Description        string   `json:"description"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
	StoryPoints        int      `json:"story_points,omitempty"`
	Links              []string `json:"links,omitempty"`
}

// IssueTracker fetches issues and updates single fields.
type IssueTracker interface {
	FetchIssue(ctx context.Context, key string) (*Issue, error)

	// UpdateField sets a select-style field to the given value and verifies
	// the write with a read-back before returning.
	UpdateField(ctx context.Context, key, fieldKey, value string) error
}

// BranchInfo describes remote branch state relative to an expected base.
type BranchInfo struct {
	Name     string `json:"name"`
	Exists   bool   `json:"exists"`
	Diverged bool   `json:"diverged"`
	Head     string `json:"head,omitempty"`
}

// VersionControl covers the git operations the pipeline needs.
type VersionControl interface {
	BranchInfo(ctx context.Context, name, base string) (*BranchInfo, error)
	CreateBranch(ctx context.Context, name, base string) error
	Push(ctx context.Context, name string) error

	// CommitMessages returns the full messages of commits on branch that are
	// not on base, newest first.
	CommitMessages(ctx context.Context, branch, base string) ([]string, error)

	// ChangedPaths returns the paths touched between base and branch.
	ChangedPaths(ctx context.Context, branch, base string) ([]string, error)
}

// PullRequest is the code host's PR reference.
type PullRequest struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body,omitempty"`
	URL    string `json:"url,omitempty"`
}

// CodeHost covers PR and label operations.
type CodeHost interface {
	// FindOpenPR returns the open PR whose head is the branch, or nil.
	FindOpenPR(ctx context.Context, branch string) (*PullRequest, error)
	CreatePR(ctx context.Context, branch, base, title, bodyHTML string) (*PullRequest, error)
	UpdatePR(ctx context.Context, number int, bodyHTML string) error
	ApplyLabels(ctx context.Context, number int, labels []string) error
	CreateLabelIfMissing(ctx context.Context, name, description, color string) error
}

// CheckStatus is the state of one CI check.
type CheckStatus string

const (
	CheckPassed  CheckStatus = "passed"
	CheckFailed  CheckStatus = "failed"
	CheckPending CheckStatus = "pending"
)

// CheckResult is one check's status plus the run it belongs to, so failed
// runs can be re-triggered.
type CheckResult struct {
	Status CheckStatus `json:"status"`
	RunID  int64       `json:"run_id"`
}

// ContinuousIntegration reads and re-triggers CI checks for a PR.
type ContinuousIntegration interface {
	GetCheckStatuses(ctx context.Context, prNumber int) (map[string]CheckResult, error)
	RerunFailedChecks(ctx context.Context, runID int64) error
}

// CoverageSource exposes the coverage toolchain as an opaque collaborator:
// baseline and current percentages plus instrumentation presence, so the
// pipeline never re-injects tooling that is already there.
type CoverageSource interface {
	BaselineCoverage(ctx context.Context) (float64, error)
	CurrentCoverage(ctx context.Context) (float64, error)
	InstrumentationPresent(ctx context.Context) (bool, error)
	InjectInstrumentation(ctx context.Context) error
}
