// Package idempotency decides reuse-versus-create for external resources a
// task may have produced in an earlier run: its branch, its pull request, and
// its coverage instrumentation. The pipeline stays idempotent across re-entry
// because it consults the tracker before every creating side effect.
package idempotency

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/changeflow/internal/adapters"
)

// ErrDivergedConflict indicates an existing branch no longer descends from
// the expected base. The run must halt for an operator decision; the tracker
// never resolves divergence by force-push.
var ErrDivergedConflict = errors.New("diverged conflict")

// Tracker queries the adapters for pre-existing external state.
type Tracker struct {
	vcs      adapters.VersionControl
	host     adapters.CodeHost
	coverage adapters.CoverageSource
}

// NewTracker creates a tracker over the given adapters.
func NewTracker(vcs adapters.VersionControl, host adapters.CodeHost, coverage adapters.CoverageSource) *Tracker {
	return &Tracker{vcs: vcs, host: host, coverage: coverage}
}

// LookupBranch returns the branch state. A diverged branch yields
// ErrDivergedConflict so the executor halts instead of re-creating or
// force-pushing.
func (t *Tracker) LookupBranch(ctx context.Context, name, base string) (*adapters.BranchInfo, error) {
	info, err := t.vcs.BranchInfo(ctx, name, base)
	if err != nil {
		return nil, fmt.Errorf("branch lookup: %w", err)
	}
	if info.Exists && info.Diverged {
		return info, fmt.Errorf("%w: branch %q has diverged from %q", ErrDivergedConflict, name, base)
	}
	return info, nil
}

// LookupPullRequest returns the open PR for the branch, or nil when the
// publish stage should create one.
func (t *Tracker) LookupPullRequest(ctx context.Context, branch string) (*adapters.PullRequest, error) {
	pr, err := t.host.FindOpenPR(ctx, branch)
	if err != nil {
		return nil, fmt.Errorf("pull request lookup: %w", err)
	}
	return pr, nil
}

// InstrumentationPresent reports whether coverage tooling is already in
// place, in which case re-injection is skipped.
func (t *Tracker) InstrumentationPresent(ctx context.Context) (bool, error) {
	present, err := t.coverage.InstrumentationPresent(ctx)
	if err != nil {
		return false, fmt.Errorf("instrumentation lookup: %w", err)
	}
	return present, nil
}
