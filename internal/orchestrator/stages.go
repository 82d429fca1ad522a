package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/changeflow/internal/adapters"
	"github.com/fyrsmithlabs/changeflow/internal/audit"
	"github.com/fyrsmithlabs/changeflow/internal/compliance"
	"github.com/fyrsmithlabs/changeflow/internal/idempotency"
	"github.com/fyrsmithlabs/changeflow/internal/labels"
	"github.com/fyrsmithlabs/changeflow/internal/task"
)

// Stage names in pipeline order.
const (
	StageIntake   = "intake"
	StageBranch   = "branch"
	StageValidate = "validate"
	StageCoverage = "coverage"
	StagePublish  = "publish"
	StageLabel    = "label"
	StageVerify   = "verify"
	StageDisclose = "disclose"
	StageFinalize = "finalize"
)

// Errors surfaced by the verify stage. Both are retryable by re-invoking the
// run once CI has progressed.
var (
	ErrChecksFailed  = errors.New("ci checks failed")
	ErrChecksPending = errors.New("ci checks pending")
)

// Policy is the compliance and routing policy stages enforce.
type Policy struct {
	ProtectedFiles     []string
	CoverageThreshold  float64
	Contributor        compliance.Identity
	BaseBranch         string
	DisclosureFieldKey string
}

// Deps are the collaborators the stage pipeline drives.
type Deps struct {
	Tracker  adapters.IssueTracker
	VCS      adapters.VersionControl
	Host     adapters.CodeHost
	CI       adapters.ContinuousIntegration
	Coverage adapters.CoverageSource
	Idem     *idempotency.Tracker
	Registry *task.Registry
	Recorder *audit.Recorder
	Policy   Policy
	Logger   *zap.Logger
}

// Pipeline builds the ordered stage list. Stage definitions are immutable
// and shared across all tasks.
func Pipeline(d Deps) []StageHandler {
	return []StageHandler{
		&stage{name: StageIntake, gated: true, run: d.intake},
		&stage{name: StageBranch, run: d.branch},
		&stage{name: StageValidate, gated: true, run: d.validate},
		&stage{name: StageCoverage, run: d.coverage},
		&stage{name: StagePublish, gated: true, run: d.publish},
		&stage{name: StageLabel, run: d.label},
		&stage{name: StageVerify, gated: true, run: d.verify},
		&stage{name: StageDisclose, run: d.disclose},
		&stage{name: StageFinalize, run: d.finalize},
	}
}

// intake fetches the issue, derives the branch name, and claims the branch
// in the registry. A second task targeting the same branch halts here with
// ConcurrentTaskConflict.
func (d Deps) intake(ctx context.Context, t *task.Task) (*StageResult, error) {
	if t.IssueKey != "" {
		issue, err := d.Tracker.FetchIssue(ctx, t.IssueKey)
		if err != nil {
			return nil, fmt.Errorf("fetching issue %s: %w", t.IssueKey, err)
		}
		t.Title = issue.Summary
		t.Description = issue.Description
		if len(issue.Links) > 0 {
			t.IssueURL = issue.Links[0]
		}
	}

	if t.Branch == "" {
		t.Branch = t.DeriveBranch()
	}

	if err := d.Registry.Acquire(t.Branch, t.ID); err != nil {
		return nil, err
	}

	return &StageResult{
		Stage:   StageIntake,
		Outcome: OutcomeCompleted,
		Detail:  fmt.Sprintf("branch %s", t.Branch),
		Summary: fmt.Sprintf("Task %s: %q will be prepared on branch %s (base %s).", t.ID, t.Title, t.Branch, d.Policy.BaseBranch),
	}, nil
}

// branch reuses an existing clean branch or creates one from the base. A
// diverged branch halts with DivergedConflict, never a force-push.
func (d Deps) branch(ctx context.Context, t *task.Task) (*StageResult, error) {
	info, err := d.Idem.LookupBranch(ctx, t.Branch, d.Policy.BaseBranch)
	if err != nil {
		return nil, err
	}

	if info.Exists {
		return &StageResult{
			Stage:   StageBranch,
			Outcome: OutcomeReused,
			Detail:  fmt.Sprintf("branch %s exists at %s, not diverged", t.Branch, info.Head),
		}, nil
	}

	if err := d.VCS.CreateBranch(ctx, t.Branch, d.Policy.BaseBranch); err != nil {
		return nil, err
	}
	return &StageResult{
		Stage:       StageBranch,
		Outcome:     OutcomeCreated,
		Detail:      fmt.Sprintf("branch %s created from %s", t.Branch, d.Policy.BaseBranch),
		SideEffects: []string{fmt.Sprintf("created branch %s", t.Branch)},
	}, nil
}

// validate collects commits and changed paths and runs the sign-off and
// protected-file checks. The compliance record is replaced wholesale.
func (d Deps) validate(ctx context.Context, t *task.Task) (*StageResult, error) {
	messages, err := d.VCS.CommitMessages(ctx, t.Branch, d.Policy.BaseBranch)
	if err != nil {
		return nil, err
	}
	paths, err := d.VCS.ChangedPaths(ctx, t.Branch, d.Policy.BaseBranch)
	if err != nil {
		return nil, err
	}

	violations := compliance.CheckSignOff(messages, d.Policy.Contributor)
	violations = append(violations, compliance.CheckProtectedFiles(paths, d.Policy.ProtectedFiles, t.ProtectedApproval)...)

	record := &task.ComplianceRecord{
		SignOffPresent:        !hasCheck(violations, "sign-off"),
		ProtectedFilesTouched: touchedProtected(paths, d.Policy.ProtectedFiles),
	}
	if t.Compliance != nil {
		record.CoverageDelta = t.Compliance.CoverageDelta
		record.CoverageAbsolute = t.Compliance.CoverageAbsolute
		record.CoverageRegressionReported = t.Compliance.CoverageRegressionReported
	}
	t.Compliance = record

	if blocking := compliance.Blocking(violations); len(blocking) > 0 {
		return nil, violationError(blocking)
	}

	return &StageResult{
		Stage:   StageValidate,
		Outcome: OutcomeCompleted,
		Detail:  fmt.Sprintf("%d commits, %d changed paths", len(messages), len(paths)),
		Summary: fmt.Sprintf("Validated %d commits and %d changed paths on %s: sign-offs present, no protected files touched without approval.", len(messages), len(paths), t.Branch),
	}, nil
}

// coverage runs the threshold check and replaces the compliance record
// wholesale. Instrumentation already in place is never re-injected.
func (d Deps) coverage(ctx context.Context, t *task.Task) (*StageResult, error) {
	outcome := OutcomeSkipped
	var sideEffects []string

	present, err := d.Idem.InstrumentationPresent(ctx)
	if err != nil {
		return nil, err
	}
	if !present {
		if err := d.Coverage.InjectInstrumentation(ctx); err != nil {
			return nil, fmt.Errorf("injecting instrumentation: %w", err)
		}
		outcome = OutcomeCreated
		sideEffects = append(sideEffects, "injected coverage instrumentation")
	}

	before, err := d.Coverage.BaselineCoverage(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading baseline coverage: %w", err)
	}
	after, err := d.Coverage.CurrentCoverage(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading current coverage: %w", err)
	}

	violations := compliance.CheckCoverage(before, after, d.Policy.CoverageThreshold)

	record := &task.ComplianceRecord{
		CoverageDelta:              after - before,
		CoverageAbsolute:           after,
		CoverageRegressionReported: len(violations) > 0 && len(compliance.Blocking(violations)) == 0,
	}
	if t.Compliance != nil {
		record.SignOffPresent = t.Compliance.SignOffPresent
		record.ProtectedFilesTouched = t.Compliance.ProtectedFilesTouched
	}
	t.Compliance = record

	if blocking := compliance.Blocking(violations); len(blocking) > 0 {
		return nil, violationError(blocking)
	}

	detail := fmt.Sprintf("coverage %.1f%% -> %.1f%%", before, after)
	if record.CoverageRegressionReported {
		detail += " (reported, non-blocking)"
	}
	return &StageResult{
		Stage:       StageCoverage,
		Outcome:     outcome,
		Detail:      detail,
		SideEffects: sideEffects,
	}, nil
}

// publish pushes the branch and creates the PR, or updates an existing open
// PR in place rather than duplicating it.
func (d Deps) publish(ctx context.Context, t *task.Task) (*StageResult, error) {
	if err := d.VCS.Push(ctx, t.Branch); err != nil {
		return nil, err
	}
	sideEffects := []string{fmt.Sprintf("pushed branch %s", t.Branch)}

	paths, err := d.VCS.ChangedPaths(ctx, t.Branch, d.Policy.BaseBranch)
	if err != nil {
		return nil, err
	}
	body, err := RenderPRBody(t, paths, d.Policy.Contributor)
	if err != nil {
		return nil, fmt.Errorf("rendering PR body: %w", err)
	}

	existing, err := d.Idem.LookupPullRequest(ctx, t.Branch)
	if err != nil {
		return nil, err
	}

	if existing != nil {
		if err := d.Host.UpdatePR(ctx, existing.Number, body); err != nil {
			return nil, err
		}
		t.PRNumber = existing.Number
		t.PRURL = existing.URL
		return &StageResult{
			Stage:       StagePublish,
			Outcome:     OutcomeReused,
			Detail:      fmt.Sprintf("updated open PR #%d", existing.Number),
			SideEffects: append(sideEffects, fmt.Sprintf("updated PR #%d body", existing.Number)),
			Summary:     fmt.Sprintf("Updated existing PR #%d for %s in place.", existing.Number, t.Branch),
		}, nil
	}

	created, err := d.Host.CreatePR(ctx, t.Branch, d.Policy.BaseBranch, t.Title, body)
	if err != nil {
		return nil, err
	}
	t.PRNumber = created.Number
	t.PRURL = created.URL
	return &StageResult{
		Stage:       StagePublish,
		Outcome:     OutcomeCreated,
		Detail:      fmt.Sprintf("created PR #%d", created.Number),
		SideEffects: append(sideEffects, fmt.Sprintf("created PR #%d", created.Number)),
		Summary:     fmt.Sprintf("Opened PR #%d: %q (%s -> %s).", created.Number, t.Title, t.Branch, d.Policy.BaseBranch),
	}, nil
}

// label resolves the classification and applies the label set. Unmapped
// classifications fail closed: no labels, manual review flagged, stage still
// completes. Labeling is advisory, compliance is not.
func (d Deps) label(ctx context.Context, t *task.Task) (*StageResult, error) {
	set, err := labels.Resolve(t.Classification)
	if err != nil {
		if errors.Is(err, labels.ErrUnmappedClassification) {
			t.ManualLabelReview = true
			return &StageResult{
				Stage:   StageLabel,
				Outcome: OutcomeFlagged,
				Detail:  err.Error(),
			}, nil
		}
		return nil, err
	}

	for _, l := range set {
		if err := d.Host.CreateLabelIfMissing(ctx, l.Name, l.Description, l.Color); err != nil {
			return nil, err
		}
	}
	names := labels.Names(set)
	if err := d.Host.ApplyLabels(ctx, t.PRNumber, names); err != nil {
		return nil, err
	}

	return &StageResult{
		Stage:       StageLabel,
		Outcome:     OutcomeCompleted,
		Detail:      strings.Join(names, ", "),
		SideEffects: []string{fmt.Sprintf("applied labels to PR #%d: %s", t.PRNumber, strings.Join(names, ", "))},
	}, nil
}

// verify reads CI check statuses. Failed runs are re-triggered at most once
// per invocation, then the run halts; pending checks also halt. The caller
// retries once CI has progressed.
func (d Deps) verify(ctx context.Context, t *task.Task) (*StageResult, error) {
	statuses, err := d.CI.GetCheckStatuses(ctx, t.PRNumber)
	if err != nil {
		return nil, err
	}

	var failed, pending []string
	rerun := make(map[int64]struct{})
	for name, result := range statuses {
		switch result.Status {
		case adapters.CheckFailed:
			failed = append(failed, name)
			rerun[result.RunID] = struct{}{}
		case adapters.CheckPending:
			pending = append(pending, name)
		}
	}
	sort.Strings(failed)
	sort.Strings(pending)

	if len(failed) > 0 {
		for runID := range rerun {
			if err := d.CI.RerunFailedChecks(ctx, runID); err != nil {
				return nil, err
			}
		}
		return nil, fmt.Errorf("%w: %s (failed runs re-triggered)", ErrChecksFailed, strings.Join(failed, ", "))
	}
	if len(pending) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrChecksPending, strings.Join(pending, ", "))
	}

	return &StageResult{
		Stage:   StageVerify,
		Outcome: OutcomeCompleted,
		Detail:  fmt.Sprintf("%d checks passed", len(statuses)),
		Summary: fmt.Sprintf("All %d CI checks passed on PR #%d.", len(statuses), t.PRNumber),
	}, nil
}

// disclose updates the tracker's AI-assistance disclosure field. The adapter
// verifies the write with a read-back.
func (d Deps) disclose(ctx context.Context, t *task.Task) (*StageResult, error) {
	if t.IssueKey == "" {
		return &StageResult{
			Stage:   StageDisclose,
			Outcome: OutcomeSkipped,
			Detail:  "no tracker issue associated",
		}, nil
	}

	if err := d.Tracker.UpdateField(ctx, t.IssueKey, d.Policy.DisclosureFieldKey, "Yes"); err != nil {
		return nil, err
	}
	return &StageResult{
		Stage:       StageDisclose,
		Outcome:     OutcomeCompleted,
		Detail:      fmt.Sprintf("field %s set to Yes on %s", d.Policy.DisclosureFieldKey, t.IssueKey),
		SideEffects: []string{fmt.Sprintf("updated %s on issue %s", d.Policy.DisclosureFieldKey, t.IssueKey)},
	}, nil
}

// finalize assembles the post-task summary from the audit trail.
func (d Deps) finalize(ctx context.Context, t *task.Task) (*StageResult, error) {
	trail := d.Recorder.Trail(t.ID)

	var b strings.Builder
	fmt.Fprintf(&b, "Task %s finished %d stages", t.ID, len(trail))
	if t.PRNumber != 0 {
		fmt.Fprintf(&b, "; PR #%d", t.PRNumber)
	}
	if reused := d.Recorder.ReusedOutcomes(t.ID); reused > 0 {
		fmt.Fprintf(&b, "; %d resources reused from a prior run", reused)
	}
	if t.ManualLabelReview {
		b.WriteString("; manual labeling required")
	}

	return &StageResult{
		Stage:   StageFinalize,
		Outcome: OutcomeCompleted,
		Detail:  b.String(),
	}, nil
}

// violationError joins blocking violations so errors.Is matches each
// sentinel in the taxonomy.
func violationError(blocking []compliance.Violation) error {
	errs := make([]error, len(blocking))
	for i, v := range blocking {
		errs[i] = v
	}
	return errors.Join(errs...)
}

func hasCheck(violations []compliance.Violation, check string) bool {
	for _, v := range violations {
		if v.Check == check {
			return true
		}
	}
	return false
}

func touchedProtected(paths, protected []string) []string {
	set := make(map[string]struct{}, len(protected))
	for _, p := range protected {
		set[p] = struct{}{}
	}
	var touched []string
	for _, p := range paths {
		if _, ok := set[p]; ok {
			touched = append(touched, p)
		}
	}
	return touched
}
