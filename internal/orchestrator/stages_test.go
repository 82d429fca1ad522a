package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/changeflow/internal/adapters"
	"github.com/fyrsmithlabs/changeflow/internal/audit"
	"github.com/fyrsmithlabs/changeflow/internal/compliance"
	"github.com/fyrsmithlabs/changeflow/internal/idempotency"
	"github.com/fyrsmithlabs/changeflow/internal/task"
)

// fakeWorld is an in-memory stand-in for every external system the pipeline
// touches. State mutates the way the real systems would, so re-entry paths
// can be exercised against "already exists" conditions.
type fakeWorld struct {
	issue *adapters.Issue

	branches map[string]*adapters.BranchInfo
	commits  []string
	paths    []string
	pushes   int

	openPR        *adapters.PullRequest
	createdPRs    int
	updatedPRs    int
	labelsApplied []string
	labelsCreated []string

	checks map[string]adapters.CheckResult
	reruns []int64

	baseline, current float64
	instrumented      bool
	injections        int

	fieldUpdates map[string]string
}

func newFakeWorld() *fakeWorld {
	return &fakeWorld{
		issue: &adapters.Issue{
			Key:         "PROJ-7",
			Summary:     "Fix login timeout",
			Description: "Sessions expired too early.",
			Links:       []string{"https://tracker.example.com/browse/PROJ-7"},
		},
		branches: make(map[string]*adapters.BranchInfo),
		commits: []string{
			"Fix login timeout (PROJ-7)\n\nbody\n\nSigned-off-by: Jordan Doe <jordan@example.com>\n",
		},
		paths:        []string{"internal/session/store.go"},
		checks:       map[string]adapters.CheckResult{"unit": {Status: adapters.CheckPassed, RunID: 1}},
		baseline:     81,
		current:      84,
		fieldUpdates: make(map[string]string),
	}
}

func (w *fakeWorld) FetchIssue(ctx context.Context, key string) (*adapters.Issue, error) {
	if w.issue == nil || w.issue.Key != key {
		return nil, adapters.ErrNotFound
	}
	return w.issue, nil
}

func (w *fakeWorld) UpdateField(ctx context.Context, key, fieldKey, value string) error {
	w.fieldUpdates[key+"/"+fieldKey] = value
	return nil
}

func (w *fakeWorld) BranchInfo(ctx context.Context, name, base string) (*adapters.BranchInfo, error) {
	if info, ok := w.branches[name]; ok {
		return info, nil
	}
	return &adapters.BranchInfo{Name: name}, nil
}

func (w *fakeWorld) CreateBranch(ctx context.Context, name, base string) error {
	w.branches[name] = &adapters.BranchInfo{Name: name, Exists: true, Head: "abc123"}
	return nil
}

func (w *fakeWorld) Push(ctx context.Context, name string) error {
	w.pushes++
	return nil
}

func (w *fakeWorld) CommitMessages(ctx context.Context, branch, base string) ([]string, error) {
	return w.commits, nil
}

func (w *fakeWorld) ChangedPaths(ctx context.Context, branch, base string) ([]string, error) {
	return w.paths, nil
}

func (w *fakeWorld) FindOpenPR(ctx context.Context, branch string) (*adapters.PullRequest, error) {
	return w.openPR, nil
}

func (w *fakeWorld) CreatePR(ctx context.Context, branch, base, title, bodyHTML string) (*adapters.PullRequest, error) {
	w.createdPRs++
	w.openPR = &adapters.PullRequest{Number: 42, Title: title, Body: bodyHTML, URL: "https://host.example.com/pr/42"}
	return w.openPR, nil
}

func (w *fakeWorld) UpdatePR(ctx context.Context, number int, bodyHTML string) error {
	w.updatedPRs++
	return nil
}

func (w *fakeWorld) ApplyLabels(ctx context.Context, number int, labels []string) error {
	w.labelsApplied = append(w.labelsApplied, labels...)
	return nil
}

func (w *fakeWorld) CreateLabelIfMissing(ctx context.Context, name, description, color string) error {
	w.labelsCreated = append(w.labelsCreated, name)
	return nil
}

func (w *fakeWorld) GetCheckStatuses(ctx context.Context, prNumber int) (map[string]adapters.CheckResult, error) {
	return w.checks, nil
}

func (w *fakeWorld) RerunFailedChecks(ctx context.Context, runID int64) error {
	w.reruns = append(w.reruns, runID)
	return nil
}

func (w *fakeWorld) BaselineCoverage(ctx context.Context) (float64, error) { return w.baseline, nil }

func (w *fakeWorld) CurrentCoverage(ctx context.Context) (float64, error) { return w.current, nil }

func (w *fakeWorld) InstrumentationPresent(ctx context.Context) (bool, error) {
	return w.instrumented, nil
}

func (w *fakeWorld) InjectInstrumentation(ctx context.Context) error {
	w.instrumented = true
	w.injections++
	return nil
}

func newTestOrchestrator(w *fakeWorld) *Orchestrator {
	deps := Deps{
		Tracker:  w,
		VCS:      w,
		Host:     w,
		CI:       w,
		Coverage: w,
		Idem:     idempotency.NewTracker(w, w, w),
		Registry: task.NewRegistry(),
		Recorder: audit.NewRecorder(zap.NewNop()),
		Policy: Policy{
			ProtectedFiles:     []string{"LICENSE", "NOTICE", "CODEOWNERS"},
			CoverageThreshold:  80,
			Contributor:        compliance.Identity{Name: "Jordan Doe", Email: "jordan@example.com"},
			BaseBranch:         "main",
			DisclosureFieldKey: "customfield_ai_assistance",
		},
		Logger: zap.NewNop(),
	}
	return New(deps, zap.NewNop())
}

// confirmAll drives a task through every gate, confirming each one.
func confirmAll(t *testing.T, o *Orchestrator, id string) *TaskResult {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 16; i++ {
		res, err := o.Run(ctx, id)
		require.NoError(t, err)
		if res.Completed {
			return res
		}
		require.True(t, res.Suspended, "run must complete or suspend")
		_, err = o.Resolve(ctx, id, DecisionConfirm)
		require.NoError(t, err)
	}
	t.Fatal("task did not complete within the iteration limit")
	return nil
}

func TestPipelineHappyPath(t *testing.T) {
	w := newFakeWorld()
	o := newTestOrchestrator(w)

	tk := o.NewTask("PROJ-7", task.Classification{Type: "bugfix"}, false)
	res := confirmAll(t, o, tk.ID)

	assert.True(t, res.Completed)
	assert.Equal(t, task.StatusCompleted, tk.Status)
	assert.Equal(t, "PROJ-7-fix-login-timeout", tk.Branch)
	assert.Equal(t, 42, tk.PRNumber)

	assert.Equal(t, 1, w.createdPRs)
	assert.Equal(t, 1, w.pushes)
	assert.Equal(t, 1, w.injections)
	assert.Equal(t, []string{"Aspect: Stability"}, w.labelsApplied)
	assert.Equal(t, "Yes", w.fieldUpdates["PROJ-7/customfield_ai_assistance"])

	require.NotNil(t, tk.Compliance)
	assert.True(t, tk.Compliance.SignOffPresent)
	assert.InDelta(t, 84, tk.Compliance.CoverageAbsolute, 0.001)
	assert.InDelta(t, 3, tk.Compliance.CoverageDelta, 0.001)
}

func TestPipelineGatesInOrder(t *testing.T) {
	w := newFakeWorld()
	o := newTestOrchestrator(w)
	ctx := context.Background()

	tk := o.NewTask("PROJ-7", task.Classification{Type: "bugfix"}, false)

	var gated []string
	for i := 0; i < 16; i++ {
		res, err := o.Run(ctx, tk.ID)
		require.NoError(t, err)
		if res.Completed {
			break
		}
		gated = append(gated, res.Gate.Stage)
		_, err = o.Resolve(ctx, tk.ID, DecisionConfirm)
		require.NoError(t, err)
	}

	assert.Equal(t, []string{StageIntake, StageValidate, StagePublish, StageVerify}, gated)
}

func TestPipelineReentryReusesResources(t *testing.T) {
	w := newFakeWorld()
	// Branch and PR already exist from a previous run; instrumentation too.
	w.branches["PROJ-7-fix-login-timeout"] = &adapters.BranchInfo{
		Name: "PROJ-7-fix-login-timeout", Exists: true, Head: "abc123",
	}
	w.openPR = &adapters.PullRequest{Number: 17, URL: "https://host.example.com/pr/17"}
	w.instrumented = true

	o := newTestOrchestrator(w)
	tk := o.NewTask("PROJ-7", task.Classification{Type: "bugfix"}, false)
	res := confirmAll(t, o, tk.ID)

	assert.True(t, res.Completed)
	assert.Equal(t, 0, w.createdPRs, "existing open PR is updated, not duplicated")
	assert.Equal(t, 1, w.updatedPRs)
	assert.Equal(t, 0, w.injections, "instrumentation is never re-injected")
	assert.Equal(t, 17, tk.PRNumber)

	summary := o.Summary(tk.ID)
	assert.Contains(t, summary, "reused")
}

func TestPipelineDivergedBranchHalts(t *testing.T) {
	w := newFakeWorld()
	w.branches["PROJ-7-fix-login-timeout"] = &adapters.BranchInfo{
		Name: "PROJ-7-fix-login-timeout", Exists: true, Diverged: true,
	}

	o := newTestOrchestrator(w)
	ctx := context.Background()
	tk := o.NewTask("PROJ-7", task.Classification{Type: "bugfix"}, false)

	res, err := o.Run(ctx, tk.ID)
	require.NoError(t, err)
	require.True(t, res.Suspended)
	_, err = o.Resolve(ctx, tk.ID, DecisionConfirm)
	require.NoError(t, err)

	_, err = o.Run(ctx, tk.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, idempotency.ErrDivergedConflict))
	assert.Equal(t, task.StatusHalted, tk.Status)
	assert.Equal(t, 0, w.pushes, "a diverged branch is never pushed over")
}

func TestPipelineMissingSignOffHalts(t *testing.T) {
	w := newFakeWorld()
	w.commits = []string{"Fix login timeout (PROJ-7)\n\nno trailer\n"}

	o := newTestOrchestrator(w)
	ctx := context.Background()
	tk := o.NewTask("PROJ-7", task.Classification{Type: "bugfix"}, false)

	res, err := o.Run(ctx, tk.ID)
	require.NoError(t, err)
	require.True(t, res.Suspended)
	_, err = o.Resolve(ctx, tk.ID, DecisionConfirm)
	require.NoError(t, err)

	_, err = o.Run(ctx, tk.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, compliance.ErrMissingSignOff))
	assert.Equal(t, 0, w.createdPRs, "nothing publishes while validation fails")

	// The operator amends the commits; retry resumes at validate and passes.
	w.commits = newFakeWorld().commits
	res, err = o.Run(ctx, tk.ID)
	require.NoError(t, err)
	assert.True(t, res.Suspended)
	assert.Equal(t, StageValidate, res.Gate.Stage)
}

func TestPipelineProtectedFileNeedsApproval(t *testing.T) {
	ctx := context.Background()

	halt := func(approval bool) (*fakeWorld, error) {
		w := newFakeWorld()
		w.paths = []string{"LICENSE", "internal/session/store.go"}
		o := newTestOrchestrator(w)
		tk := o.NewTask("PROJ-7", task.Classification{Type: "bugfix"}, approval)

		res, err := o.Run(ctx, tk.ID)
		require.NoError(t, err)
		require.True(t, res.Suspended)
		_, err = o.Resolve(ctx, tk.ID, DecisionConfirm)
		require.NoError(t, err)

		_, err = o.Run(ctx, tk.ID)
		return w, err
	}

	_, err := halt(false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, compliance.ErrProtectedFileViolation))

	_, err = halt(true)
	assert.NoError(t, err, "explicit approval admits protected file changes")
}

func TestPipelineCoverageRegressionBelowFloorHalts(t *testing.T) {
	w := newFakeWorld()
	w.baseline = 76
	w.current = 74

	o := newTestOrchestrator(w)
	ctx := context.Background()
	tk := o.NewTask("PROJ-7", task.Classification{Type: "bugfix"}, false)

	// Confirm intake and validate gates, then the coverage stage halts.
	for i := 0; i < 2; i++ {
		res, err := o.Run(ctx, tk.ID)
		require.NoError(t, err)
		require.True(t, res.Suspended)
		_, err = o.Resolve(ctx, tk.ID, DecisionConfirm)
		require.NoError(t, err)
	}

	_, err := o.Run(ctx, tk.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, compliance.ErrCoverageBelowThreshold))
}

func TestPipelineCoverageDropAboveFloorIsReported(t *testing.T) {
	w := newFakeWorld()
	w.baseline = 95
	w.current = 82

	o := newTestOrchestrator(w)
	tk := o.NewTask("PROJ-7", task.Classification{Type: "bugfix"}, false)
	res := confirmAll(t, o, tk.ID)

	assert.True(t, res.Completed)
	require.NotNil(t, tk.Compliance)
	assert.True(t, tk.Compliance.CoverageRegressionReported)
}

func TestPipelineUnmappedClassificationFlagsManualReview(t *testing.T) {
	w := newFakeWorld()
	o := newTestOrchestrator(w)

	tk := o.NewTask("PROJ-7", task.Classification{Type: "chore"}, false)
	res := confirmAll(t, o, tk.ID)

	assert.True(t, res.Completed)
	assert.True(t, tk.ManualLabelReview)
	assert.Empty(t, w.labelsApplied, "no labels are guessed for unmapped classifications")
}

func TestPipelineFailedChecksRerunOnceThenHalt(t *testing.T) {
	w := newFakeWorld()
	w.checks = map[string]adapters.CheckResult{
		"unit": {Status: adapters.CheckFailed, RunID: 9},
		"lint": {Status: adapters.CheckPassed, RunID: 9},
	}

	o := newTestOrchestrator(w)
	ctx := context.Background()
	tk := o.NewTask("PROJ-7", task.Classification{Type: "bugfix"}, false)

	// Confirm intake, validate, publish; then verify halts on the failed check.
	for i := 0; i < 3; i++ {
		res, err := o.Run(ctx, tk.ID)
		require.NoError(t, err)
		require.True(t, res.Suspended)
		_, err = o.Resolve(ctx, tk.ID, DecisionConfirm)
		require.NoError(t, err)
	}

	_, err := o.Run(ctx, tk.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrChecksFailed))
	assert.Equal(t, []int64{9}, w.reruns, "each failed run is re-triggered exactly once")

	// CI goes green; retry resumes at verify and gates.
	w.checks = map[string]adapters.CheckResult{
		"unit": {Status: adapters.CheckPassed, RunID: 10},
		"lint": {Status: adapters.CheckPassed, RunID: 10},
	}
	res, err := o.Run(ctx, tk.ID)
	require.NoError(t, err)
	require.True(t, res.Suspended)
	assert.Equal(t, StageVerify, res.Gate.Stage)
}

func TestPipelinePendingChecksHalt(t *testing.T) {
	w := newFakeWorld()
	w.checks = map[string]adapters.CheckResult{
		"unit": {Status: adapters.CheckPending, RunID: 9},
	}

	o := newTestOrchestrator(w)
	ctx := context.Background()
	tk := o.NewTask("PROJ-7", task.Classification{Type: "bugfix"}, false)

	for i := 0; i < 3; i++ {
		res, err := o.Run(ctx, tk.ID)
		require.NoError(t, err)
		require.True(t, res.Suspended)
		_, err = o.Resolve(ctx, tk.ID, DecisionConfirm)
		require.NoError(t, err)
	}

	_, err := o.Run(ctx, tk.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrChecksPending))
	assert.Empty(t, w.reruns, "pending checks are never re-triggered")
}

func TestPipelineConcurrentTaskConflict(t *testing.T) {
	w := newFakeWorld()
	o := newTestOrchestrator(w)
	ctx := context.Background()

	first := o.NewTask("PROJ-7", task.Classification{Type: "bugfix"}, false)
	res, err := o.Run(ctx, first.ID)
	require.NoError(t, err)
	require.True(t, res.Suspended)

	// A second task deriving the same branch halts at intake.
	second := o.NewTask("", task.Classification{Type: "bugfix"}, false)
	second.Branch = first.Branch
	_, err = o.Run(ctx, second.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, task.ErrConcurrentTaskConflict))
}

func TestPipelineAbortReleasesBranch(t *testing.T) {
	w := newFakeWorld()
	o := newTestOrchestrator(w)
	ctx := context.Background()

	first := o.NewTask("PROJ-7", task.Classification{Type: "bugfix"}, false)
	res, err := o.Run(ctx, first.ID)
	require.NoError(t, err)
	require.True(t, res.Suspended)

	_, err = o.Resolve(ctx, first.ID, DecisionAbort)
	require.NoError(t, err)
	assert.Equal(t, task.StatusAborted, first.Status)

	// The branch is free again for a fresh task.
	assert.NoError(t, o.registry.Acquire(first.Branch, "replacement-task"))

	// The aborted task itself never runs again.
	_, err = o.Run(ctx, first.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTaskAborted))
}

func TestPipelineDiscloseSkipsWithoutIssue(t *testing.T) {
	w := newFakeWorld()
	o := newTestOrchestrator(w)

	tk := o.NewTask("", task.Classification{Type: "feature"}, false)
	tk.Title = "Add widget"
	res := confirmAll(t, o, tk.ID)

	assert.True(t, res.Completed)
	assert.Empty(t, w.fieldUpdates, "no tracker update without an issue key")
}

func TestPipelineTrailRecordsSideEffects(t *testing.T) {
	w := newFakeWorld()
	o := newTestOrchestrator(w)

	tk := o.NewTask("PROJ-7", task.Classification{Type: "bugfix"}, false)
	confirmAll(t, o, tk.ID)

	trail := o.Trail(tk.ID)
	require.NotEmpty(t, trail)

	var effects []string
	for _, e := range trail {
		effects = append(effects, e.SideEffects...)
	}
	assert.Contains(t, effects, fmt.Sprintf("created branch %s", tk.Branch))
	assert.Contains(t, effects, "created PR #42")
}
