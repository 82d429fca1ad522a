// Package main implements the changeflow CLI: running a change task through
// the gated pipeline, serving the operator HTTP API, and inspecting tasks on
// a running server.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/changeflow/internal/adapters"
	"github.com/fyrsmithlabs/changeflow/internal/adapters/codehost"
	"github.com/fyrsmithlabs/changeflow/internal/adapters/issuetracker"
	"github.com/fyrsmithlabs/changeflow/internal/adapters/toolchain"
	"github.com/fyrsmithlabs/changeflow/internal/adapters/versioncontrol"
	"github.com/fyrsmithlabs/changeflow/internal/audit"
	"github.com/fyrsmithlabs/changeflow/internal/compliance"
	"github.com/fyrsmithlabs/changeflow/internal/config"
	"github.com/fyrsmithlabs/changeflow/internal/idempotency"
	"github.com/fyrsmithlabs/changeflow/internal/logging"
	"github.com/fyrsmithlabs/changeflow/internal/orchestrator"
	"github.com/fyrsmithlabs/changeflow/internal/server"
	"github.com/fyrsmithlabs/changeflow/internal/task"
)

var (
	configPath string
	serverURL  string

	// run flags
	issueKey          string
	changeType        string
	publicAPIChanged  bool
	securityRelevant  bool
	protectedApproval bool

	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "changeflow",
	Short: "Gated change-task pipeline from intake to merge readiness",
	Long: `changeflow drives a change request through a gated stage pipeline:
issue intake, branch preparation, compliance validation, coverage checks,
pull request publication, labeling, CI verification, and disclosure.

Every gate stops for an explicit confirm, reject, or abort; nothing merges
on its own.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (YAML)")

	runCmd.Flags().StringVar(&issueKey, "issue", "", "issue tracker key (e.g. PROJ-123)")
	runCmd.Flags().StringVar(&changeType, "type", "bugfix", "change type: bugfix, feature, security, performance, dependency")
	runCmd.Flags().BoolVar(&publicAPIChanged, "public-api", false, "the change alters a public API")
	runCmd.Flags().BoolVar(&securityRelevant, "security", false, "the change is security relevant")
	runCmd.Flags().BoolVar(&protectedApproval, "protected-approval", false, "explicit approval to touch protected files")

	statusCmd.Flags().StringVar(&serverURL, "server", "http://localhost:9623", "changeflow server URL")
	resumeCmd.Flags().StringVar(&serverURL, "server", "http://localhost:9623", "changeflow server URL")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resumeCmd)
}

// runCmd drives a single task interactively: each gate prints its summary and
// reads the decision from stdin.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a change task through the pipeline interactively",
	Long: `Run a change task through the pipeline. At each gate the stage summary and
the remaining stages are printed, and the decision is read from stdin.

Examples:
  # Run a bugfix task for a tracker issue
  changeflow run --config changeflow.yaml --issue PROJ-123 --type bugfix

  # A feature that changes a public API
  changeflow run --config changeflow.yaml --issue PROJ-200 --type feature --public-api`,
	RunE: runTask,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the operator HTTP API",
	Long: `Start the operator HTTP API. Tasks are created and gates resolved over
HTTP; see the status command for inspection.

Examples:
  changeflow serve --config changeflow.yaml`,
	RunE: runServe,
}

var resumeCmd = &cobra.Command{
	Use:   "resume <task-id>",
	Short: "Resume a parked or halted task on a running server",
	Long: `Resume a task on a running changeflow server. A task parked at a gate
prints the gate and reads the decision from stdin; a halted task is retried
at its current stage.

Examples:
  changeflow resume PROJ-123
  changeflow resume PROJ-123 --server http://localhost:9623`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

var statusCmd = &cobra.Command{
	Use:   "status [task-id]",
	Short: "Show tasks on a running changeflow server",
	Long: `Show all tasks, or one task with its audit trail, on a running server.

Examples:
  changeflow status
  changeflow status 4f8b2c1a --server http://localhost:9623`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func runTask(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	orch, logger, err := buildOrchestrator(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	t := orch.NewTask(issueKey, task.Classification{
		Type:             changeType,
		PublicAPIChanged: publicAPIChanged,
		SecurityRelevant: securityRelevant,
	}, protectedApproval)

	fmt.Printf("task %s created\n", t.ID)

	reader := bufio.NewReader(os.Stdin)
	for {
		res, err := orch.Run(ctx, t.ID)
		if err != nil {
			return fmt.Errorf("task halted: %w", err)
		}

		if res.Completed {
			fmt.Println()
			fmt.Print(orch.Summary(t.ID))
			return nil
		}
		if !res.Suspended || res.Gate == nil {
			return fmt.Errorf("task %s stopped without completing", t.ID)
		}

		decision, err := promptDecision(reader, res.Gate)
		if err != nil {
			return err
		}

		resolution, err := orch.Resolve(ctx, t.ID, decision)
		if err != nil {
			return err
		}
		if resolution.Decision == orchestrator.DecisionAbort {
			fmt.Printf("task %s aborted at %s\n", t.ID, resolution.Gate.Stage)
			return nil
		}
		if resolution.RevisionRequested {
			fmt.Printf("revision requested; re-running %s\n", resolution.Gate.Stage)
		}
	}
}

// promptDecision prints the gate and reads confirm/reject/abort from stdin,
// re-prompting on anything else.
func promptDecision(reader *bufio.Reader, g *orchestrator.Gate) (orchestrator.Decision, error) {
	fmt.Println()
	fmt.Printf("gate after %s:\n  %s\n", g.Stage, g.Summary)
	if len(g.RemainingStages) > 0 {
		fmt.Printf("  remaining: %s\n", strings.Join(g.RemainingStages, ", "))
	}

	for {
		fmt.Printf("  [%s]> ", g.Prompt)
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return "", fmt.Errorf("stdin closed with gate open at %s", g.Stage)
			}
			return "", err
		}

		decision, err := orchestrator.ParseDecision(strings.TrimSpace(line))
		if err != nil {
			fmt.Printf("  %v\n", err)
			continue
		}
		return decision, nil
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	orch, err := assemble(ctx, cfg, logger)
	if err != nil {
		return err
	}

	srv, err := server.NewServer(orch, logger, &server.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	})
	if err != nil {
		return err
	}

	logger.Info("starting changeflow server",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
	)
	return srv.Start(ctx)
}

func runResume(cmd *cobra.Command, args []string) error {
	id := args[0]
	client := &http.Client{Timeout: 30 * time.Second}

	resp, err := client.Get(fmt.Sprintf("%s/api/v1/tasks/%s/gate", serverURL, id))
	if err != nil {
		return fmt.Errorf("failed to reach server at %s: %w", serverURL, err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		var gate orchestrator.Gate
		if err := json.Unmarshal(body, &gate); err != nil {
			return fmt.Errorf("failed to decode gate: %w", err)
		}
		decision, err := promptDecision(bufio.NewReader(os.Stdin), &gate)
		if err != nil {
			return err
		}
		return postJSON(client, fmt.Sprintf("%s/api/v1/tasks/%s/gate", serverURL, id),
			fmt.Sprintf(`{"decision": %q}`, decision))
	case http.StatusNotFound:
		// No open gate: retry the task at its current stage.
		if err := postJSON(client, fmt.Sprintf("%s/api/v1/tasks/%s/run", serverURL, id), ""); err != nil {
			return err
		}
		fmt.Printf("task %s retry requested\n", id)
		return nil
	default:
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
}

func postJSON(client *http.Client, url, body string) error {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(http.MethodPost, url, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	client := &http.Client{Timeout: 30 * time.Second}

	url := fmt.Sprintf("%s/api/v1/tasks", serverURL)
	if len(args) == 1 {
		url = fmt.Sprintf("%s/api/v1/tasks/%s", serverURL, args[0])
	}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("failed to reach server at %s: %w", serverURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var pretty json.RawMessage = body
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		fmt.Println(string(body))
		return nil
	}
	fmt.Println(string(out))
	return nil
}

// buildOrchestrator loads config, builds the logger, and assembles the
// pipeline for local interactive use.
func buildOrchestrator(ctx context.Context) (*orchestrator.Orchestrator, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}

	orch, err := assemble(ctx, cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}
	return orch, logger, nil
}

// assemble wires the adapters into the orchestrator's stage pipeline.
func assemble(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*orchestrator.Orchestrator, error) {
	vcs, err := versioncontrol.Open(cfg.Repo.Path, cfg.Repo.Remote)
	if err != nil {
		return nil, fmt.Errorf("opening repository %s: %w", cfg.Repo.Path, err)
	}

	host, err := codehost.New(ctx, cfg.CodeHost, logger)
	if err != nil {
		return nil, fmt.Errorf("creating code host client: %w", err)
	}

	// The tracker is optional: tasks without an issue key skip intake fetch
	// and disclosure.
	var tracker adapters.IssueTracker
	if cfg.Tracker.BaseURL != "" {
		tracker, err = issuetracker.New(cfg.Tracker, logger)
		if err != nil {
			return nil, fmt.Errorf("creating tracker client: %w", err)
		}
	} else if issueKey != "" {
		return nil, errors.New("an issue key was given but tracker.base_url is not configured")
	}

	coverage := toolchain.NewFileCoverageSource(cfg.Coverage)

	deps := orchestrator.Deps{
		Tracker:  tracker,
		VCS:      vcs,
		Host:     host,
		CI:       host,
		Coverage: coverage,
		Idem:     idempotency.NewTracker(vcs, host, coverage),
		Registry: task.NewRegistry(),
		Recorder: audit.NewRecorder(logger),
		Policy: orchestrator.Policy{
			ProtectedFiles:    cfg.Compliance.ProtectedFiles,
			CoverageThreshold: cfg.Compliance.CoverageThreshold,
			Contributor: compliance.Identity{
				Name:  cfg.Compliance.ContributorName,
				Email: cfg.Compliance.ContributorEmail,
			},
			BaseBranch:         cfg.Repo.BaseBranch,
			DisclosureFieldKey: cfg.Tracker.DisclosureFieldKey,
		},
		Logger: logger,
	}
	return orchestrator.New(deps, logger), nil
}
