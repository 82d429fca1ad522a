// Package codehost implements the CodeHost and ContinuousIntegration
// adapters against the GitHub API. All calls go through bounded-backoff
// retry; repeating the same logical action against unchanged remote state is
// a no-op, never a duplicate.
package codehost

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/fyrsmithlabs/changeflow/internal/adapters"
	"github.com/fyrsmithlabs/changeflow/internal/config"
)

// Client is a go-github backed adapter scoped to one repository.
type Client struct {
	gh     *github.Client
	owner  string
	repo   string
	retry  *adapters.RetryConfig
	logger *zap.Logger
}

// New creates a client authenticated with the token.
func New(ctx context.Context, cfg config.CodeHostConfig, logger *zap.Logger) (*Client, error) {
	if !cfg.Token.IsSet() {
		return nil, fmt.Errorf("code host token not set")
	}
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, fmt.Errorf("code host owner and repo are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token.Value()})
	tc := oauth2.NewClient(ctx, ts)

	return &Client{
		gh:     github.NewClient(tc),
		owner:  cfg.Owner,
		repo:   cfg.Repo,
		retry:  adapters.DefaultRetryConfig(),
		logger: logger,
	}, nil
}

// FindOpenPR returns the open PR whose head is the branch, or nil.
func (c *Client) FindOpenPR(ctx context.Context, branch string) (*adapters.PullRequest, error) {
	var found *adapters.PullRequest
	err := c.call(ctx, "find_open_pr", func() (*github.Response, error) {
		opts := &github.PullRequestListOptions{
			State: "open",
			Head:  fmt.Sprintf("%s:%s", c.owner, branch),
		}
		prs, resp, err := c.gh.PullRequests.List(ctx, c.owner, c.repo, opts)
		if err != nil {
			return resp, err
		}
		if len(prs) > 0 {
			found = toPullRequest(prs[0])
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// CreatePR opens a pull request from branch onto base.
func (c *Client) CreatePR(ctx context.Context, branch, base, title, bodyHTML string) (*adapters.PullRequest, error) {
	var created *adapters.PullRequest
	err := c.call(ctx, "create_pr", func() (*github.Response, error) {
		pr, resp, err := c.gh.PullRequests.Create(ctx, c.owner, c.repo, &github.NewPullRequest{
			Title: github.String(title),
			Head:  github.String(branch),
			Base:  github.String(base),
			Body:  github.String(bodyHTML),
		})
		if err != nil {
			return resp, err
		}
		created = toPullRequest(pr)
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// UpdatePR replaces the PR body in place.
func (c *Client) UpdatePR(ctx context.Context, number int, bodyHTML string) error {
	return c.call(ctx, "update_pr", func() (*github.Response, error) {
		_, resp, err := c.gh.PullRequests.Edit(ctx, c.owner, c.repo, number, &github.PullRequest{
			Body: github.String(bodyHTML),
		})
		return resp, err
	})
}

// ApplyLabels adds the labels to the PR. Re-applying present labels is a
// no-op on the GitHub side.
func (c *Client) ApplyLabels(ctx context.Context, number int, labels []string) error {
	if len(labels) == 0 {
		return nil
	}
	return c.call(ctx, "apply_labels", func() (*github.Response, error) {
		_, resp, err := c.gh.Issues.AddLabelsToIssue(ctx, c.owner, c.repo, number, labels)
		return resp, err
	})
}

// CreateLabelIfMissing ensures the label exists in the repository.
func (c *Client) CreateLabelIfMissing(ctx context.Context, name, description, color string) error {
	var missing bool
	err := c.call(ctx, "get_label", func() (*github.Response, error) {
		_, resp, err := c.gh.Issues.GetLabel(ctx, c.owner, c.repo, name)
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			missing = true
			return resp, nil
		}
		return resp, err
	})
	if err != nil {
		return err
	}
	if !missing {
		return nil
	}

	return c.call(ctx, "create_label", func() (*github.Response, error) {
		_, resp, err := c.gh.Issues.CreateLabel(ctx, c.owner, c.repo, &github.Label{
			Name:        github.String(name),
			Description: github.String(description),
			Color:       github.String(color),
		})
		return resp, err
	})
}

// GetCheckStatuses maps check names to their status for the PR's head.
func (c *Client) GetCheckStatuses(ctx context.Context, prNumber int) (map[string]adapters.CheckResult, error) {
	var headSHA string
	err := c.call(ctx, "get_pr", func() (*github.Response, error) {
		pr, resp, err := c.gh.PullRequests.Get(ctx, c.owner, c.repo, prNumber)
		if err != nil {
			return resp, err
		}
		headSHA = pr.GetHead().GetSHA()
		return resp, nil
	})
	if err != nil {
		return nil, err
	}

	statuses := make(map[string]adapters.CheckResult)
	err = c.call(ctx, "list_check_runs", func() (*github.Response, error) {
		runs, resp, err := c.gh.Checks.ListCheckRunsForRef(ctx, c.owner, c.repo, headSHA, nil)
		if err != nil {
			return resp, err
		}
		for _, run := range runs.CheckRuns {
			statuses[run.GetName()] = adapters.CheckResult{
				Status: checkStatus(run),
				RunID:  run.GetID(),
			}
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	return statuses, nil
}

// RerunFailedChecks re-triggers the failed jobs of a workflow run.
func (c *Client) RerunFailedChecks(ctx context.Context, runID int64) error {
	return c.call(ctx, "rerun_failed_checks", func() (*github.Response, error) {
		return c.gh.Actions.RerunFailedJobsByID(ctx, c.owner, c.repo, runID)
	})
}

// call wraps one GitHub API operation in retry with status classification.
func (c *Client) call(ctx context.Context, operation string, fn func() (*github.Response, error)) error {
	return adapters.Retry(ctx, c.retry, c.logger, func() error {
		resp, err := fn()
		if err == nil {
			return nil
		}
		return adapters.NewServiceError("codehost", operation, responseStatus(resp), err)
	})
}

func checkStatus(run *github.CheckRun) adapters.CheckStatus {
	if run.GetStatus() != "completed" {
		return adapters.CheckPending
	}
	switch run.GetConclusion() {
	case "success", "neutral", "skipped":
		return adapters.CheckPassed
	default:
		return adapters.CheckFailed
	}
}

func toPullRequest(pr *github.PullRequest) *adapters.PullRequest {
	return &adapters.PullRequest{
		Number: pr.GetNumber(),
		Title:  pr.GetTitle(),
		Body:   pr.GetBody(),
		URL:    pr.GetHTMLURL(),
	}
}

func responseStatus(resp *github.Response) int {
	if resp != nil && resp.Response != nil {
		return resp.Response.StatusCode
	}
	return 0
}
