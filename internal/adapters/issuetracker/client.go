// Package issuetracker implements the IssueTracker adapter as a typed HTTP
// JSON client. Requests are rate limited client-side and retried with bounded
// backoff on transient failures. Field updates are verified with a read-back
// before they are considered done.
package issuetracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/changeflow/internal/adapters"
	"github.com/fyrsmithlabs/changeflow/internal/config"
)

// Client talks to an issue tracker's REST API.
type Client struct {
	baseURL string
	token   config.Secret
	httpc   *http.Client
	limiter *rate.Limiter
	retry   *adapters.RetryConfig
	logger  *zap.Logger
}

// New creates a tracker client from config.
func New(cfg config.TrackerConfig, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("tracker base URL is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		httpc:   &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		retry:   adapters.DefaultRetryConfig(),
		logger:  logger,
	}, nil
}

// issuePayload is the wire shape of an issue.
type issuePayload struct {
	Key    string `json:"key"`
	Fields struct {
		Summary            string   `json:"summary"`
		Description        string   `json:"description"`
		AcceptanceCriteria []string `json:"acceptance_criteria"`
		StoryPoints        int      `json:"story_points"`
		Links              []string `json:"links"`
	} `json:"fields"`
}

// FetchIssue retrieves the issue fields the pipeline consumes.
func (c *Client) FetchIssue(ctx context.Context, key string) (*adapters.Issue, error) {
	var payload issuePayload
	if err := c.do(ctx, "fetch_issue", http.MethodGet, "/rest/api/2/issue/"+key, nil, &payload); err != nil {
		return nil, err
	}

	return &adapters.Issue{
		Key:                payload.Key,
		Summary:            payload.Fields.Summary,
		Description:        payload.Fields.Description,
		AcceptanceCriteria: payload.Fields.AcceptanceCriteria,
		StoryPoints:        payload.Fields.StoryPoints,
		Links:              payload.Fields.Links,
	}, nil
}

// UpdateField sets a select-style field with a {"value": ...} payload, then
// reads the issue back and verifies the write landed.
func (c *Client) UpdateField(ctx context.Context, key, fieldKey, value string) error {
	body := map[string]any{
		"fields": map[string]any{
			fieldKey: map[string]string{"value": value},
		},
	}
	if err := c.do(ctx, "update_field", http.MethodPut, "/rest/api/2/issue/"+key, body, nil); err != nil {
		return err
	}

	// Read-back verification: the update is not done until the tracker
	// reports the new value.
	var raw struct {
		Fields map[string]json.RawMessage `json:"fields"`
	}
	if err := c.do(ctx, "verify_field", http.MethodGet, "/rest/api/2/issue/"+key, nil, &raw); err != nil {
		return err
	}

	fieldRaw, ok := raw.Fields[fieldKey]
	if !ok {
		return &adapters.ServiceError{
			Service:   "tracker",
			Operation: "verify_field",
			Err:       fmt.Errorf("field %q missing after update of issue %s", fieldKey, key),
		}
	}
	var field struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(fieldRaw, &field); err != nil {
		return &adapters.ServiceError{Service: "tracker", Operation: "verify_field", Err: err}
	}
	if field.Value != value {
		return &adapters.ServiceError{
			Service:   "tracker",
			Operation: "verify_field",
			Err:       fmt.Errorf("issue %s field %q is %q after update, want %q", key, fieldKey, field.Value, value),
		}
	}
	return nil
}

// do performs one rate-limited, retried request and decodes the response.
func (c *Client) do(ctx context.Context, operation, method, path string, body, out any) error {
	return adapters.Retry(ctx, c.retry, c.logger, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		var reader io.Reader
		if body != nil {
			encoded, err := json.Marshal(body)
			if err != nil {
				return fmt.Errorf("encoding request: %w", err)
			}
			reader = bytes.NewReader(encoded)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return fmt.Errorf("building request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token.IsSet() {
			req.Header.Set("Authorization", "Bearer "+c.token.Value())
		}

		resp, err := c.httpc.Do(req)
		if err != nil {
			return adapters.NewServiceError("tracker", operation, 0, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return adapters.NewServiceError("tracker", operation, resp.StatusCode,
				fmt.Errorf("%w: %s %s", adapters.ErrNotFound, method, path))
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return adapters.NewServiceError("tracker", operation, resp.StatusCode,
				fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))))
		}

		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return adapters.NewServiceError("tracker", operation, resp.StatusCode,
					fmt.Errorf("decoding response: %w", err))
			}
		}
		return nil
	})
}
