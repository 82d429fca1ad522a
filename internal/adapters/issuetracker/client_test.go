package issuetracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/changeflow/internal/adapters"
	"github.com/fyrsmithlabs/changeflow/internal/config"
)

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := New(config.TrackerConfig{
		BaseURL:           url,
		Token:             "test-token",
		RequestsPerSecond: 1000,
	}, zap.NewNop())
	require.NoError(t, err)
	// Keep retry backoff out of test runtime.
	c.retry.InitialBackoff = time.Millisecond
	c.retry.MaxBackoff = time.Millisecond
	return c
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New(config.TrackerConfig{}, zap.NewNop())
	assert.Error(t, err)
}

func TestFetchIssue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/api/2/issue/PROJ-7", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		fmt.Fprint(w, `{
			"key": "PROJ-7",
			"fields": {
				"summary": "Fix login timeout",
				"description": "Sessions expire too early.",
				"acceptance_criteria": ["sessions last 30m"],
				"story_points": 3,
				"links": ["https://tracker.example.com/browse/PROJ-7"]
			}
		}`)
	}))
	defer srv.Close()

	issue, err := newTestClient(t, srv.URL).FetchIssue(context.Background(), "PROJ-7")
	require.NoError(t, err)
	assert.Equal(t, "PROJ-7", issue.Key)
	assert.Equal(t, "Fix login timeout", issue.Summary)
	assert.Equal(t, []string{"sessions last 30m"}, issue.AcceptanceCriteria)
	assert.Equal(t, 3, issue.StoryPoints)
	require.Len(t, issue.Links, 1)
}

func TestFetchIssueNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such issue", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).FetchIssue(context.Background(), "PROJ-404")
	require.Error(t, err)
	assert.True(t, errors.Is(err, adapters.ErrNotFound))
	assert.False(t, adapters.IsTransient(err))
}

func TestFetchIssueRetriesServerErrors(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "temporary outage", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"key": "PROJ-7", "fields": {"summary": "ok"}}`)
	}))
	defer srv.Close()

	issue, err := newTestClient(t, srv.URL).FetchIssue(context.Background(), "PROJ-7")
	require.NoError(t, err)
	assert.Equal(t, "ok", issue.Summary)
	assert.Equal(t, int64(3), calls.Load())
}

func TestUpdateFieldVerifiesReadBack(t *testing.T) {
	fields := map[string]string{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			var body struct {
				Fields map[string]struct {
					Value string `json:"value"`
				} `json:"fields"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			for k, v := range body.Fields {
				fields[k] = v.Value
			}
			w.WriteHeader(http.StatusNoContent)
		case http.MethodGet:
			out := map[string]any{"fields": map[string]any{}}
			for k, v := range fields {
				out["fields"].(map[string]any)[k] = map[string]string{"value": v}
			}
			require.NoError(t, json.NewEncoder(w).Encode(out))
		}
	}))
	defer srv.Close()

	err := newTestClient(t, srv.URL).UpdateField(context.Background(), "PROJ-7", "customfield_ai_assistance", "Yes")
	require.NoError(t, err)
	assert.Equal(t, "Yes", fields["customfield_ai_assistance"])
}

func TestUpdateFieldReadBackMismatchFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			// Accept the write but silently drop it.
			w.WriteHeader(http.StatusNoContent)
		case http.MethodGet:
			fmt.Fprint(w, `{"fields": {"customfield_ai_assistance": {"value": "No"}}}`)
		}
	}))
	defer srv.Close()

	err := newTestClient(t, srv.URL).UpdateField(context.Background(), "PROJ-7", "customfield_ai_assistance", "Yes")
	require.Error(t, err)
	assert.False(t, adapters.IsTransient(err), "a verified mismatch is not retryable")
	assert.Contains(t, err.Error(), "after update")
}

func TestUpdateFieldMissingAfterUpdateFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			w.WriteHeader(http.StatusNoContent)
		case http.MethodGet:
			fmt.Fprint(w, `{"fields": {}}`)
		}
	}))
	defer srv.Close()

	err := newTestClient(t, srv.URL).UpdateField(context.Background(), "PROJ-7", "customfield_ai_assistance", "Yes")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing after update")
}
