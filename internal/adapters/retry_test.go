package adapters

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fastRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func TestRetrySucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetryConfig(), zap.NewNop(), func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryRecoversFromTransientError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetryConfig(), zap.NewNop(), func() error {
		calls++
		if calls < 3 {
			return NewServiceError("codehost", "create_pr", http.StatusBadGateway, errors.New("bad gateway"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnNonTransientError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetryConfig(), zap.NewNop(), func() error {
		calls++
		return NewServiceError("tracker", "fetch_issue", http.StatusNotFound, errors.New("not found"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "non-transient errors are never retried")
}

func TestRetryExhaustsAndWrapsLastError(t *testing.T) {
	calls := 0
	cause := errors.New("connection reset")
	err := Retry(context.Background(), fastRetryConfig(), zap.NewNop(), func() error {
		calls++
		return NewServiceError("codehost", "push", http.StatusServiceUnavailable, cause)
	})
	require.Error(t, err)
	assert.Equal(t, 4, calls, "initial attempt plus MaxRetries")
	assert.True(t, errors.Is(err, cause), "last error surfaces wrapped")
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Retry(ctx, fastRetryConfig(), zap.NewNop(), func() error {
		calls++
		return NewServiceError("codehost", "push", 0, errors.New("network down"))
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, calls)
}

func TestServiceErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		transient bool
	}{
		{name: "network error without status", status: 0, transient: true},
		{name: "rate limited", status: http.StatusTooManyRequests, transient: true},
		{name: "server error", status: http.StatusInternalServerError, transient: true},
		{name: "bad gateway", status: http.StatusBadGateway, transient: true},
		{name: "bad request", status: http.StatusBadRequest, transient: false},
		{name: "unauthorized", status: http.StatusUnauthorized, transient: false},
		{name: "not found", status: http.StatusNotFound, transient: false},
		{name: "conflict", status: http.StatusConflict, transient: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewServiceError("svc", "op", tt.status, errors.New("boom"))
			assert.Equal(t, tt.transient, IsTransient(err))
		})
	}
}

func TestServiceErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := NewServiceError("svc", "op", http.StatusBadRequest, cause)
	assert.True(t, errors.Is(err, cause))
}

func TestIsTransientNonServiceError(t *testing.T) {
	assert.False(t, IsTransient(errors.New("plain error")))
	assert.False(t, IsTransient(nil))
}
