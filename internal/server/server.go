// Package server exposes the operator HTTP API: task inspection and gate
// resolution. It is the remote counterpart of the CLI's turn-based prompt;
// every stage boundary surfaces the same summary/remaining-stages/prompt
// contract here.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/changeflow/internal/orchestrator"
	"github.com/fyrsmithlabs/changeflow/internal/task"
)

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Server provides the operator endpoints.
type Server struct {
	echo   *echo.Echo
	orch   *orchestrator.Orchestrator
	logger *zap.Logger
	config *Config
}

// NewServer creates the operator API server.
func NewServer(orch *orchestrator.Orchestrator, logger *zap.Logger, cfg *Config) (*Server, error) {
	if orch == nil {
		return nil, fmt.Errorf("orchestrator cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking")
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 9623}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:   e,
		orch:   orch,
		logger: logger,
		config: cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)

	v1 := s.echo.Group("/api/v1")
	v1.GET("/tasks", s.handleListTasks)
	v1.POST("/tasks", s.handleCreateTask)
	v1.GET("/tasks/:id", s.handleGetTask)
	v1.POST("/tasks/:id/run", s.handleRunTask)
	v1.GET("/tasks/:id/gate", s.handleGetGate)
	v1.POST("/tasks/:id/gate", s.handleResolveGate)
}

// Start runs the server until the context is canceled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.echo.Shutdown(shutdownCtx)
	}
}

// Handler exposes the echo handler for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListTasks(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"tasks": s.orch.Tasks()})
}

// createTaskRequest is the intake payload.
type createTaskRequest struct {
	IssueKey          string              `json:"issue_key"`
	Classification    task.Classification `json:"classification"`
	ProtectedApproval bool                `json:"protected_approval"`
}

func (s *Server) handleCreateTask(c echo.Context) error {
	var req createTaskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	t := s.orch.NewTask(req.IssueKey, req.Classification, req.ProtectedApproval)

	// Snapshot before the background run starts mutating the task.
	created := t.Clone()
	s.runInBackground(t.ID)

	return c.JSON(http.StatusCreated, created)
}

func (s *Server) handleGetTask(c echo.Context) error {
	id := c.Param("id")
	t, ok := s.orch.Task(id)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("unknown task %q", id))
	}
	return c.JSON(http.StatusOK, map[string]any{
		"task":  t,
		"trail": s.orch.Trail(id),
	})
}

// handleRunTask retries a halted or pending task. A task parked at a gate is
// resumed through gate resolution, not a retry.
func (s *Server) handleRunTask(c echo.Context) error {
	id := c.Param("id")
	t, ok := s.orch.Task(id)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("unknown task %q", id))
	}
	switch t.Status {
	case task.StatusAwaitingConfirmation:
		return echo.NewHTTPError(http.StatusConflict, "task is awaiting gate resolution")
	case task.StatusAborted:
		return echo.NewHTTPError(http.StatusGone, "task is aborted")
	}

	s.runInBackground(id)
	return c.JSON(http.StatusAccepted, t)
}

func (s *Server) handleGetGate(c echo.Context) error {
	id := c.Param("id")
	if _, ok := s.orch.Task(id); !ok {
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("unknown task %q", id))
	}
	g, ok := s.orch.Gate(id)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no open gate")
	}
	return c.JSON(http.StatusOK, g)
}

// resolveGateRequest carries the operator's decision.
type resolveGateRequest struct {
	Decision string `json:"decision"`
}

func (s *Server) handleResolveGate(c echo.Context) error {
	id := c.Param("id")
	var req resolveGateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	decision, err := orchestrator.ParseDecision(req.Decision)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	res, err := s.orch.Resolve(c.Request().Context(), id, decision)
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrNoOpenGate):
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		case errors.Is(err, orchestrator.ErrTaskAborted):
			return echo.NewHTTPError(http.StatusGone, err.Error())
		default:
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
	}

	// Confirm and reject resume the task's single logical thread.
	if decision != orchestrator.DecisionAbort {
		s.runInBackground(id)
	}

	return c.JSON(http.StatusOK, res)
}

// runInBackground resumes a task after intake or a gate resolution. Halts
// are expected (caller-initiated retry applies) and logged, not fatal.
func (s *Server) runInBackground(id string) {
	go func() {
		ctx := context.Background()
		if _, err := s.orch.Run(ctx, id); err != nil {
			s.logger.Warn("task run halted",
				zap.String("task_id", id),
				zap.Error(err),
			)
		}
	}()
}
