// Package toolchain exposes the coverage tooling as an opaque collaborator.
// The test runner itself is out of scope; this adapter reads the percentage
// summaries it produces and manages the instrumentation marker so re-entry
// never re-injects tooling that is already present.
package toolchain

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/changeflow/internal/config"
)

// FileCoverageSource reads baseline and current coverage percentages from
// summary files and tracks instrumentation by a marker line.
type FileCoverageSource struct {
	cfg config.CoverageConfig
}

// NewFileCoverageSource creates a source from config.
func NewFileCoverageSource(cfg config.CoverageConfig) *FileCoverageSource {
	return &FileCoverageSource{cfg: cfg}
}

// BaselineCoverage returns the base branch coverage percentage.
func (s *FileCoverageSource) BaselineCoverage(ctx context.Context) (float64, error) {
	return readPercentage(s.cfg.BaselineFile)
}

// CurrentCoverage returns the change branch coverage percentage.
func (s *FileCoverageSource) CurrentCoverage(ctx context.Context) (float64, error) {
	return readPercentage(s.cfg.CurrentFile)
}

// InstrumentationPresent reports whether the marker is already in the target
// file. A missing file means not instrumented.
func (s *FileCoverageSource) InstrumentationPresent(ctx context.Context) (bool, error) {
	if s.cfg.InstrumentationFile == "" {
		return false, nil
	}
	content, err := os.ReadFile(s.cfg.InstrumentationFile)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading instrumentation file: %w", err)
	}
	return strings.Contains(string(content), s.cfg.InstrumentationMarker), nil
}

// InjectInstrumentation appends the marker line to the target file.
func (s *FileCoverageSource) InjectInstrumentation(ctx context.Context) error {
	if s.cfg.InstrumentationFile == "" {
		return fmt.Errorf("instrumentation file not configured")
	}
	f, err := os.OpenFile(s.cfg.InstrumentationFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening instrumentation file: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintln(f, s.cfg.InstrumentationMarker); err != nil {
		return fmt.Errorf("writing instrumentation marker: %w", err)
	}
	return nil
}

// readPercentage parses a coverage summary file holding a single percentage,
// with or without a trailing percent sign.
func readPercentage(path string) (float64, error) {
	if path == "" {
		return 0, fmt.Errorf("coverage file not configured")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading coverage file: %w", err)
	}

	text := strings.TrimSpace(string(content))
	text = strings.TrimSuffix(text, "%")
	value, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing coverage %q: %w", text, err)
	}
	if value < 0 || value > 100 {
		return 0, fmt.Errorf("coverage %v out of range", value)
	}
	return value, nil
}
