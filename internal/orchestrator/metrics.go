package orchestrator

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/changeflow/internal/orchestrator"

// Metrics holds the orchestration counters. Recording is best-effort: a
// failed instrument never affects stage execution.
type Metrics struct {
	meter           metric.Meter
	logger          *zap.Logger
	stageTotal      metric.Int64Counter
	gateResolutions metric.Int64Counter
}

// NewMetrics creates the orchestration metrics on the global meter provider.
func NewMetrics(logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Metrics{
		meter:  otel.Meter(instrumentationName),
		logger: logger,
	}

	var err error
	m.stageTotal, err = m.meter.Int64Counter(
		"changeflow.stage.transitions_total",
		metric.WithDescription("Stage executions labeled by stage name and outcome (completed, created, reused, skipped, flagged, halted)."),
		metric.WithUnit("{stage}"),
	)
	if err != nil {
		m.logger.Warn("failed to create stage counter", zap.Error(err))
	}

	m.gateResolutions, err = m.meter.Int64Counter(
		"changeflow.gate.resolutions_total",
		metric.WithDescription("Gate resolutions labeled by decision (confirm, reject, abort)."),
		metric.WithUnit("{gate}"),
	)
	if err != nil {
		m.logger.Warn("failed to create gate counter", zap.Error(err))
	}

	return m
}

// RecordStage counts one stage execution outcome.
func (m *Metrics) RecordStage(ctx context.Context, stageName, outcome string) {
	if m == nil || m.stageTotal == nil {
		return
	}
	m.stageTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("stage", stageName),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordGate counts one gate resolution.
func (m *Metrics) RecordGate(ctx context.Context, decision Decision) {
	if m == nil || m.gateResolutions == nil {
		return
	}
	m.gateResolutions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("decision", string(decision))),
	)
}
