package replay

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type replayMetrics struct {
	pending  metric.Int64UpDownCounter
	requests metric.Int64Counter
	retries  metric.Int64Counter
}

func newReplayMetrics(logger pslog.Logger) *replayMetrics {
	meter := otel.Meter("pkt.systems/dtxn/replay")
	m := &replayMetrics{}
	var err error

	m.pending, err = meter.Int64UpDownCounter(
		"dtxn.replay.requests.pending",
		metric.WithDescription("Replay requests ingested but not yet retired"),
	)
	logMetricInitError(logger, "dtxn.replay.requests.pending", err)

	m.requests, err = meter.Int64Counter(
		"dtxn.replay.requests",
		metric.WithDescription("Replay requests by outcome"),
	)
	logMetricInitError(logger, "dtxn.replay.requests", err)

	m.retries, err = meter.Int64Counter(
		"dtxn.replay.retries",
		metric.WithDescription("Redrive retries of a failing replay request"),
	)
	logMetricInitError(logger, "dtxn.replay.retries", err)

	return m
}

func (m *replayMetrics) addPending(ctx context.Context, delta int64) {
	if m == nil || m.pending == nil {
		return
	}
	m.pending.Add(ctx, delta)
}

func (m *replayMetrics) recordRequest(ctx context.Context, outcome string) {
	if m == nil || m.requests == nil {
		return
	}
	m.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("dtxn.replay.outcome", outcome)))
}

func (m *replayMetrics) recordRetry(ctx context.Context) {
	if m == nil || m.retries == nil {
		return
	}
	m.retries.Add(ctx, 1)
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
