package coord

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/dtxn/internal/txn"
	"pkt.systems/pslog"
)

type coordMetrics struct {
	subtxns       metric.Int64Counter
	batchDuration metric.Int64Histogram
	batchWidth    metric.Int64Histogram
}

func newCoordMetrics(logger pslog.Logger) *coordMetrics {
	meter := otel.Meter("pkt.systems/dtxn/coord")
	m := &coordMetrics{}
	var err error

	m.subtxns, err = meter.Int64Counter(
		"dtxn.coord.subtxn",
		metric.WithDescription("Sub-transactions by outcome (opened, skipped, committed)"),
	)
	logMetricInitError(logger, "dtxn.coord.subtxn", err)

	m.batchDuration, err = meter.Int64Histogram(
		"dtxn.coord.batch.duration_ms",
		metric.WithDescription("Time spent coordinating one batch"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "dtxn.coord.batch.duration_ms", err)

	m.batchWidth, err = meter.Int64Histogram(
		"dtxn.coord.batch.participants",
		metric.WithDescription("Participants touched per batch"),
	)
	logMetricInitError(logger, "dtxn.coord.batch.participants", err)

	return m
}

func (m *coordMetrics) recordSubtxn(ctx context.Context, outcome string) {
	if m == nil || m.subtxns == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	m.subtxns.Add(ctx, 1, metric.WithAttributes(attribute.String("dtxn.coord.outcome", outcome)))
}

func (m *coordMetrics) recordBatch(ctx context.Context, d time.Duration, participants int, err error) {
	if m == nil || m.batchDuration == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	result := "ok"
	if err != nil {
		result = txn.CodeError(txn.ResultCode(err)).Error()
	}
	attrs := metric.WithAttributes(attribute.String("dtxn.result", result))
	m.batchDuration.Record(ctx, d.Milliseconds(), attrs)
	if m.batchWidth != nil {
		m.batchWidth.Record(ctx, int64(participants), attrs)
	}
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
