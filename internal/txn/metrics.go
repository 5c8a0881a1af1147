package txn

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/dtxn/internal/update"
	"pkt.systems/pslog"
)

type engineMetrics struct {
	declares      metric.Int64Counter
	executes      metric.Int64Counter
	undos         metric.Int64Counter
	batchDuration metric.Int64Histogram
}

func newEngineMetrics(logger pslog.Logger) *engineMetrics {
	meter := otel.Meter("pkt.systems/dtxn/txn")
	m := &engineMetrics{}
	var err error

	m.declares, err = meter.Int64Counter(
		"dtxn.txn.declare",
		metric.WithDescription("Operation declares by kind and result"),
	)
	logMetricInitError(logger, "dtxn.txn.declare", err)

	m.executes, err = meter.Int64Counter(
		"dtxn.txn.execute",
		metric.WithDescription("Operation executes by kind and result"),
	)
	logMetricInitError(logger, "dtxn.txn.execute", err)

	m.undos, err = meter.Int64Counter(
		"dtxn.txn.undo",
		metric.WithDescription("Undo closures run by kind and result"),
	)
	logMetricInitError(logger, "dtxn.txn.undo", err)

	m.batchDuration, err = meter.Int64Histogram(
		"dtxn.txn.batch.duration_ms",
		metric.WithDescription("Time from open to close of a local transaction"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "dtxn.txn.batch.duration_ms", err)

	return m
}

func (m *engineMetrics) recordDeclare(ctx context.Context, kind update.Kind, err error) {
	if m == nil || m.declares == nil {
		return
	}
	m.declares.Add(metricContext(ctx), 1, metric.WithAttributes(opAttrs(kind, err)...))
}

func (m *engineMetrics) recordExec(ctx context.Context, kind update.Kind, err error) {
	if m == nil || m.executes == nil {
		return
	}
	m.executes.Add(metricContext(ctx), 1, metric.WithAttributes(opAttrs(kind, err)...))
}

func (m *engineMetrics) recordUndo(ctx context.Context, kind update.Kind, err error) {
	if m == nil || m.undos == nil {
		return
	}
	m.undos.Add(metricContext(ctx), 1, metric.WithAttributes(opAttrs(kind, err)...))
}

func (m *engineMetrics) recordBatch(ctx context.Context, d time.Duration, started bool, err error) {
	if m == nil || m.batchDuration == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("dtxn.result", resultLabel(err)),
		attribute.Bool("dtxn.txn.started", started),
	}
	m.batchDuration.Record(metricContext(ctx), d.Milliseconds(), metric.WithAttributes(attrs...))
}

func opAttrs(kind update.Kind, err error) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("dtxn.op.kind", kind.String()),
		attribute.String("dtxn.result", resultLabel(err)),
	}
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return CodeError(ResultCode(err)).Error()
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
