package transaction

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

// Metrics carries the send-path instruments. A nil *Metrics disables
// recording, which is how embedding hosts opt out of telemetry.
type Metrics struct {
	sends        metric.Int64Counter
	sendDuration metric.Int64Histogram
	committed    metric.Int64Counter
	dropped      metric.Int64Counter
}

// NewMetrics registers the send-path instruments on the global meter.
func NewMetrics(logger pslog.Logger) *Metrics {
	meter := otel.Meter("pkt.systems/busd/txn")
	m := &Metrics{}
	var err error

	m.sends, err = meter.Int64Counter(
		"busd.txn.sends",
		metric.WithDescription("Send transactions by result"),
	)
	logMetricInitError(logger, "busd.txn.sends", err)

	m.sendDuration, err = meter.Int64Histogram(
		"busd.txn.send.duration_us",
		metric.WithDescription("Time spent committing a send transaction"),
		metric.WithUnit("us"),
	)
	logMetricInitError(logger, "busd.txn.send.duration_us", err)

	m.committed, err = meter.Int64Counter(
		"busd.txn.messages.committed",
		metric.WithDescription("Per-destination messages committed for delivery"),
	)
	logMetricInitError(logger, "busd.txn.messages.committed", err)

	m.dropped, err = meter.Int64Counter(
		"busd.txn.messages.dropped",
		metric.WithDescription("Per-destination messages dropped before delivery"),
	)
	logMetricInitError(logger, "busd.txn.messages.dropped", err)

	return m
}

func (m *Metrics) recordSend(ctx context.Context, result string, committed, dropped int, duration time.Duration) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	attrs := []attribute.KeyValue{attribute.String("busd.txn.result", result)}
	if m.sends != nil {
		m.sends.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if committed > 0 && m.committed != nil {
		m.committed.Add(ctx, int64(committed))
	}
	if dropped > 0 && m.dropped != nil {
		m.dropped.Add(ctx, int64(dropped))
	}
	if m.sendDuration != nil {
		m.sendDuration.Record(ctx, duration.Microseconds(), metric.WithAttributes(attrs...))
	}
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
