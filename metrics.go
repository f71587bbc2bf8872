package busd

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/busd/internal/peer"
	"pkt.systems/pslog"
)

// registerBusMetrics registers the bus-wide observable gauges. The
// callback lives as long as the bus does.
func registerBusMetrics(logger pslog.Logger, reg *peer.Registry) {
	meter := otel.Meter("pkt.systems/busd")

	peers, err := meter.Int64ObservableGauge(
		"busd.peers",
		metric.WithDescription("Connected peers"),
	)
	logBusMetricInitError(logger, "busd.peers", err)

	poolInUse, err := meter.Int64ObservableGauge(
		"busd.pool.bytes_in_use",
		metric.WithDescription("Payload pool bytes in use across all peers"),
		metric.WithUnit("By"),
	)
	logBusMetricInitError(logger, "busd.pool.bytes_in_use", err)

	queueLen, err := meter.Int64ObservableGauge(
		"busd.queue.length",
		metric.WithDescription("Queued messages across all peers"),
	)
	logBusMetricInitError(logger, "busd.queue.length", err)

	if peers == nil || poolInUse == nil || queueLen == nil {
		return
	}
	_, err = meter.RegisterCallback(
		func(_ context.Context, o metric.Observer) error {
			var count, bytes, queued int64
			reg.Each(func(p *peer.Peer) {
				count++
				bytes += p.PoolInUse()
				queued += int64(p.QueueLen())
			})
			o.ObserveInt64(peers, count)
			o.ObserveInt64(poolInUse, bytes)
			o.ObserveInt64(queueLen, queued)
			return nil
		},
		peers, poolInUse, queueLen,
	)
	logBusMetricInitError(logger, "busd.observer", err)
}

func logBusMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
