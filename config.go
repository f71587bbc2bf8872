package busd

import (
	"pkt.systems/busd/internal/clock"
	"pkt.systems/pslog"
)

// DefaultPoolCapacity is the per-peer payload pool size when the config
// leaves it zero.
const DefaultPoolCapacity = int64(4 << 20)

// Config carries the knobs for an embedded bus. The zero value is usable:
// default pool capacity, a disabled logger, the real clock, and no
// metrics.
type Config struct {
	// PoolCapacity is the payload pool size, in bytes, given to every
	// peer the bus creates.
	PoolCapacity int64

	// Logger receives structured events. Nil disables logging.
	Logger pslog.Logger

	// Clock is the wall-clock source used for peer metadata and metric
	// timings. Nil selects the real clock. The ordering core runs on the
	// queues' logical clocks and never reads this one.
	Clock clock.Clock

	// EnableMetrics registers the OTel instruments on the global meter.
	// Telemetry export wiring is the host's concern; see SetupTelemetry.
	EnableMetrics bool
}

func (c Config) withDefaults() Config {
	if c.PoolCapacity <= 0 {
		c.PoolCapacity = DefaultPoolCapacity
	}
	if c.Clock == nil {
		c.Clock = clock.Real{}
	}
	return c
}
