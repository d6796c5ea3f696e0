// Package metrics exposes the Prometheus counters and gauges tracking
// client fan-out, frame throughput, and failsafe state.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Clients is the number of currently connected streaming/snapshot
	// clients, mirroring BufferManager.n_clients.
	Clients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "puppyserv_clients",
		Help: "Number of clients currently attached to the buffer manager",
	})

	// FramesTotal counts frames delivered to any subscriber.
	FramesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "puppyserv_frames_total",
		Help: "Total frames delivered to subscribers",
	})

	// TimeoutsTotal counts Timeout events delivered to any subscriber.
	TimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "puppyserv_timeouts_total",
		Help: "Total timeout sentinels delivered to subscribers",
	})

	// DroppedFramesTotal counts frames a subscriber's cursor skipped
	// over because it fell behind the retained ring window.
	DroppedFramesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "puppyserv_dropped_frames_total",
		Help: "Total frames skipped by subscribers that fell behind the ring buffer",
	})

	// Failsafe reports 0 for Primary, 1 for Backup.
	Failsafe = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "puppyserv_failsafe_state",
		Help: "Current failsafe state: 0 = primary, 1 = backup",
	})

	// ActiveBuffer is an info-style gauge labeled with the current
	// buffer_factory kind, set to 1 while active.
	ActiveBuffer = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "puppyserv_active_buffer",
		Help: "Kind of the currently active upstream buffer factory",
	}, []string{"kind"})
)

// FailsafePrimary and FailsafeBackup are the values Failsafe is set to.
const (
	FailsafePrimary = 0
	FailsafeBackup  = 1
)

// SetActiveBuffer records kind as the sole active buffer label,
// clearing any previously reported kind.
func SetActiveBuffer(kind string) {
	ActiveBuffer.Reset()
	ActiveBuffer.WithLabelValues(kind).Set(1)
}
