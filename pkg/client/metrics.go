package client

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus metrics for one client instance. Registering
// against a caller-supplied registry keeps multiple clients in one process
// from colliding.
type Metrics struct {
	connectsTotal   prometheus.Counter
	reconnectsTotal prometheus.Counter

	callsTotal     *prometheus.CounterVec // by op and transport
	fallbacksTotal *prometheus.CounterVec // by op

	eventsTotal       *prometheus.CounterVec // by kind
	staleDroppedTotal prometheus.Counter

	activeRoom prometheus.Gauge
}

// NewMetrics creates and registers the client metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stagedoor_connects_total",
			Help: "Total number of successful channel connections",
		}),
		reconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stagedoor_reconnects_total",
			Help: "Total number of automatic reconnections",
		}),
		callsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stagedoor_calls_total",
				Help: "Total operations executed, by op and transport",
			},
			[]string{"op", "transport"},
		),
		fallbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stagedoor_fallbacks_total",
				Help: "Total channel-to-REST fallbacks, by op",
			},
			[]string{"op"},
		),
		eventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stagedoor_events_total",
				Help: "Total push events received, by kind",
			},
			[]string{"kind"},
		),
		staleDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stagedoor_stale_dropped_total",
			Help: "Total events and page loads discarded as stale",
		}),
		activeRoom: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stagedoor_active_room",
			Help: "Id of the currently joined room, 0 when none",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.connectsTotal,
			m.reconnectsTotal,
			m.callsTotal,
			m.fallbacksTotal,
			m.eventsTotal,
			m.staleDroppedTotal,
			m.activeRoom,
		)
	}
	return m
}
