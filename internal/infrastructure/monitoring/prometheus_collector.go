package monitoring

import (
	"roomcast/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	// Gateway
	activeConnections   prometheus.Gauge
	connectionsTotal    prometheus.Counter
	slowConsumersTotal  prometheus.Counter
	gatewayEventsTotal  *prometheus.CounterVec
	disconnectsNotified *prometheus.CounterVec

	// Rooms
	roomJoinsTotal  *prometheus.CounterVec
	roomLeavesTotal *prometheus.CounterVec
	forcedEndsTotal prometheus.Counter

	// Reconciliation
	sweepsTotal        prometheus.Counter
	sweepsSkippedTotal prometheus.Counter
	reapedConnections  prometheus.Counter
	retiredPrincipals  prometheus.Counter
	sweepDuration      prometheus.Histogram
}

// NewPrometheusCollector registers every metric on reg. Passing
// prometheus.DefaultRegisterer exposes them on the default /metrics handler.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)

	return &PrometheusCollector{
		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "roomcast_active_connections",
			Help: "Websocket connections currently held by this node",
		}),

		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "roomcast_connections_total",
			Help: "Total number of websocket connections accepted",
		}),

		slowConsumersTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "roomcast_slow_consumers_total",
			Help: "Connections closed because their send buffer was full",
		}),

		gatewayEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "roomcast_gateway_events_total",
			Help: "Inbound websocket events by name and outcome",
		}, []string{"event", "outcome"}),

		disconnectsNotified: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "roomcast_disconnect_notifications_total",
			Help: "Disconnect notifications published by principal kind",
		}, []string{"kind"}),

		roomJoinsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "roomcast_room_joins_total",
			Help: "Room joins by role",
		}, []string{"role"}),

		roomLeavesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "roomcast_room_leaves_total",
			Help: "Room leaves by role",
		}, []string{"role"}),

		forcedEndsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "roomcast_forced_session_ends_total",
			Help: "Sessions ended by an administrator",
		}),

		sweepsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "roomcast_presence_sweeps_total",
			Help: "Completed presence reconciliation sweeps",
		}),

		sweepsSkippedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "roomcast_presence_sweeps_skipped_total",
			Help: "Sweeps skipped because another one was running",
		}),

		reapedConnections: factory.NewCounter(prometheus.CounterOpts{
			Name: "roomcast_reaped_connections_total",
			Help: "Registered connections removed by the sweep",
		}),

		retiredPrincipals: factory.NewCounter(prometheus.CounterOpts{
			Name: "roomcast_retired_principals_total",
			Help: "Principals taken offline by the sweep",
		}),

		sweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "roomcast_presence_sweep_duration_seconds",
			Help:    "Duration of presence sweeps",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
	}
}

func (p *PrometheusCollector) RoomJoined(role domain.Role) {
	p.roomJoinsTotal.WithLabelValues(string(role)).Inc()
}

func (p *PrometheusCollector) RoomLeft(role domain.Role) {
	p.roomLeavesTotal.WithLabelValues(string(role)).Inc()
}

func (p *PrometheusCollector) SessionEnded() {
	p.forcedEndsTotal.Inc()
}

func (p *PrometheusCollector) SweepCompleted(seconds float64, reaped, retired int) {
	p.sweepsTotal.Inc()
	p.sweepDuration.Observe(seconds)
	p.reapedConnections.Add(float64(reaped))
	p.retiredPrincipals.Add(float64(retired))
}

func (p *PrometheusCollector) SweepSkipped() {
	p.sweepsSkippedTotal.Inc()
}

func (p *PrometheusCollector) ConnectionOpened() {
	p.activeConnections.Inc()
	p.connectionsTotal.Inc()
}

func (p *PrometheusCollector) ConnectionClosed() {
	p.activeConnections.Dec()
}

func (p *PrometheusCollector) SlowConsumerDropped() {
	p.slowConsumersTotal.Inc()
}

func (p *PrometheusCollector) EventHandled(event string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	p.gatewayEventsTotal.WithLabelValues(event, outcome).Inc()
}

func (p *PrometheusCollector) DisconnectNotified(kind domain.PrincipalKind) {
	p.disconnectsNotified.WithLabelValues(string(kind)).Inc()
}
