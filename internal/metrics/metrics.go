package metrics

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/streamnode/node/internal/session"
)

// Metrics contains the Prometheus metrics of the node.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	Sessions          *prometheus.GaugeVec
	SessionsOpened    *prometheus.CounterVec
	SessionsPaused    prometheus.Counter
	SessionsDestroyed prometheus.Counter

	// Player metrics
	Players        prometheus.Gauge
	PlayingPlayers prometheus.Gauge

	// Delivery metrics
	MessagesOut       prometheus.Counter
	StatsTickFailures prometheus.Counter
	ListenerFailures  *prometheus.CounterVec
}

// New creates the metrics on a dedicated registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		Sessions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "node_sessions",
			Help: "Current number of sessions by state",
		}, []string{"state"}),
		SessionsOpened: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "node_sessions_opened_total",
			Help: "Total number of websocket connections bound to a session",
		}, []string{"resumed"}),
		SessionsPaused: factory.NewCounter(prometheus.CounterOpts{
			Name: "node_sessions_paused_total",
			Help: "Total number of sessions paused awaiting resume",
		}),
		SessionsDestroyed: factory.NewCounter(prometheus.CounterOpts{
			Name: "node_sessions_destroyed_total",
			Help: "Total number of sessions destroyed",
		}),

		Players: factory.NewGauge(prometheus.GaugeOpts{
			Name: "node_players",
			Help: "Current number of players across all sessions",
		}),
		PlayingPlayers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "node_playing_players",
			Help: "Current number of players that are playing",
		}),

		MessagesOut: factory.NewCounter(prometheus.CounterOpts{
			Name: "node_messages_out_total",
			Help: "Total number of protocol messages sent or buffered",
		}),
		StatsTickFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "node_stats_tick_failures_total",
			Help: "Total number of stats ticks that failed to deliver",
		}),
		ListenerFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "node_listener_failures_total",
			Help: "Total number of session listener failures by event",
		}, []string{"event"}),
	}
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetSessions sets the session gauges.
func (m *Metrics) SetSessions(active, paused int) {
	m.Sessions.WithLabelValues(session.StateActive.String()).Set(float64(active))
	m.Sessions.WithLabelValues(session.StatePaused.String()).Set(float64(paused))
}

// SetPlayers sets the player gauges.
func (m *Metrics) SetPlayers(total, playing int) {
	m.Players.Set(float64(total))
	m.PlayingPlayers.Set(float64(playing))
}

// RecordStatsTickFailure increments the stats tick failure counter
func (m *Metrics) RecordStatsTickFailure() {
	m.StatsTickFailures.Inc()
}

// RecordListenerFailures counts every listener failure carried by err.
func (m *Metrics) RecordListenerFailures(err error) {
	var failures session.ListenerErrors
	if !errors.As(err, &failures) {
		return
	}
	for _, f := range failures {
		m.ListenerFailures.WithLabelValues(string(f.Event)).Inc()
	}
}

func resumedLabel(resumed bool) string {
	return strconv.FormatBool(resumed)
}
