// Package metrics exposes the coordinator's prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	RoomsActive      prometheus.Gauge
	PlayersConnected prometheus.Gauge
	CommandsTotal    *prometheus.CounterVec
	CommandErrors    *prometheus.CounterVec
	BroadcastsTotal  prometheus.Counter
}

// New registers the instrument set on reg. Pass prometheus.NewRegistry() in
// tests to keep them isolated.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RoomsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aurora_rooms_active",
			Help: "Number of live rooms.",
		}),
		PlayersConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aurora_players_connected",
			Help: "Number of open client connections.",
		}),
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aurora_commands_total",
			Help: "Commands dispatched, by command name.",
		}, []string{"command"}),
		CommandErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aurora_command_errors_total",
			Help: "Commands rejected, by error code.",
		}, []string{"code"}),
		BroadcastsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aurora_broadcasts_total",
			Help: "Room-wide event fan-outs performed.",
		}),
	}
	reg.MustRegister(m.RoomsActive, m.PlayersConnected, m.CommandsTotal, m.CommandErrors, m.BroadcastsTotal)
	return m
}
