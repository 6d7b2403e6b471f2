package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts the session-level events worth graphing.
type Metrics struct {
	TransmissionsSent     prometheus.Counter
	TransmissionsReceived prometheus.Counter
	ClipsDropped          prometheus.Counter
	PeersCreated          prometheus.Counter
	PeersLost             prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		TransmissionsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "walkie_transmissions_sent_total",
			Help: "Completed local transmissions.",
		}),
		TransmissionsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "walkie_transmissions_received_total",
			Help: "Remote transmissions observed.",
		}),
		ClipsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "walkie_clips_dropped_total",
			Help: "Relay clips dropped on size or decode failure.",
		}),
		PeersCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "walkie_peers_created_total",
			Help: "Peer links allocated.",
		}),
		PeersLost: factory.NewCounter(prometheus.CounterOpts{
			Name: "walkie_peers_lost_total",
			Help: "Peer links torn down by connection failure.",
		}),
	}
}
