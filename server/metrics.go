package server

import "github.com/prometheus/client_golang/prometheus"

// metrics holds the server's instrumentation.  The collectors always
// exist so the hot paths never nil-check; they are only registered
// when the caller supplies a Registerer.
type metrics struct {
	clients    prometheus.Gauge
	accepted   prometheus.Counter
	refused    prometheus.Counter
	sent       prometheus.Counter
	received   prometheus.Counter
	dispatched prometheus.Counter
	discarded  prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "msgnet",
			Subsystem: "server",
			Name:      "clients_connected",
			Help:      "Number of workers currently in the worker table.",
		}),
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "msgnet",
			Subsystem: "server",
			Name:      "clients_accepted_total",
			Help:      "Connections accepted and welcomed.",
		}),
		refused: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "msgnet",
			Subsystem: "server",
			Name:      "clients_refused_total",
			Help:      "Connections refused by the ip block list.",
		}),
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "msgnet",
			Subsystem: "server",
			Name:      "messages_sent_total",
			Help:      "Frames written to client links.",
		}),
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "msgnet",
			Subsystem: "server",
			Name:      "messages_received_total",
			Help:      "Frames read from client links.",
		}),
		dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "msgnet",
			Subsystem: "server",
			Name:      "messages_dispatched_total",
			Help:      "Messages handed to a command handler or the fallback.",
		}),
		discarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "msgnet",
			Subsystem: "server",
			Name:      "messages_discarded_total",
			Help:      "Outgoing messages dropped for unknown or offline targets.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.clients, m.accepted, m.refused,
			m.sent, m.received, m.dispatched, m.discarded,
		)
	}
	return m
}
