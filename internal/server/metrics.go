package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kestrel",
		Subsystem: "imap",
		Name:      "connections_total",
		Help:      "Accepted IMAP connections.",
	})
	connectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "kestrel",
		Subsystem: "imap",
		Name:      "connections_active",
		Help:      "Currently open IMAP sessions.",
	})
	commandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kestrel",
		Subsystem: "imap",
		Name:      "commands_total",
		Help:      "Dispatched commands by verb.",
	}, []string{"command"})
	authFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kestrel",
		Subsystem: "imap",
		Name:      "auth_failures_total",
		Help:      "Failed LOGIN and AUTHENTICATE attempts.",
	})
	idleNotifications = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kestrel",
		Subsystem: "imap",
		Name:      "idle_notifications_total",
		Help:      "Unsolicited EXISTS/RECENT pushes to idling sessions.",
	})
)
