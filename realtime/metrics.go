package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	framesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "marketlink",
		Subsystem: "router",
		Name:      "frames_received_total",
		Help:      "Inbound MESSAGE frames received per subscription kind",
	}, []string{"kind"})

	framesDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "marketlink",
		Subsystem: "router",
		Name:      "frames_dispatched_total",
		Help:      "Inbound frames delivered to a subscription callback",
	}, []string{"kind"})

	decodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "marketlink",
		Subsystem: "router",
		Name:      "decode_errors_total",
		Help:      "Inbound frames dropped because the payload could not be decoded",
	}, []string{"kind"})

	framesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "marketlink",
		Subsystem: "router",
		Name:      "frames_dropped_total",
		Help:      "Inbound frames dropped because their subscription is no longer active",
	}, []string{"kind"})

	commandsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "marketlink",
		Subsystem: "publisher",
		Name:      "commands_total",
		Help:      "Outbound commands by command and result",
	}, []string{"command", "status"})

	connectionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "marketlink",
		Subsystem: "connection",
		Name:      "state",
		Help:      "Current connection state (0 disconnected, 1 connecting, 2 connected, 3 error)",
	}, []string{"instance"})
)
