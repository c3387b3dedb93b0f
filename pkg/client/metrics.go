package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricConnectionState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "codelink",
		Name:      "connection_state",
		Help:      "Current connection state (0=disconnected 1=connecting 2=authenticating 3=connected 4=reconnecting 5=error).",
	})
	metricReconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "codelink",
		Name:      "reconnect_attempts_total",
		Help:      "Reconnect attempts scheduled after transport failures.",
	})
	metricDecodeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "codelink",
		Name:      "decode_failures_total",
		Help:      "Inbound frames dropped because they failed to decode.",
	})
	metricRequestsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "codelink",
		Name:      "requests_in_flight",
		Help:      "Requests awaiting a response from the bridge.",
	})
	metricRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codelink",
		Name:      "requests_total",
		Help:      "Completed requests by outcome.",
	}, []string{"outcome"})
)

var stateValues = map[State]float64{
	StateDisconnected:   0,
	StateConnecting:     1,
	StateAuthenticating: 2,
	StateConnected:      3,
	StateReconnecting:   4,
	StateError:          5,
}
