package bridge

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the bridge's Prometheus collectors.
type Metrics struct {
	calls           *prometheus.CounterVec
	callDuration    *prometheus.HistogramVec
	eventsDelivered *prometheus.CounterVec
	eventsDropped   prometheus.Counter
}

// NewMetrics creates bridge collectors registered on reg. A nil reg leaves
// them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		calls: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modshell_bridge_calls_total",
				Help: "Total number of remote module calls",
			},
			[]string{"module", "result"},
		),
		callDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "modshell_bridge_call_duration_seconds",
				Help:    "Remote module call latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"module"},
		),
		eventsDelivered: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modshell_bridge_events_delivered_total",
				Help: "Events delivered to listeners",
			},
			[]string{"module"},
		),
		eventsDropped: f.NewCounter(
			prometheus.CounterOpts{
				Name: "modshell_bridge_events_dropped_total",
				Help: "Events dropped because the dispatch queue was full",
			},
		),
	}
}

// callResult labels a finished call.
func callResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrModuleNotConnected):
		return "not_connected"
	case errors.Is(err, ErrTooManyArguments):
		return "rejected"
	default:
		return "error"
	}
}
