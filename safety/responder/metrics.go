package responder

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var responseCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "kidgate_responses",
	Help: "Number of persona responses, by persona and whether a fallback was used",
}, []string{"persona", "outcome"})

var responseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "kidgate_response_duration_sec",
	Help:    "Duration of persona response generation, including validation",
	Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
}, []string{"persona"})

var backendCallCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "kidgate_backend_calls",
	Help: "Number of calls to the external generation backend, by status",
}, []string{"status"})
