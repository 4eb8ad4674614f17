package gate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var validationCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "kidgate_validations",
	Help: "Number of content validations, by content class and outcome",
}, []string{"class", "outcome"})

var validationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "kidgate_validation_duration_sec",
	Help:    "Duration of content validation, including domain rules",
	Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
}, []string{"class"})

var validationFailureCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "kidgate_validation_failures",
	Help: "Number of validations which failed closed because of a classifier error or panic",
})

var piiDetectionCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "kidgate_pii_detections",
	Help: "Number of personal information detections, by category",
}, []string{"category"})

var registrationCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "kidgate_registrations",
	Help: "Number of registration validations, by outcome",
}, []string{"outcome"})
