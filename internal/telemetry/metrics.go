package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Drop reasons for CaptureDropped.
const (
	ReasonInvalidMessage = "invalid_message"
	ReasonWrongType      = "wrong_type"
	ReasonStoreError     = "store_error"
)

// CapturesTotal counts tokens appended to the store, by interception path.
var CapturesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "whatsmytoken",
		Name:      "captures_total",
		Help:      "Bearer tokens captured, by source.",
	},
	[]string{"source"},
)

// CaptureDropped counts capture messages that never reached the store.
var CaptureDropped = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "whatsmytoken",
		Name:      "capture_dropped_total",
		Help:      "Capture messages dropped before storage, by reason.",
	},
	[]string{"reason"},
)

// StoreErrors counts failed store operations.
var StoreErrors = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "whatsmytoken",
		Name:      "store_errors_total",
		Help:      "Token store operation failures, by operation.",
	},
	[]string{"op"},
)

// TokensStored tracks the collection size after the last mutation.
var TokensStored = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "whatsmytoken",
		Name:      "tokens_stored",
		Help:      "Number of records in the token collection.",
	},
)

// NewMetricsRegistry creates a Prometheus registry with default and custom collectors.
func NewMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		CapturesTotal,
		CaptureDropped,
		StoreErrors,
		TokensStored,
	)
	return reg
}
