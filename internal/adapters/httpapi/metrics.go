package httpapi

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pixelFetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warmup_pixel_fetches_total",
		Help: "Tracking pixel fetches, by whether they recorded a first open.",
	}, []string{"result"})

	controlRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warmup_control_requests_total",
		Help: "Control API requests, by operation and response code.",
	}, []string{"operation", "code"})
)
