package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pushesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_longbow_pushes_total",
		Help: "Tensor records pushed to Longbow",
	})

	pushesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_longbow_push_failures_total",
		Help: "Failed Longbow pushes",
	})

	pushesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_longbow_pushes_dropped_total",
		Help: "Pushes rejected while the circuit breaker was open",
	})
)
