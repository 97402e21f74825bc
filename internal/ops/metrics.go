package ops

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	opsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_ops_total",
		Help: "Tensor operations dispatched, by op and resident device",
	}, []string{"op", "device"})

	hostFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_host_fallback_total",
		Help: "Operations rerouted through the host because the accelerator lacks complex kernels",
	}, []string{"op"})
)
