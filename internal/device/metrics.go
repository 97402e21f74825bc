package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	poolHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_tensor_pool_hits_total",
		Help: "Total number of tensor allocations served from the pool",
	})

	poolMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_tensor_pool_misses_total",
		Help: "Total number of tensor pool misses (fresh allocations)",
	})

	deviceTransfers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_device_transfers_total",
		Help: "Host<->device tensor transfers by direction",
	}, []string{"direction"})

	deviceTransferBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_device_transfer_bytes_total",
		Help: "Bytes moved between host and device by direction",
	}, []string{"direction"})
)
