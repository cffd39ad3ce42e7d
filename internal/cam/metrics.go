package cam

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	kernelLaunches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_kernel_launches_total",
		Help: "Total number of CAM kernel launches",
	}, []string{"device", "variant", "op"})

	kernelFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_kernel_failures_total",
		Help: "Total number of failed CAM kernel launches",
	}, []string{"device", "variant", "op"})

	kernelDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "quiver_kernel_duration_seconds",
		Help:    "Time spent inside kernel launches",
		Buckets: prometheus.DefBuckets,
	})

	resultCells = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_result_cells_total",
		Help: "Total number of result cells produced",
	})
)
