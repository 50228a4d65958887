package execution

import "github.com/prometheus/client_golang/prometheus"

var (
	// Counts terminal exits split by persisted reason.
	mtxExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskbot_exits_total",
			Help: "Terminal exits by persisted reason",
		},
		[]string{"reason"},
	)

	mtxChaseRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "riskbot_exit_chase_retries_total",
			Help: "Exit orders resubmitted at a chased price",
		},
	)
)

func init() {
	prometheus.MustRegister(mtxExits, mtxChaseRetries)
}
