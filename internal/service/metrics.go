package service

import "github.com/prometheus/client_golang/prometheus"

var (
	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "request_transitions_total",
			Help: "Committed request status transitions.",
		},
		[]string{"from", "to"},
	)

	sideEffectFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "request_side_effect_failures_total",
			Help: "Best-effort steps that failed after a committed change.",
		},
		[]string{"kind"},
	)

	submissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "request_submissions_total",
			Help: "Submitted requests by type.",
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(transitionsTotal, sideEffectFailures, submissionsTotal)
}
