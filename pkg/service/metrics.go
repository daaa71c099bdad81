package service

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	tasksSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ysmovie_tasks_submitted_total",
		Help: "Tasks accepted by the backend, by request kind.",
	}, []string{"kind"})
	tasksCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ysmovie_tasks_completed_total",
		Help: "Tasks that reached COMPLETED, by request kind.",
	}, []string{"kind"})
	tasksFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ysmovie_tasks_failed_total",
		Help: "Tasks that reached FAILED, by request kind.",
	}, []string{"kind"})
	segmentsSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ysmovie_segments_submitted_total",
		Help: "Individual segment jobs submitted to the backend.",
	})
)

func init() {
	prometheus.MustRegister(tasksSubmitted, tasksCompleted, tasksFailed, segmentsSubmitted)
}
