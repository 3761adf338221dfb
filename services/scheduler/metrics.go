package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "careledger",
		Subsystem: "scheduler",
		Name:      "runs_total",
		Help:      "Completed backfill passes.",
	})
	tasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "careledger",
		Subsystem: "scheduler",
		Name:      "tasks_total",
		Help:      "Tasks visited by backfill passes, by outcome.",
	}, []string{"result"})
	generatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "careledger",
		Subsystem: "scheduler",
		Name:      "executions_generated_total",
		Help:      "Executions created by backfill passes.",
	})
	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "careledger",
		Subsystem: "scheduler",
		Name:      "run_duration_seconds",
		Help:      "Wall time of a backfill pass.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})
	lastRun = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "careledger",
		Subsystem: "scheduler",
		Name:      "last_run_timestamp_seconds",
		Help:      "Unix time the last backfill pass finished.",
	})
)
