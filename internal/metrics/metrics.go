package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsSubmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipper_jobs_submitted_total",
		Help: "Total number of accepted job submissions",
	})

	JobsFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipper_jobs_finished_total",
		Help: "Total number of jobs that reached a terminal status, by status",
	}, []string{"status"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "clipper_stage_duration_seconds",
		Help:    "Duration of pipeline stages",
		Buckets: []float64{0.5, 1, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"stage"})

	TranscodesInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clipper_transcodes_in_flight",
		Help: "Number of transcoder subprocesses currently running",
	})

	JobsWaiting = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clipper_jobs_waiting",
		Help: "Number of jobs waiting for a worker slot",
	})

	NarrationRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipper_narration_runs_total",
		Help: "Total number of narration runs, by outcome",
	}, []string{"status"})

	TempFreeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clipper_temp_free_bytes",
		Help: "Free bytes on the volume holding temporary artifacts",
	})

	OrphansRemovedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipper_temp_orphans_removed_total",
		Help: "Total number of orphaned temporary job directories removed",
	})
)
