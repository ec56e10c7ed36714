package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vid2slides_runs_total",
		Help: "Total number of detection runs, by terminal stage",
	}, []string{"stage"})

	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vid2slides_run_duration_seconds",
		Help:    "Duration of detection runs, by terminal stage",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
	}, []string{"stage"})

	FramesProcessedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vid2slides_frames_processed_total",
		Help: "Total number of retained frames scored across all runs",
	})

	SceneChangesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vid2slides_scene_changes_total",
		Help: "Total number of scene changes detected across all runs",
	})

	ActiveRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vid2slides_active_runs",
		Help: "Number of detection runs currently in progress",
	})

	ScorerInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vid2slides_scorer_info",
		Help: "Similarity scorer selected at startup (1 = active)",
	}, []string{"scorer"})

	ExportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vid2slides_exports_total",
		Help: "Total number of rendered artifacts, by format",
	}, []string{"format"})

	MaterializeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vid2slides_materialize_failures_total",
		Help: "Frames that could not be re-decoded and fell back to a placeholder",
	}, []string{"kind"})
)
