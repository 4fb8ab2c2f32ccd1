package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	SamplesIngested = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bishop_samples_ingested_total",
		Help: "Location samples accepted for storage.",
	})

	Predictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bishop_predictions_total",
		Help: "Prediction calls by outcome.",
	}, []string{"status"})

	TrainingRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bishop_training_runs_total",
		Help: "Training runs by outcome.",
	}, []string{"status"})

	TrainingDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "bishop_training_duration_seconds",
		Help:    "Wall time of completed training runs.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	})

	LastTrained = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bishop_model_last_trained_timestamp_seconds",
		Help: "Unix time the current model was trained.",
	})

	HeldOutMAEKm = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bishop_model_held_out_mae_km",
		Help: "Mean great-circle error of the current model on held-out windows.",
	})
)

func init() {
	prometheus.MustRegister(
		SamplesIngested,
		Predictions,
		TrainingRuns,
		TrainingDuration,
		LastTrained,
		HeldOutMAEKm,
	)
}
