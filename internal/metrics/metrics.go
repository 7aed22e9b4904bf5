package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PredictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "leafscan",
		Subsystem: "predict",
		Name:      "predictions_total",
		Help:      "Successful predictions by label",
	}, []string{"label"})

	RejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "leafscan",
		Subsystem: "predict",
		Name:      "rejected_total",
		Help:      "Failed predict requests by reason",
	}, []string{"reason"})

	InferenceSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "leafscan",
		Subsystem: "model",
		Name:      "inference_seconds",
		Help:      "Time spent decoding, resizing and running the classifier",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	})

	ModelLoadSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "leafscan",
		Subsystem: "model",
		Name:      "load_seconds",
		Help:      "Duration of the one-time model load",
	})
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
