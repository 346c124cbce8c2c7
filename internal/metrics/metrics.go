package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PredictDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "xinfer_predict_duration_seconds",
		Help:    "Duration of Predict calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"model"})

	PredictTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xinfer_predict_total",
		Help: "Total number of Predict calls by result",
	}, []string{"model", "result"})

	TransferBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xinfer_transfer_bytes_total",
		Help: "Bytes copied between host and device",
	}, []string{"direction"})

	DeviceMemoryAllocated = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "xinfer_device_memory_allocated_bytes",
		Help: "Current bytes allocated on the device",
	})

	KernelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "xinfer_kernel_duration_seconds",
		Help:    "Histogram of kernel execution times",
		Buckets: prometheus.DefBuckets,
	}, []string{"kernel"})

	EnginesLoaded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "xinfer_engines_loaded",
		Help: "Number of engines currently loaded",
	})

	LoadFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xinfer_load_failures_total",
		Help: "Total number of failed engine loads",
	}, []string{"stage"})

	PoolWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "xinfer_pool_wait_seconds",
		Help:    "Time spent waiting for a free engine",
		Buckets: []float64{0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"model"})

	ValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xinfer_validation_errors_total",
		Help: "Total number of rejected predict inputs",
	}, []string{"model", "error_type"})
)

func RecordPredict(model, result string, duration time.Duration) {
	PredictTotal.WithLabelValues(model, result).Inc()
	PredictDuration.WithLabelValues(model).Observe(duration.Seconds())
}

// RecordTransfer counts bytes moved; direction is "h2d" or "d2h".
func RecordTransfer(direction string, bytes int) {
	TransferBytes.WithLabelValues(direction).Add(float64(bytes))
}

func RecordDeviceMemory(bytes int64) {
	DeviceMemoryAllocated.Set(float64(bytes))
}

func RecordKernelDuration(name string, duration time.Duration) {
	KernelDuration.WithLabelValues(name).Observe(duration.Seconds())
}

func RecordEngineLoaded() {
	EnginesLoaded.Inc()
}

func RecordEngineClosed() {
	EnginesLoaded.Dec()
}

func RecordLoadFailure(stage string) {
	LoadFailures.WithLabelValues(stage).Inc()
}

func RecordPoolWait(model string, wait time.Duration) {
	PoolWait.WithLabelValues(model).Observe(wait.Seconds())
}

func RecordValidationError(model, errorType string) {
	ValidationErrors.WithLabelValues(model, errorType).Inc()
}
