package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "skyloop",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"app", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "skyloop",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"app", "method", "path", "status"},
	)
	framesCaptured = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "skyloop",
			Subsystem: "session",
			Name:      "frames_total",
			Help:      "Frames captured, by phase and outcome.",
		},
		[]string{"phase", "outcome"},
	)
	captureDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "skyloop",
			Subsystem: "session",
			Name:      "capture_duration_seconds",
			Help:      "Wall time of one exposure capture.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
		},
		[]string{"phase"},
	)
	sessionsEnded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "skyloop",
			Subsystem: "session",
			Name:      "ended_total",
			Help:      "Sessions ended, by outcome.",
		},
		[]string{"outcome"},
	)
	correctionsApplied = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "skyloop",
			Subsystem: "corrector",
			Name:      "applied_total",
			Help:      "Pointing corrections applied to the mount.",
		},
	)
	correctionsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "skyloop",
			Subsystem: "corrector",
			Name:      "rejected_total",
			Help:      "Correction artifacts rejected, by reason.",
		},
		[]string{"reason"},
	)
	solveFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "skyloop",
			Subsystem: "corrector",
			Name:      "solve_failures_total",
			Help:      "Failed plate solves reported by the producer.",
		},
		[]string{"phase"},
	)
	adaptiveExposure = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "skyloop",
			Subsystem: "corrector",
			Name:      "adaptive_exposure_seconds",
			Help:      "Current adaptive exposure time.",
		},
	)
	totalOffset = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "skyloop",
			Subsystem: "corrector",
			Name:      "total_offset_arcsec",
			Help:      "Most recent measured total pointing offset.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			framesCaptured, captureDuration, sessionsEnded,
			correctionsApplied, correctionsRejected, solveFailures,
			adaptiveExposure, totalOffset,
		)
	})
}

func RecordHTTPRequest(app, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(app, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(app, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordFrame(phase, outcome string, duration time.Duration) {
	RegisterMetrics()
	framesCaptured.WithLabelValues(phase, outcome).Inc()
	if outcome == "ok" {
		captureDuration.WithLabelValues(phase).Observe(duration.Seconds())
	}
}

func RecordSessionEnd(outcome string) {
	RegisterMetrics()
	sessionsEnded.WithLabelValues(outcome).Inc()
}

func RecordCorrectionApplied(totalArcsec float64) {
	RegisterMetrics()
	correctionsApplied.Inc()
	totalOffset.Set(totalArcsec)
}

func RecordCorrectionRejected(reason string) {
	RegisterMetrics()
	correctionsRejected.WithLabelValues(reason).Inc()
}

func RecordSolveFailure(phase string) {
	RegisterMetrics()
	solveFailures.WithLabelValues(phase).Inc()
}

func SetAdaptiveExposure(seconds float64) {
	RegisterMetrics()
	adaptiveExposure.Set(seconds)
}
