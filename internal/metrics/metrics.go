package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Transport and retry
	requestDuration *prometheus.HistogramVec
	retryTotal      *prometheus.CounterVec

	// Identity and credentials
	tokenRefreshTotal  *prometheus.CounterVec
	credentialMints    prometheus.Counter
	credentialGen      prometheus.Gauge
	credentialExpiry   prometheus.Gauge
	provisioningPolls  prometheus.Counter
	provisioningResult *prometheus.CounterVec

	// AI path
	gateInFlight prometheus.Gauge
	gateWait     prometheus.Histogram
	repairTotal  *prometheus.CounterVec

	eventsDropped prometheus.Counter

	// Registration guard
	metricsOnce       sync.Once
	metricsRegistered bool
)

// InitMetrics registers all collectors with the default registry.
// Safe to call more than once; recorders are no-ops until it has run.
func InitMetrics() {
	metricsOnce.Do(func() {
		requestDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "copilot_http_request_duration_seconds",
				Help:    "Duration of outbound HTTP calls by outcome",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"method", "outcome"},
		)

		retryTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "copilot_retry_attempts_total",
				Help: "Failed attempts seen by the retry engine, by operation label and error class",
			},
			[]string{"label", "class"},
		)

		tokenRefreshTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "copilot_token_refresh_total",
				Help: "Service-principal token exchanges by outcome",
			},
			[]string{"outcome"},
		)

		credentialMints = promauto.NewCounter(prometheus.CounterOpts{
			Name: "copilot_db_credential_mints_total",
			Help: "Database credentials minted",
		})

		credentialGen = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "copilot_db_credential_generation",
			Help: "Current database credential rotation generation",
		})

		credentialExpiry = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "copilot_db_credential_expiry_timestamp_seconds",
			Help: "Unix time at which the current database credential expires",
		})

		provisioningPolls = promauto.NewCounter(prometheus.CounterOpts{
			Name: "copilot_provisioning_polls_total",
			Help: "Long-running operation polls issued while provisioning",
		})

		provisioningResult = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "copilot_provisioning_total",
				Help: "EnsureProjectExists outcomes",
			},
			[]string{"outcome"},
		)

		gateInFlight = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "copilot_ai_in_flight",
			Help: "AI invocations currently holding a concurrency permit",
		})

		gateWait = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "copilot_ai_gate_wait_seconds",
			Help:    "Time spent waiting for an AI concurrency permit",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60},
		})

		repairTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "copilot_ai_response_parse_total",
				Help: "AI response parse outcomes (direct, repaired, failed)",
			},
			[]string{"outcome"},
		)

		eventsDropped = promauto.NewCounter(prometheus.CounterOpts{
			Name: "copilot_background_tasks_dropped_total",
			Help: "Background tasks dropped because the queue was full",
		})

		metricsRegistered = true
	})
}

// IsMetricsRegistered returns whether metrics have been initialized.
func IsMetricsRegistered() bool {
	return metricsRegistered
}

// ObserveRequest records one outbound HTTP call.
func ObserveRequest(method, outcome string, seconds float64) {
	if !metricsRegistered {
		return
	}
	requestDuration.WithLabelValues(method, outcome).Observe(seconds)
}

// RecordRetry records a failed attempt classified by the retry engine.
func RecordRetry(label, class string) {
	if !metricsRegistered {
		return
	}
	retryTotal.WithLabelValues(label, class).Inc()
}

// RecordTokenRefresh records a client-credentials exchange.
func RecordTokenRefresh(outcome string) {
	if !metricsRegistered {
		return
	}
	tokenRefreshTotal.WithLabelValues(outcome).Inc()
}

// RecordCredentialMint records a freshly minted database credential.
func RecordCredentialMint(generation int64, expiresAtUnix float64) {
	if !metricsRegistered {
		return
	}
	credentialMints.Inc()
	credentialGen.Set(float64(generation))
	credentialExpiry.Set(expiresAtUnix)
}

// RecordProvisioningPoll counts one operation poll.
func RecordProvisioningPoll() {
	if !metricsRegistered {
		return
	}
	provisioningPolls.Inc()
}

// RecordProvisioning records how EnsureProjectExists finished.
func RecordProvisioning(outcome string) {
	if !metricsRegistered {
		return
	}
	provisioningResult.WithLabelValues(outcome).Inc()
}

// GateAcquired records a permit handed out after waiting waitSeconds.
func GateAcquired(waitSeconds float64) {
	if !metricsRegistered {
		return
	}
	gateInFlight.Inc()
	gateWait.Observe(waitSeconds)
}

// GateReleased records a permit returned.
func GateReleased() {
	if !metricsRegistered {
		return
	}
	gateInFlight.Dec()
}

// RecordParse records an AI response parse outcome.
func RecordParse(outcome string) {
	if !metricsRegistered {
		return
	}
	repairTotal.WithLabelValues(outcome).Inc()
}

// RecordDroppedTask counts a background task dropped on a full queue.
func RecordDroppedTask() {
	if !metricsRegistered {
		return
	}
	eventsDropped.Inc()
}

// RetryCounter returns the retry counter for testing.
func RetryCounter() *prometheus.CounterVec { return retryTotal }

// ParseCounter returns the parse outcome counter for testing.
func ParseCounter() *prometheus.CounterVec { return repairTotal }

// CredentialGeneration returns the generation gauge for testing.
func CredentialGeneration() prometheus.Gauge { return credentialGen }

// DroppedTasks returns the dropped task counter for testing.
func DroppedTasks() prometheus.Counter { return eventsDropped }
