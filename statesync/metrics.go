package statesync

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "statesync"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Whether or not the node is actively syncing toward a target. 1 if yes, 0 if no.
	Syncing metrics.Gauge
	// Highest locally applied ledger version.
	SyncedVersion metrics.Gauge
	// Highest certified ledger version.
	CommittedVersion metrics.Gauge
	// Epoch whose validator set is currently trusted.
	TrustedEpoch metrics.Gauge
	// Number of chunk requests sent.
	ChunkRequests metrics.Counter
	// Number of chunk responses applied successfully.
	AppliedChunks metrics.Counter
	// Number of chunk responses discarded (verification, protocol or storage failure).
	RejectedChunks metrics.Counter
	// Number of chunk request timeouts.
	RequestTimeouts metrics.Counter
	// Number of sync requests that failed with no progress.
	FailedSyncRequests metrics.Counter
}

// PrometheusMetrics returns Metrics built using the Prometheus client
// library. Optionally, labels can be provided along with their values
// ("foo", "fooValue").
func PrometheusMetrics(namespace string, labelsAndValues ...string) *Metrics {
	labels := []string{}
	for i := 0; i < len(labelsAndValues); i += 2 {
		labels = append(labels, labelsAndValues[i])
	}
	return &Metrics{
		Syncing: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "syncing",
			Help:      "Whether the node is actively syncing toward a target. 1 if yes, 0 if no.",
		}, labels).With(labelsAndValues...),
		SyncedVersion: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "synced_version",
			Help:      "Highest locally applied ledger version.",
		}, labels).With(labelsAndValues...),
		CommittedVersion: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "committed_version",
			Help:      "Highest certified ledger version.",
		}, labels).With(labelsAndValues...),
		TrustedEpoch: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "trusted_epoch",
			Help:      "Epoch whose validator set is currently trusted.",
		}, labels).With(labelsAndValues...),
		ChunkRequests: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "chunk_requests",
			Help:      "Number of chunk requests sent.",
		}, labels).With(labelsAndValues...),
		AppliedChunks: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "applied_chunks",
			Help:      "Number of chunk responses applied successfully.",
		}, labels).With(labelsAndValues...),
		RejectedChunks: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "rejected_chunks",
			Help:      "Number of chunk responses discarded.",
		}, labels).With(labelsAndValues...),
		RequestTimeouts: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "request_timeouts",
			Help:      "Number of chunk request timeouts.",
		}, labels).With(labelsAndValues...),
		FailedSyncRequests: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "failed_sync_requests",
			Help:      "Number of sync requests that failed with no progress.",
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Syncing:            discard.NewGauge(),
		SyncedVersion:      discard.NewGauge(),
		CommittedVersion:   discard.NewGauge(),
		TrustedEpoch:       discard.NewGauge(),
		ChunkRequests:      discard.NewCounter(),
		AppliedChunks:      discard.NewCounter(),
		RejectedChunks:     discard.NewCounter(),
		RequestTimeouts:    discard.NewCounter(),
		FailedSyncRequests: discard.NewCounter(),
	}
}
