// Package metrics exposes Prometheus collectors for the DWS control
// plane. Collectors register once via Register and are served on
// /metrics by the API server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Vault metrics
	CredentialsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dws_credentials_total",
			Help: "Stored credentials by provider and status",
		},
		[]string{"provider", "status"},
	)

	CredentialVerifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dws_credential_verifications_total",
			Help: "Credential verification attempts by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	// Confidential database metrics
	DatabasesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dws_databases_total",
			Help: "Confidential databases by tier and status",
		},
		[]string{"tier", "status"},
	)

	ProvisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dws_provisions_total",
			Help: "Provisioning attempts by outcome",
		},
		[]string{"outcome"},
	)

	ProvisionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dws_provision_duration_seconds",
			Help:    "Time from provision request to running",
			Buckets: prometheus.ExponentialBuckets(15, 2, 8),
		},
	)

	AccruedCostUSD = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dws_accrued_cost_usd",
			Help: "Total accrued cost across live databases",
		},
	)

	// Benchmark metrics
	BenchmarksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dws_benchmarks_total",
			Help: "Benchmark runs by provider type and classification",
		},
		[]string{"type", "classification"},
	)

	BenchmarkScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dws_benchmark_score",
			Help: "Latest overall benchmark score per provider",
		},
		[]string{"provider_id"},
	)

	// Swarm metrics
	SwarmPeersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dws_swarm_peers_total",
			Help: "Known swarm peers by connection state",
		},
		[]string{"connected"},
	)

	SwarmContentTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dws_swarm_content_total",
			Help: "Tracked content items by health",
		},
		[]string{"health"},
	)

	SwarmTransfersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dws_swarm_transfers_total",
			Help: "Recorded swarm transfers by outcome",
		},
		[]string{"outcome"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dws_api_requests_total",
			Help: "HTTP requests by route and status",
		},
		[]string{"route", "status"},
	)
)

// Register registers all collectors with the given registry
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		CredentialsTotal,
		CredentialVerifications,
		DatabasesTotal,
		ProvisionsTotal,
		ProvisionDuration,
		AccruedCostUSD,
		BenchmarksTotal,
		BenchmarkScore,
		SwarmPeersTotal,
		SwarmContentTotal,
		SwarmTransfersTotal,
		APIRequestsTotal,
	)
}
