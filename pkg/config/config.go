// Package config holds the control plane configuration with the
// defaults every component assumes. Values load from a YAML file and
// may be overridden by flags in cmd/dws.
package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/openmesh/dws/pkg/errdefs"
)

// Config is the full control plane configuration
type Config struct {
	Environment string      `yaml:"environment"` // "production" or "development"
	NodeID      string      `yaml:"node_id"`
	Region      string      `yaml:"region"`
	ListenAddr  string      `yaml:"listen_addr"`
	DataDir     string      `yaml:"data_dir"`
	Vault       Vault       `yaml:"vault"`
	Database    Database    `yaml:"database"`
	Benchmarker Benchmarker `yaml:"benchmarker"`
	Swarm       Swarm       `yaml:"swarm"`
	Auth        Auth        `yaml:"auth"`
}

// Vault configures the credential vault
type Vault struct {
	MasterKey      string `yaml:"master_key"` // required in production, >=32 bytes
	TokenTimeoutMs int64  `yaml:"token_timeout_ms"`
}

// Database configures the confidential database manager
type Database struct {
	DefaultIdleTimeoutMs  int64 `yaml:"default_idle_timeout_ms"`
	MaxDatabasesPerOwner  int   `yaml:"max_databases_per_owner"`
	ProvisionTimeoutMs    int64 `yaml:"provision_timeout_ms"`
	HealthCheckIntervalMs int64 `yaml:"health_check_interval_ms"`
	CostCheckIntervalMs   int64 `yaml:"cost_check_interval_ms"`
}

// Benchmarker configures storage provider benchmarking
type Benchmarker struct {
	// ChainEndpoint is the attestation relay URL; empty means
	// attestations go straight to the local journal.
	ChainEndpoint                string  `yaml:"chain_endpoint"`
	IPFSGateway                  string  `yaml:"ipfs_gateway"`
	SmallFileSizeKB              int     `yaml:"small_file_size_kb"`
	MediumFileSizeMB             int     `yaml:"medium_file_size_mb"`
	LargeFileSizeMB              int     `yaml:"large_file_size_mb"`
	IOPSTestDurationMs           int64   `yaml:"iops_test_duration_ms"`
	ThroughputTestDurationMs     int64   `yaml:"throughput_test_duration_ms"`
	LatencyTestSamples           int     `yaml:"latency_test_samples"`
	WarnDeviationPercent         float64 `yaml:"warn_deviation_percent"`
	FailDeviationPercent         float64 `yaml:"fail_deviation_percent"`
	SlashDeviationPercent        float64 `yaml:"slash_deviation_percent"`
	LowReputationIntervalDays    int     `yaml:"low_reputation_interval_days"`
	MediumReputationIntervalDays int     `yaml:"medium_reputation_interval_days"`
	HighReputationIntervalDays   int     `yaml:"high_reputation_interval_days"`
	RandomSpotCheckPercent       float64 `yaml:"random_spot_check_percent"`
	MaxConcurrentBenchmarks      int     `yaml:"max_concurrent_benchmarks"`
	BenchmarkTimeoutMs           int64   `yaml:"benchmark_timeout_ms"`
}

// Swarm configures the swarm coordinator
type Swarm struct {
	// ContentIndexEndpoint is the base URL of an external content
	// index; empty disables index lookups.
	ContentIndexEndpoint   string `yaml:"content_index_endpoint"`
	MaxConcurrentDownloads int    `yaml:"max_concurrent_downloads"`
	MaxConcurrentUploads   int    `yaml:"max_concurrent_uploads"`
	HealthCheckIntervalMs  int64  `yaml:"health_check_interval_ms"`
	RebalanceIntervalMs    int64  `yaml:"rebalance_interval_ms"`
	MinPeersPerContent     int    `yaml:"min_peers_per_content"`
	TargetPeersPerContent  int    `yaml:"target_peers_per_content"`
	MaxPeerConnections     int    `yaml:"max_peer_connections"`
}

// Auth configures per-principal rate limiting
type Auth struct {
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// Default returns the configuration with every documented default set
func Default() *Config {
	return &Config{
		Environment: "development",
		ListenAddr:  ":8420",
		DataDir:     "/var/lib/dws",
		Vault: Vault{
			TokenTimeoutMs: 15000,
		},
		Database: Database{
			DefaultIdleTimeoutMs:  3_600_000,
			MaxDatabasesPerOwner:  5,
			ProvisionTimeoutMs:    600_000,
			HealthCheckIntervalMs: 30_000,
			CostCheckIntervalMs:   60_000,
		},
		Benchmarker: Benchmarker{
			SmallFileSizeKB:              4,
			MediumFileSizeMB:             1,
			LargeFileSizeMB:              100,
			IOPSTestDurationMs:           30_000,
			ThroughputTestDurationMs:     60_000,
			LatencyTestSamples:           100,
			WarnDeviationPercent:         15,
			FailDeviationPercent:         30,
			SlashDeviationPercent:        50,
			LowReputationIntervalDays:    7,
			MediumReputationIntervalDays: 30,
			HighReputationIntervalDays:   90,
			RandomSpotCheckPercent:       1,
			MaxConcurrentBenchmarks:      3,
			BenchmarkTimeoutMs:           300_000,
		},
		Swarm: Swarm{
			MaxConcurrentDownloads: 5,
			MaxConcurrentUploads:   10,
			HealthCheckIntervalMs:  30_000,
			RebalanceIntervalMs:    60_000,
			MinPeersPerContent:     3,
			TargetPeersPerContent:  5,
			MaxPeerConnections:     50,
		},
		Auth: Auth{
			RatePerSecond: 10,
			Burst:         20,
		},
	}
}

// Load reads a YAML config file over the defaults
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errdefs.Validation.Wrap(err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errdefs.Validation.Wrap(err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces production constraints
func (c *Config) Validate() error {
	if c.Environment == "production" && len(c.Vault.MasterKey) < 32 {
		return errdefs.Validation.New("vault master key must be at least 32 bytes in production")
	}
	if c.Database.MaxDatabasesPerOwner < 1 {
		return errdefs.Validation.New("max_databases_per_owner must be positive")
	}
	if c.Benchmarker.MaxConcurrentBenchmarks < 1 {
		return errdefs.Validation.New("max_concurrent_benchmarks must be positive")
	}
	return nil
}
