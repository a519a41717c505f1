package main

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	bolt "go.etcd.io/bbolt"

	"github.com/openmesh/dws/pkg/audit"
	"github.com/openmesh/dws/pkg/auth"
	"github.com/openmesh/dws/pkg/chain"
	"github.com/openmesh/dws/pkg/cloud"
	"github.com/openmesh/dws/pkg/config"
	"github.com/openmesh/dws/pkg/confidentialdb"
	"github.com/openmesh/dws/pkg/contentindex"
	"github.com/openmesh/dws/pkg/errdefs"
	"github.com/openmesh/dws/pkg/log"
	"github.com/openmesh/dws/pkg/metrics"
	"github.com/openmesh/dws/pkg/statestore"
	"github.com/openmesh/dws/pkg/storagebench"
	"github.com/openmesh/dws/pkg/swarm"
	"github.com/openmesh/dws/pkg/vault"
)

// app holds the fully wired control plane services
type app struct {
	cfg *config.Config

	boltDB  *bolt.DB
	stateDB *statestore.DB

	auditLog    *audit.Log
	authGW      *auth.Gateway
	vault       *vault.Vault
	databases   *confidentialdb.Manager
	storage     *storagebench.Registry
	benchmarker *storagebench.Benchmarker
	coordinator *swarm.Coordinator
	metricsReg  *prometheus.Registry
}

// newApp loads configuration and constructs every service once, the
// way the process entry point owns all dependencies.
func newApp(ctx context.Context) (*app, error) {
	var cfg *config.Config
	var err error
	if flagConfig != "" {
		cfg, err = config.Load(flagConfig)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.Default()
	}
	if flagDataDir != "" {
		cfg.DataDir = flagDataDir
	}

	level := log.InfoLevel
	if flagDebug {
		level = log.DebugLevel
	}
	log.Init(log.Config{Level: level, JSONOutput: cfg.Environment == "production"})

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, errdefs.Transient.Wrap(err)
	}

	boltDB, err := bolt.Open(filepath.Join(cfg.DataDir, "dws.db"), 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errdefs.Transient.Wrap(err)
	}

	a := &app{cfg: cfg, boltDB: boltDB}
	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) build(ctx context.Context) error {
	cfg := a.cfg
	production := cfg.Environment == "production"

	a.auditLog = audit.NewLog(audit.DefaultCapacity)
	a.authGW = auth.NewGateway(cfg.Auth.RatePerSecond, cfg.Auth.Burst)
	a.metricsReg = prometheus.NewRegistry()
	metrics.Register(a.metricsReg)

	vaultStore, err := vault.NewBoltStore(a.boltDB)
	if err != nil {
		return err
	}
	a.vault, err = vault.New(vault.Config{
		MasterKey:     cfg.Vault.MasterKey,
		Production:    production,
		VerifyTimeout: time.Duration(cfg.Vault.TokenTimeoutMs) * time.Millisecond,
	}, vaultStore, a.auditLog)
	if err != nil {
		return err
	}

	dbStore, err := confidentialdb.NewBoltStore(a.boltDB)
	if err != nil {
		return err
	}
	cloudRegistry := cloud.NewRegistry()
	// Development runs against the in-memory provider; production
	// requires owner credentials for a registered driver.
	var defaultGW cloud.Gateway
	if !production {
		defaultGW = cloud.NewFakeGateway()
	}
	dbCfg := confidentialdb.Config{
		DefaultIdleTimeout:   time.Duration(cfg.Database.DefaultIdleTimeoutMs) * time.Millisecond,
		MaxDatabasesPerOwner: cfg.Database.MaxDatabasesPerOwner,
		ProvisionTimeout:     time.Duration(cfg.Database.ProvisionTimeoutMs) * time.Millisecond,
		HealthCheckInterval:  time.Duration(cfg.Database.HealthCheckIntervalMs) * time.Millisecond,
		CostCheckInterval:    time.Duration(cfg.Database.CostCheckIntervalMs) * time.Millisecond,
	}
	if !production {
		dbCfg.Prober = noopProber{}
	}
	a.databases, err = confidentialdb.NewManager(dbCfg, a.vault, cloudRegistry, defaultGW, dbStore, a.auditLog)
	if err != nil {
		return err
	}

	sbStore, err := storagebench.NewBoltStore(a.boltDB)
	if err != nil {
		return err
	}
	a.storage, err = storagebench.NewRegistry(storagebench.Thresholds{
		WarnPct:  cfg.Benchmarker.WarnDeviationPercent,
		FailPct:  cfg.Benchmarker.FailDeviationPercent,
		SlashPct: cfg.Benchmarker.SlashDeviationPercent,
	}, sbStore)
	if err != nil {
		return err
	}

	var chainGW chain.Gateway
	if cfg.Benchmarker.ChainEndpoint != "" {
		chainGW = &chain.HTTPGateway{Endpoint: cfg.Benchmarker.ChainEndpoint}
	}
	publisher := chain.NewPublisher(chainGW, &chain.FileJournal{
		Path: filepath.Join(cfg.DataDir, "attestations.jsonl"),
	})
	a.benchmarker = storagebench.NewBenchmarker(storagebench.Config{
		Driver: storagebench.DriverConfig{
			SmallFileKB:        cfg.Benchmarker.SmallFileSizeKB,
			MediumFileMB:       cfg.Benchmarker.MediumFileSizeMB,
			LargeFileMB:        cfg.Benchmarker.LargeFileSizeMB,
			IOPSDuration:       time.Duration(cfg.Benchmarker.IOPSTestDurationMs) * time.Millisecond,
			ThroughputDuration: time.Duration(cfg.Benchmarker.ThroughputTestDurationMs) * time.Millisecond,
			LatencySamples:     cfg.Benchmarker.LatencyTestSamples,
		},
		LowInterval:      days(cfg.Benchmarker.LowReputationIntervalDays),
		MediumInterval:   days(cfg.Benchmarker.MediumReputationIntervalDays),
		HighInterval:     days(cfg.Benchmarker.HighReputationIntervalDays),
		SpotCheckPercent: cfg.Benchmarker.RandomSpotCheckPercent,
		MaxConcurrent:    int64(cfg.Benchmarker.MaxConcurrentBenchmarks),
		Timeout:          time.Duration(cfg.Benchmarker.BenchmarkTimeoutMs) * time.Millisecond,
		IPFSGateway:      cfg.Benchmarker.IPFSGateway,
	}, a.storage, publisher)

	a.stateDB, err = statestore.Open(filepath.Join(cfg.DataDir, "state.db"))
	if err != nil {
		return err
	}
	swarmStore, err := swarm.NewSQLStore(ctx, a.stateDB)
	if err != nil {
		return err
	}
	var index contentindex.Index
	if cfg.Swarm.ContentIndexEndpoint != "" {
		index = &contentindex.HTTP{Endpoint: cfg.Swarm.ContentIndexEndpoint}
	}
	a.coordinator = swarm.NewCoordinator(swarm.Config{
		NodeID:                 cfg.NodeID,
		Region:                 cfg.Region,
		Endpoint:               cfg.ListenAddr,
		HealthCheckInterval:    time.Duration(cfg.Swarm.HealthCheckIntervalMs) * time.Millisecond,
		RebalanceInterval:      time.Duration(cfg.Swarm.RebalanceIntervalMs) * time.Millisecond,
		MinPeersPerContent:     cfg.Swarm.MinPeersPerContent,
		TargetPeersPerContent:  cfg.Swarm.TargetPeersPerContent,
		MaxPeerConnections:     cfg.Swarm.MaxPeerConnections,
		MaxConcurrentDownloads: int64(cfg.Swarm.MaxConcurrentDownloads),
		MaxConcurrentUploads:   int64(cfg.Swarm.MaxConcurrentUploads),
	}, swarmStore, index)
	return a.coordinator.Start(ctx)
}

// Close releases databases and drains async work
func (a *app) Close() {
	if a.databases != nil {
		a.databases.Close()
	}
	if a.stateDB != nil {
		a.stateDB.Close()
	}
	if a.boltDB != nil {
		a.boltDB.Close()
	}
}

// noopProber skips the TCP readiness probe in development, where the
// fake provider's addresses are not reachable
type noopProber struct{}

func (noopProber) Probe(ctx context.Context, addr string) error { return nil }

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}
