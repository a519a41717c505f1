package storagebench

import (
	"context"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/openmesh/dws/pkg/chain"
	"github.com/openmesh/dws/pkg/errdefs"
	"github.com/openmesh/dws/pkg/log"
	"github.com/openmesh/dws/pkg/scheduler"
	"github.com/openmesh/dws/pkg/types"
)

// Config tunes the benchmarker
type Config struct {
	Driver DriverConfig
	// Reputation-scaled scheduling intervals
	LowInterval    time.Duration // score < 30
	MediumInterval time.Duration // score < 70
	HighInterval   time.Duration // otherwise
	// SpotCheckPercent is the daily probability of an off-schedule run
	SpotCheckPercent float64
	MaxConcurrent    int64
	Timeout          time.Duration
	// IPFSGateway fronts /ipfs/<cid> for IPFS providers; empty falls
	// back to the provider endpoint
	IPFSGateway string
	// DriverOverride replaces provider-type dispatch (tests)
	DriverOverride Driver
}

func (c *Config) applyDefaults() {
	if c.LowInterval <= 0 {
		c.LowInterval = 7 * 24 * time.Hour
	}
	if c.MediumInterval <= 0 {
		c.MediumInterval = 30 * 24 * time.Hour
	}
	if c.HighInterval <= 0 {
		c.HighInterval = 90 * 24 * time.Hour
	}
	if c.SpotCheckPercent <= 0 {
		c.SpotCheckPercent = 1
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 3
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Minute
	}
}

// Benchmarker runs benchmarks against registered providers, feeds the
// results into the registry and publishes attestations. At most
// MaxConcurrent benchmarks run globally and at most one per provider.
type Benchmarker struct {
	cfg       Config
	registry  *Registry
	publisher *chain.Publisher
	client    *http.Client
	sem       *semaphore.Weighted
	logger    zerolog.Logger

	mu      sync.Mutex
	pending map[string]struct{}
	rng     *rand.Rand
}

// NewBenchmarker wires the benchmarker to the registry and the chain
// publisher. publisher may be nil when attestations are not wanted.
func NewBenchmarker(cfg Config, registry *Registry, publisher *chain.Publisher) *Benchmarker {
	cfg.applyDefaults()
	return &Benchmarker{
		cfg:       cfg,
		registry:  registry,
		publisher: publisher,
		client:    &http.Client{Timeout: cfg.Timeout},
		sem:       semaphore.NewWeighted(cfg.MaxConcurrent),
		logger:    log.WithComponent("storagebench"),
		pending:   make(map[string]struct{}),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Benchmark runs one full benchmark of the provider: drive the
// workload, score it, compute deviation from the claims, update
// reputation and publish the attestation.
func (b *Benchmarker) Benchmark(ctx context.Context, providerID string) (*types.BenchmarkResult, error) {
	provider, err := b.registry.Get(providerID)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	if _, running := b.pending[providerID]; running {
		b.mu.Unlock()
		return nil, errdefs.Conflict.New("benchmark already running for provider %s", providerID)
	}
	b.pending[providerID] = struct{}{}
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, providerID)
		b.mu.Unlock()
	}()

	if err := b.sem.Acquire(ctx, 1); err != nil {
		return nil, errdefs.Timeout.Wrap(err)
	}
	defer b.sem.Release(1)

	runCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	result, err := b.driverFor(provider).Run(runCtx, provider)
	if err != nil {
		b.logger.Error().Err(err).Str("provider_id", providerID).Msg("benchmark run failed")
		return nil, err
	}

	result.OverallScore = computeScore(result)
	result.DeviationPct = computeDeviation(provider, result)
	result.AttestationHash = attestationHash(result)

	rep, err := b.registry.ApplyResult(result)
	if err != nil {
		return nil, err
	}

	b.logger.Info().
		Str("provider_id", providerID).
		Int("overall_score", result.OverallScore).
		Float64("deviation_pct", result.DeviationPct).
		Int("reputation", rep.Score).
		Msg("benchmark complete")

	if b.publisher != nil {
		if err := b.publisher.Publish(ctx, chain.Attestation{
			ProviderID:   result.ProviderID,
			Hash:         result.AttestationHash,
			OverallScore: result.OverallScore,
			Timestamp:    result.Timestamp,
		}); err != nil {
			b.logger.Warn().Err(err).Str("provider_id", providerID).Msg("attestation not durable")
		}
	}
	return result, nil
}

// Interval returns the benchmark cadence for a reputation score
func (b *Benchmarker) Interval(score int) time.Duration {
	switch {
	case score < 30:
		return b.cfg.LowInterval
	case score < 70:
		return b.cfg.MediumInterval
	default:
		return b.cfg.HighInterval
	}
}

// Due reports whether the provider's next scheduled benchmark has come
func (b *Benchmarker) Due(rep *types.Reputation, now time.Time) bool {
	if rep.LastBenchmarkAt.IsZero() {
		return true
	}
	return now.Sub(rep.LastBenchmarkAt) >= b.Interval(rep.Score)
}

// RunLoop schedules the daily sweep
func (b *Benchmarker) RunLoop(ctx context.Context, sched *scheduler.Scheduler) *scheduler.Handle {
	return sched.Every(ctx, "benchmark-sweep", 24*time.Hour, b.sweep, scheduler.Options{Jitter: 0.1})
}

// sweep benchmarks every due provider, plus random spot checks
func (b *Benchmarker) sweep(ctx context.Context) error {
	now := time.Now()
	var wg sync.WaitGroup

	for _, provider := range b.registry.List() {
		rep, err := b.registry.Reputation(provider.ID)
		if err != nil {
			continue
		}

		due := b.Due(rep, now)
		if !due {
			b.mu.Lock()
			due = b.rng.Float64()*100 < b.cfg.SpotCheckPercent
			b.mu.Unlock()
		}
		if !due {
			continue
		}

		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := b.Benchmark(ctx, id); err != nil && !errdefs.Conflict.Has(err) {
				b.logger.Warn().Err(err).Str("provider_id", id).Msg("scheduled benchmark failed")
			}
		}(provider.ID)
	}

	wg.Wait()
	return nil
}

func (b *Benchmarker) driverFor(provider *types.StorageProvider) Driver {
	if b.cfg.DriverOverride != nil {
		return b.cfg.DriverOverride
	}
	if provider.Type == types.StorageIPFS {
		return newIPFSDriver(b.cfg.Driver, b.client, b.cfg.IPFSGateway)
	}
	return newObjectDriver(b.cfg.Driver, b.client)
}
