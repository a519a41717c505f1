package storagebench

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/openmesh/dws/pkg/auth"
	"github.com/openmesh/dws/pkg/errdefs"
	"github.com/openmesh/dws/pkg/metrics"
	"github.com/openmesh/dws/pkg/types"
)

const (
	initialScore  = 50
	historyWindow = 10

	scorePassDelta = 5
	scoreWarnDelta = 2
	scoreFailDelta = 15
)

// Thresholds classify a benchmark run by its deviation percentage
type Thresholds struct {
	WarnPct  float64
	FailPct  float64
	SlashPct float64
}

// DefaultThresholds matches the documented defaults
var DefaultThresholds = Thresholds{WarnPct: 15, FailPct: 30, SlashPct: 50}

// RegisterRequest registers a storage provider and its claims
type RegisterRequest struct {
	Address               string
	Endpoint              string
	Type                  types.StorageProviderType
	ClaimedCapacityMB     int64
	ClaimedIOPS           int64
	ClaimedThroughputMBps float64
	Region                string
}

// RankedProvider pairs a provider with its current standing
type RankedProvider struct {
	Provider   *types.StorageProvider `json:"provider"`
	Reputation *types.Reputation      `json:"reputation"`
	LastScore  int                    `json:"last_score"`
}

// RegistryStats aggregates registry state
type RegistryStats struct {
	Providers       int                               `json:"providers"`
	ByType          map[types.StorageProviderType]int `json:"by_type"`
	AverageScore    float64                           `json:"average_score"`
	FlaggedCount    int                               `json:"flagged_count"`
	BenchmarksTotal int                               `json:"benchmarks_total"`
}

// Registry tracks storage providers, their reputations and benchmark
// history. History is a sliding window of the last ten results.
type Registry struct {
	thresholds Thresholds
	store      Store

	mu          sync.RWMutex
	providers   map[string]*types.StorageProvider
	reputations map[string]*types.Reputation
	history     map[string][]*types.BenchmarkResult
}

// NewRegistry creates a registry, loading persisted state from store
// when one is given.
func NewRegistry(thresholds Thresholds, store Store) (*Registry, error) {
	r := &Registry{
		thresholds:  thresholds,
		store:       store,
		providers:   make(map[string]*types.StorageProvider),
		reputations: make(map[string]*types.Reputation),
		history:     make(map[string][]*types.BenchmarkResult),
	}
	if store != nil {
		providers, reputations, history, err := store.LoadAll()
		if err != nil {
			return nil, err
		}
		for _, p := range providers {
			r.providers[p.ID] = p
		}
		for _, rep := range reputations {
			r.reputations[rep.ProviderID] = rep
		}
		r.history = history
		if r.history == nil {
			r.history = make(map[string][]*types.BenchmarkResult)
		}
	}
	return r, nil
}

// Register admits a provider with a fresh reputation of 50
func (r *Registry) Register(req RegisterRequest) (*types.StorageProvider, error) {
	addr, err := auth.NormalizeAddress(req.Address)
	if err != nil {
		return nil, err
	}
	if req.Endpoint == "" {
		return nil, errdefs.Validation.New("endpoint is required")
	}
	switch req.Type {
	case types.StorageBlock, types.StorageObject, types.StorageIPFS, types.StorageHybrid:
	default:
		return nil, errdefs.Validation.New("unknown storage provider type %q", req.Type)
	}

	provider := &types.StorageProvider{
		ID:                    "sp-" + uuid.NewString()[:8],
		Address:               addr,
		Endpoint:              req.Endpoint,
		Type:                  req.Type,
		ClaimedCapacityMB:     req.ClaimedCapacityMB,
		ClaimedIOPS:           req.ClaimedIOPS,
		ClaimedThroughputMBps: req.ClaimedThroughputMBps,
		Region:                req.Region,
		RegisteredAt:          time.Now(),
	}
	reputation := &types.Reputation{
		ProviderID: provider.ID,
		Score:      initialScore,
	}

	r.mu.Lock()
	r.providers[provider.ID] = provider
	r.reputations[provider.ID] = reputation
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.SaveProvider(provider); err != nil {
			return nil, err
		}
		if err := r.store.SaveReputation(reputation); err != nil {
			return nil, err
		}
	}

	out := *provider
	return &out, nil
}

// Get returns the provider or NotFound
func (r *Registry) Get(id string) (*types.StorageProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	if !ok {
		return nil, errdefs.NotFound.New("storage provider %s not found", id)
	}
	out := *p
	return &out, nil
}

// Reputation returns the provider's reputation or NotFound
func (r *Registry) Reputation(id string) (*types.Reputation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rep, ok := r.reputations[id]
	if !ok {
		return nil, errdefs.NotFound.New("storage provider %s not found", id)
	}
	out := *rep
	out.Flags = append([]string(nil), rep.Flags...)
	return &out, nil
}

// List returns all registered providers
func (r *Registry) List() []*types.StorageProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Map(lo.Values(r.providers), func(p *types.StorageProvider, _ int) *types.StorageProvider {
		cp := *p
		return &cp
	})
}

// History returns the provider's benchmark window, newest last
func (r *Registry) History(id string) []*types.BenchmarkResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*types.BenchmarkResult(nil), r.history[id]...)
}

// Rank orders providers by reputation score, breaking ties on the
// latest overall benchmark score.
func (r *Registry) Rank() []RankedProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ranked := make([]RankedProvider, 0, len(r.providers))
	for id, p := range r.providers {
		cp := *p
		entry := RankedProvider{Provider: &cp}
		if rep := r.reputations[id]; rep != nil {
			repCp := *rep
			entry.Reputation = &repCp
		}
		if window := r.history[id]; len(window) > 0 {
			entry.LastScore = window[len(window)-1].OverallScore
		}
		ranked = append(ranked, entry)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		si, sj := 0, 0
		if ranked[i].Reputation != nil {
			si = ranked[i].Reputation.Score
		}
		if ranked[j].Reputation != nil {
			sj = ranked[j].Reputation.Score
		}
		if si != sj {
			return si > sj
		}
		return ranked[i].LastScore > ranked[j].LastScore
	})
	return ranked
}

// Stats aggregates registry state
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := RegistryStats{
		Providers: len(r.providers),
		ByType:    make(map[types.StorageProviderType]int),
	}
	var scoreSum int
	for id, p := range r.providers {
		stats.ByType[p.Type]++
		if rep := r.reputations[id]; rep != nil {
			scoreSum += rep.Score
			stats.BenchmarksTotal += rep.BenchmarkCount
			if len(rep.Flags) > 0 {
				stats.FlaggedCount++
			}
		}
	}
	if stats.Providers > 0 {
		stats.AverageScore = float64(scoreSum) / float64(stats.Providers)
	}
	return stats
}

// ApplyResult folds a benchmark result into the provider's reputation
// and history window, then persists both.
func (r *Registry) ApplyResult(res *types.BenchmarkResult) (*types.Reputation, error) {
	r.mu.Lock()
	rep, ok := r.reputations[res.ProviderID]
	if !ok {
		r.mu.Unlock()
		return nil, errdefs.NotFound.New("storage provider %s not found", res.ProviderID)
	}

	classification := r.classify(res.DeviationPct)
	switch classification {
	case "pass":
		rep.Score = min(100, rep.Score+scorePassDelta)
		rep.PassCount++
	case "warn":
		rep.Score = max(0, rep.Score-scoreWarnDelta)
	case "fail":
		rep.Score = max(0, rep.Score-scoreFailDelta)
		rep.FailCount++
		rep.Flags = append(rep.Flags, deviationFlag("deviation", res.DeviationPct, res.Timestamp))
	}
	if res.DeviationPct >= r.thresholds.SlashPct {
		// Slashing itself happens off-process; the flag is the signal
		rep.Flags = append(rep.Flags, deviationFlag("slash_recommended", res.DeviationPct, res.Timestamp))
	}

	rep.BenchmarkCount++
	rep.LastBenchmarkAt = res.Timestamp
	rep.LastDeviationPercent = res.DeviationPct

	window := append(r.history[res.ProviderID], res)
	if len(window) > historyWindow {
		window = window[len(window)-historyWindow:]
	}
	r.history[res.ProviderID] = window

	out := *rep
	out.Flags = append([]string(nil), rep.Flags...)
	providerType := "unknown"
	if p, ok := r.providers[res.ProviderID]; ok {
		providerType = string(p.Type)
	}
	r.mu.Unlock()

	metrics.BenchmarkScore.WithLabelValues(res.ProviderID).Set(float64(res.OverallScore))
	metrics.BenchmarksTotal.WithLabelValues(providerType, classification).Inc()

	if r.store != nil {
		if err := r.store.SaveReputation(&out); err != nil {
			return nil, err
		}
		if err := r.store.SaveHistory(res.ProviderID, window); err != nil {
			return nil, err
		}
	}
	return &out, nil
}

func (r *Registry) classify(deviationPct float64) string {
	switch {
	case deviationPct < r.thresholds.WarnPct:
		return "pass"
	case deviationPct < r.thresholds.FailPct:
		return "warn"
	default:
		return "fail"
	}
}

func deviationFlag(kind string, pct float64, ts time.Time) string {
	return fmt.Sprintf("%s_%.0f%%_at_%d", kind, pct, ts.Unix())
}
