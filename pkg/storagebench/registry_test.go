package storagebench

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/openmesh/dws/pkg/errdefs"
	"github.com/openmesh/dws/pkg/types"
)

const providerAddr = "0x3333333333333333333333333333333333333333"

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "dws.db"), 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewBoltStore(db)
	require.NoError(t, err)

	r, err := NewRegistry(DefaultThresholds, store)
	require.NoError(t, err)
	return r
}

func registerProvider(t *testing.T, r *Registry, claimedIOPS int64) *types.StorageProvider {
	t.Helper()
	p, err := r.Register(RegisterRequest{
		Address:     providerAddr,
		Endpoint:    "http://storage.example.com:9000",
		Type:        types.StorageObject,
		ClaimedIOPS: claimedIOPS,
		Region:      "eu-central",
	})
	require.NoError(t, err)
	return p
}

func resultWithDeviation(providerID string, pct float64) *types.BenchmarkResult {
	return &types.BenchmarkResult{
		ProviderID:   providerID,
		Timestamp:    time.Now(),
		DeviationPct: pct,
		OverallScore: 5000,
	}
}

func TestRegisterValidation(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Register(RegisterRequest{Address: "not-an-address", Endpoint: "http://x", Type: types.StorageBlock})
	require.True(t, errdefs.Validation.Has(err))

	_, err = r.Register(RegisterRequest{Address: providerAddr, Type: types.StorageBlock})
	require.True(t, errdefs.Validation.Has(err))

	_, err = r.Register(RegisterRequest{Address: providerAddr, Endpoint: "http://x", Type: "tape"})
	require.True(t, errdefs.Validation.Has(err))

	p := registerProvider(t, r, 1000)
	require.True(t, strings.HasPrefix(p.ID, "sp-"))

	rep, err := r.Reputation(p.ID)
	require.NoError(t, err)
	require.Equal(t, 50, rep.Score)
}

func TestReputationFailAtSixtyPercentDeviation(t *testing.T) {
	r := newTestRegistry(t)
	p := registerProvider(t, r, 100000)

	rep, err := r.ApplyResult(resultWithDeviation(p.ID, 60))
	require.NoError(t, err)
	require.Equal(t, 35, rep.Score) // 50 - 15
	require.Equal(t, 1, rep.FailCount)

	var deviationFlags, slashFlags int
	for _, f := range rep.Flags {
		if strings.HasPrefix(f, "deviation_60%_at_") {
			deviationFlags++
		}
		if strings.HasPrefix(f, "slash_recommended_60%_at_") {
			slashFlags++
		}
	}
	require.Equal(t, 1, deviationFlags)
	require.Equal(t, 1, slashFlags) // 60 >= slash threshold of 50
}

func TestReputationPassWarnFail(t *testing.T) {
	r := newTestRegistry(t)
	p := registerProvider(t, r, 1000)

	rep, err := r.ApplyResult(resultWithDeviation(p.ID, 5))
	require.NoError(t, err)
	require.Equal(t, 55, rep.Score)
	require.Equal(t, 1, rep.PassCount)
	require.Empty(t, rep.Flags)

	rep, err = r.ApplyResult(resultWithDeviation(p.ID, 20))
	require.NoError(t, err)
	require.Equal(t, 53, rep.Score)
	require.Empty(t, rep.Flags)

	rep, err = r.ApplyResult(resultWithDeviation(p.ID, 35))
	require.NoError(t, err)
	require.Equal(t, 38, rep.Score)
	require.Len(t, rep.Flags, 1) // below slash threshold, deviation flag only
}

func TestReputationClamps(t *testing.T) {
	r := newTestRegistry(t)
	p := registerProvider(t, r, 1000)

	for i := 0; i < 15; i++ {
		rep, err := r.ApplyResult(resultWithDeviation(p.ID, 0))
		require.NoError(t, err)
		require.LessOrEqual(t, rep.Score, 100)
	}
	rep, err := r.Reputation(p.ID)
	require.NoError(t, err)
	require.Equal(t, 100, rep.Score)

	for i := 0; i < 10; i++ {
		rep, err = r.ApplyResult(resultWithDeviation(p.ID, 90))
		require.NoError(t, err)
		require.GreaterOrEqual(t, rep.Score, 0)
	}
	require.Equal(t, 0, rep.Score)
}

func TestHistoryWindowSlides(t *testing.T) {
	r := newTestRegistry(t)
	p := registerProvider(t, r, 1000)

	for i := 0; i < 15; i++ {
		res := resultWithDeviation(p.ID, 0)
		res.OverallScore = i
		_, err := r.ApplyResult(res)
		require.NoError(t, err)
	}

	window := r.History(p.ID)
	require.Len(t, window, historyWindow)
	require.Equal(t, 5, window[0].OverallScore)
	require.Equal(t, 14, window[len(window)-1].OverallScore)
}

func TestRankOrdersByReputation(t *testing.T) {
	r := newTestRegistry(t)

	var ids []string
	for i := 0; i < 3; i++ {
		p, err := r.Register(RegisterRequest{
			Address:  fmt.Sprintf("0x%040d", i+1),
			Endpoint: fmt.Sprintf("http://p%d.example.com", i),
			Type:     types.StorageObject,
		})
		require.NoError(t, err)
		ids = append(ids, p.ID)
	}

	// ids[0] passes twice, ids[1] fails once, ids[2] untouched at 50
	_, err := r.ApplyResult(resultWithDeviation(ids[0], 0))
	require.NoError(t, err)
	_, err = r.ApplyResult(resultWithDeviation(ids[0], 0))
	require.NoError(t, err)
	_, err = r.ApplyResult(resultWithDeviation(ids[1], 60))
	require.NoError(t, err)

	ranked := r.Rank()
	require.Len(t, ranked, 3)
	require.Equal(t, ids[0], ranked[0].Provider.ID)
	require.Equal(t, ids[2], ranked[1].Provider.ID)
	require.Equal(t, ids[1], ranked[2].Provider.ID)
}

func TestRegistryStatePersists(t *testing.T) {
	dir := t.TempDir()
	db, err := bolt.Open(filepath.Join(dir, "dws.db"), 0600, nil)
	require.NoError(t, err)

	store, err := NewBoltStore(db)
	require.NoError(t, err)
	r, err := NewRegistry(DefaultThresholds, store)
	require.NoError(t, err)

	p := registerProvider(t, r, 1000)
	_, err = r.ApplyResult(resultWithDeviation(p.ID, 60))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db2, err := bolt.Open(filepath.Join(dir, "dws.db"), 0600, nil)
	require.NoError(t, err)
	defer db2.Close()
	store2, err := NewBoltStore(db2)
	require.NoError(t, err)
	r2, err := NewRegistry(DefaultThresholds, store2)
	require.NoError(t, err)

	rep, err := r2.Reputation(p.ID)
	require.NoError(t, err)
	require.Equal(t, 35, rep.Score)
	require.Len(t, r2.History(p.ID), 1)
}

func TestStatsAggregates(t *testing.T) {
	r := newTestRegistry(t)
	p := registerProvider(t, r, 1000)
	_, err := r.ApplyResult(resultWithDeviation(p.ID, 60))
	require.NoError(t, err)

	stats := r.Stats()
	require.Equal(t, 1, stats.Providers)
	require.Equal(t, 1, stats.ByType[types.StorageObject])
	require.Equal(t, 1, stats.FlaggedCount)
	require.Equal(t, 1, stats.BenchmarksTotal)
	require.InDelta(t, 35.0, stats.AverageScore, 1e-9)
}
