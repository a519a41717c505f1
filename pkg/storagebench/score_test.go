package storagebench

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openmesh/dws/pkg/types"
)

func TestComputeScoreBounds(t *testing.T) {
	// Saturated metrics must clamp to the maximum
	saturated := &types.BenchmarkResult{
		IOPS: types.IOPSMetrics{
			RandomRead4K: 100000, RandomWrite4K: 100000,
			RandomRead64K: 100000, RandomWrite64K: 100000, MixedReadWrite: 100000,
		},
		Throughput: types.ThroughputMetrics{
			SequentialRead: 10000, SequentialWrite: 10000,
			ParallelRead: 10000, ParallelWrite: 10000,
		},
		Latency: types.LatencyMetrics{AverageRead: 0.1, AverageWrite: 0.1},
	}
	score := computeScore(saturated)
	require.LessOrEqual(t, score, 10000)
	require.Greater(t, score, 9500)

	// An empty run scores zero, never NaN
	require.Equal(t, 0, computeScore(&types.BenchmarkResult{}))
}

func TestComputeScoreLatencyPenalty(t *testing.T) {
	slow := &types.BenchmarkResult{
		IOPS:       types.IOPSMetrics{RandomRead4K: 1000},
		Throughput: types.ThroughputMetrics{SequentialRead: 50},
		Latency:    types.LatencyMetrics{AverageRead: 50, AverageWrite: 50},
	}
	fast := *slow
	fast.Latency = types.LatencyMetrics{AverageRead: 0.5, AverageWrite: 0.5}

	require.Greater(t, computeScore(&fast), computeScore(slow))
}

func TestComputeDeviationAgainstClaims(t *testing.T) {
	provider := &types.StorageProvider{ClaimedIOPS: 100000}
	result := &types.BenchmarkResult{
		IOPS: types.IOPSMetrics{RandomRead4K: 40000, RandomWrite4K: 40000},
	}
	require.InDelta(t, 60.0, computeDeviation(provider, result), 1e-9)
}

func TestComputeDeviationMeansDimensions(t *testing.T) {
	provider := &types.StorageProvider{
		ClaimedIOPS:           1000,
		ClaimedThroughputMBps: 100,
	}
	result := &types.BenchmarkResult{
		IOPS:       types.IOPSMetrics{RandomRead4K: 500, RandomWrite4K: 500},  // 50% off
		Throughput: types.ThroughputMetrics{SequentialRead: 90, SequentialWrite: 90}, // 10% off
	}
	require.InDelta(t, 30.0, computeDeviation(provider, result), 1e-9)
}

func TestComputeDeviationNoClaims(t *testing.T) {
	require.Zero(t, computeDeviation(&types.StorageProvider{}, &types.BenchmarkResult{}))
}

func TestAttestationHashBindsFields(t *testing.T) {
	base := &types.BenchmarkResult{
		ProviderID:   "sp-1",
		Timestamp:    time.Unix(1700000000, 0).UTC(),
		OverallScore: 7000,
		IOPS:         types.IOPSMetrics{RandomRead4K: 100},
	}
	h1 := attestationHash(base)
	require.Len(t, h1, 64)

	changed := *base
	changed.OverallScore = 7001
	require.NotEqual(t, h1, attestationHash(&changed))

	same := *base
	require.Equal(t, h1, attestationHash(&same))
}

func TestPercentileIndex(t *testing.T) {
	samples := make([]float64, 100)
	for i := range samples {
		samples[i] = float64(i)
	}
	require.Equal(t, 99.0, percentile(samples, 0.99))
	require.Equal(t, 50.0, percentile(samples, 0.50))
	require.Zero(t, percentile(nil, 0.99))
}
