package storagebench

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"time"

	"github.com/openmesh/dws/pkg/types"
)

// Normalization anchors: an IOPS sum of 200k and a throughput sum of
// 20k MB/s each saturate their sub-score at 100.
const (
	iopsAnchor       = 2000.0
	throughputAnchor = 200.0

	weightIOPS       = 0.3
	weightThroughput = 0.4
	weightLatency    = 0.3
)

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}

// computeScore folds the raw metrics into overallScore in [0, 10000].
// Every sub-score is clamped so a pathological run (including an empty
// one) still produces a finite score.
func computeScore(r *types.BenchmarkResult) int {
	iopsSum := r.IOPS.RandomRead4K + r.IOPS.RandomWrite4K +
		r.IOPS.RandomRead64K + r.IOPS.RandomWrite64K + r.IOPS.MixedReadWrite
	iopsScore := clamp(iopsSum/iopsAnchor, 0, 100)

	tpSum := r.Throughput.SequentialRead + r.Throughput.SequentialWrite +
		r.Throughput.ParallelRead + r.Throughput.ParallelWrite
	tpScore := clamp(tpSum/throughputAnchor, 0, 100)

	// A run that moved no data scores zero; the latency term alone
	// must not reward an empty benchmark
	if iopsSum == 0 && tpSum == 0 {
		return 0
	}

	avgLatency := (r.Latency.AverageRead + r.Latency.AverageWrite) / 2
	latScore := clamp(100-avgLatency/10*100, 0, 100)

	overall := (iopsScore*weightIOPS + tpScore*weightThroughput + latScore*weightLatency) * 100
	if math.IsNaN(overall) || overall < 0 {
		return 0
	}
	return int(math.Round(overall))
}

// computeDeviation reports the mean percentage gap between the
// provider's claims and the observed means, over the dimensions where
// both sides are known. No observable dimension means zero deviation.
func computeDeviation(p *types.StorageProvider, r *types.BenchmarkResult) float64 {
	var gaps []float64

	if p.ClaimedIOPS > 0 {
		observed := (r.IOPS.RandomRead4K + r.IOPS.RandomWrite4K) / 2
		if observed > 0 {
			gaps = append(gaps, math.Abs(float64(p.ClaimedIOPS)-observed)/float64(p.ClaimedIOPS))
		}
	}
	if p.ClaimedThroughputMBps > 0 {
		observed := (r.Throughput.SequentialRead + r.Throughput.SequentialWrite) / 2
		if observed > 0 {
			gaps = append(gaps, math.Abs(p.ClaimedThroughputMBps-observed)/p.ClaimedThroughputMBps)
		}
	}

	if len(gaps) == 0 {
		return 0
	}
	var sum float64
	for _, g := range gaps {
		sum += g
	}
	return sum / float64(len(gaps)) * 100
}

type attestationPayload struct {
	ProviderID   string                  `json:"providerId"`
	Timestamp    time.Time               `json:"timestamp"`
	OverallScore int                     `json:"overallScore"`
	IOPS         types.IOPSMetrics       `json:"iops"`
	Throughput   types.ThroughputMetrics `json:"throughput"`
}

// attestationHash binds a result to its provider and timestamp
func attestationHash(r *types.BenchmarkResult) string {
	data, _ := json.Marshal(attestationPayload{
		ProviderID:   r.ProviderID,
		Timestamp:    r.Timestamp,
		OverallScore: r.OverallScore,
		IOPS:         r.IOPS,
		Throughput:   r.Throughput,
	})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// percentile returns the p-quantile of sorted samples using the
// floor(n*p) index, matching the reporting convention for p99.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Floor(float64(len(sorted)) * p))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
