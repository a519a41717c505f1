package storagebench

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/openmesh/dws/pkg/errdefs"
	"github.com/openmesh/dws/pkg/types"
)

// Driver runs one benchmark against a provider endpoint
type Driver interface {
	Run(ctx context.Context, provider *types.StorageProvider) (*types.BenchmarkResult, error)
}

// DriverConfig sizes the benchmark workloads
type DriverConfig struct {
	SmallFileKB        int
	MediumFileMB       int
	LargeFileMB        int
	IOPSDuration       time.Duration
	ThroughputDuration time.Duration
	LatencySamples     int
}

const parallelStreams = 4

// objectDriver benchmarks block and object providers over their HTTP
// surface: PUT/GET on /dws-bench/<key>.
type objectDriver struct {
	cfg    DriverConfig
	client *http.Client
}

func newObjectDriver(cfg DriverConfig, client *http.Client) *objectDriver {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &objectDriver{cfg: cfg, client: client}
}

func (d *objectDriver) Run(ctx context.Context, provider *types.StorageProvider) (*types.BenchmarkResult, error) {
	result := &types.BenchmarkResult{
		ProviderID: provider.ID,
		Timestamp:  time.Now(),
	}

	small := benchPayload(d.cfg.SmallFileKB * 1024)
	large := benchPayload(64 * 1024)

	if err := d.latencyTest(ctx, provider.Endpoint, small, result); err != nil {
		return nil, err
	}
	if err := d.iopsTest(ctx, provider.Endpoint, small, large, result); err != nil {
		return nil, err
	}
	if err := d.throughputTest(ctx, provider.Endpoint, result); err != nil {
		return nil, err
	}
	if err := d.durabilityTest(ctx, provider.Endpoint, result); err != nil {
		return nil, err
	}

	start := time.Now()
	if err := d.put(ctx, provider.Endpoint, "ping", small); err == nil {
		result.Network.PingMs = float64(time.Since(start).Microseconds()) / 1000
	}
	return result, nil
}

func (d *objectDriver) latencyTest(ctx context.Context, endpoint string, payload []byte, result *types.BenchmarkResult) error {
	samples := d.cfg.LatencySamples
	if samples <= 0 {
		samples = 1
	}

	reads := make([]float64, 0, samples)
	writes := make([]float64, 0, samples)

	for i := 0; i < samples; i++ {
		if ctx.Err() != nil {
			return errdefs.Timeout.Wrap(ctx.Err())
		}
		key := fmt.Sprintf("latency-%d", i)

		start := time.Now()
		if err := d.put(ctx, endpoint, key, payload); err != nil {
			return err
		}
		writes = append(writes, ms(time.Since(start)))

		start = time.Now()
		body, err := d.get(ctx, endpoint, key)
		if err != nil {
			return err
		}
		elapsed := ms(time.Since(start))
		reads = append(reads, elapsed)
		if i == 0 {
			result.Latency.FirstByte = elapsed
		}
		_ = body
	}

	result.Latency.AverageRead = mean(reads)
	result.Latency.AverageWrite = mean(writes)
	sort.Float64s(reads)
	sort.Float64s(writes)
	result.Latency.P99Read = percentile(reads, 0.99)
	result.Latency.P99Write = percentile(writes, 0.99)
	return nil
}

func (d *objectDriver) iopsTest(ctx context.Context, endpoint string, small, large []byte, result *types.BenchmarkResult) error {
	// Seed the objects the read phases fetch
	if err := d.put(ctx, endpoint, "iops-4k", small); err != nil {
		return err
	}
	if err := d.put(ctx, endpoint, "iops-64k", large); err != nil {
		return err
	}

	// The duration budget splits evenly across the five phases
	window := d.cfg.IOPSDuration / 5

	result.IOPS.RandomRead4K = d.opsPerSecond(ctx, window, func(c context.Context) error {
		_, err := d.get(c, endpoint, "iops-4k")
		return err
	})
	result.IOPS.RandomWrite4K = d.opsPerSecond(ctx, window, func(c context.Context) error {
		return d.put(c, endpoint, "iops-4k", small)
	})
	result.IOPS.RandomRead64K = d.opsPerSecond(ctx, window, func(c context.Context) error {
		_, err := d.get(c, endpoint, "iops-64k")
		return err
	})
	result.IOPS.RandomWrite64K = d.opsPerSecond(ctx, window, func(c context.Context) error {
		return d.put(c, endpoint, "iops-64k", large)
	})

	flip := false
	result.IOPS.MixedReadWrite = d.opsPerSecond(ctx, window, func(c context.Context) error {
		flip = !flip
		if flip {
			_, err := d.get(c, endpoint, "iops-4k")
			return err
		}
		return d.put(c, endpoint, "iops-4k", small)
	})
	return ctxErr(ctx)
}

func (d *objectDriver) throughputTest(ctx context.Context, endpoint string, result *types.BenchmarkResult) error {
	payload := benchPayload(d.cfg.MediumFileMB * 1024 * 1024)
	sizeMB := float64(len(payload)) / (1024 * 1024)

	start := time.Now()
	if err := d.put(ctx, endpoint, "throughput", payload); err != nil {
		return err
	}
	result.Throughput.SequentialWrite = mbps(sizeMB, time.Since(start))

	start = time.Now()
	if _, err := d.get(ctx, endpoint, "throughput"); err != nil {
		return err
	}
	result.Throughput.SequentialRead = mbps(sizeMB, time.Since(start))

	var err error
	result.Throughput.ParallelWrite, err = d.parallel(ctx, func(c context.Context, i int) error {
		return d.put(c, endpoint, fmt.Sprintf("throughput-p%d", i), payload)
	}, sizeMB)
	if err != nil {
		return err
	}
	result.Throughput.ParallelRead, err = d.parallel(ctx, func(c context.Context, i int) error {
		_, gerr := d.get(c, endpoint, fmt.Sprintf("throughput-p%d", i))
		return gerr
	}, sizeMB)
	return err
}

func (d *objectDriver) parallel(ctx context.Context, op func(ctx context.Context, i int) error, sizeMB float64) (float64, error) {
	var wg sync.WaitGroup
	errCh := make(chan error, parallelStreams)

	start := time.Now()
	for i := 0; i < parallelStreams; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := op(ctx, i); err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	if err := <-errCh; err != nil {
		return 0, err
	}
	return mbps(sizeMB*parallelStreams, time.Since(start)), nil
}

func (d *objectDriver) durabilityTest(ctx context.Context, endpoint string, result *types.BenchmarkResult) error {
	payload := benchPayload(d.cfg.SmallFileKB * 1024)
	expected := sha256.Sum256(payload)

	if err := d.put(ctx, endpoint, "durability", payload); err != nil {
		return err
	}
	body, err := d.get(ctx, endpoint, "durability")
	if err != nil {
		return err
	}

	got := sha256.Sum256(body)
	if got != expected {
		result.Durability.ChecksumMatched = false
		result.Durability.DataIntegrityScore = 0
		return errdefs.Integrity.New("durability check failed: stored object corrupted")
	}
	result.Durability.ChecksumMatched = true
	result.Durability.DataIntegrityScore = 100
	return nil
}

// opsPerSecond runs op in a tight loop for the window and reports the
// rate. Errors end the phase early; the partial rate still counts.
func (d *objectDriver) opsPerSecond(ctx context.Context, window time.Duration, op func(ctx context.Context) error) float64 {
	deadline := time.Now().Add(window)
	start := time.Now()
	var ops int

	for time.Now().Before(deadline) && ctx.Err() == nil {
		if err := op(ctx); err != nil {
			break
		}
		ops++
	}

	elapsed := time.Since(start).Seconds()
	if elapsed == 0 {
		return 0
	}
	return float64(ops) / elapsed
}

func (d *objectDriver) put(ctx context.Context, endpoint, key string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, benchURL(endpoint, key), bytes.NewReader(payload))
	if err != nil {
		return errdefs.Validation.Wrap(err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return errdefs.Transient.Wrap(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errdefs.Provider.New("provider returned %s on write", resp.Status)
	}
	return nil
}

func (d *objectDriver) get(ctx context.Context, endpoint, key string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, benchURL(endpoint, key), nil)
	if err != nil {
		return nil, errdefs.Validation.Wrap(err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, errdefs.Transient.Wrap(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errdefs.Provider.New("provider returned %s on read", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

func benchURL(endpoint, key string) string {
	return fmt.Sprintf("%s/dws-bench/%s", endpoint, key)
}

// benchPayload builds a deterministic pseudo-random payload so the
// durability hash is stable within one run
func benchPayload(size int) []byte {
	if size <= 0 {
		size = 1
	}
	buf := make([]byte, size)
	rng := rand.New(rand.NewSource(0x6477732d62656e63))
	rng.Read(buf)
	return buf
}

func mean(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s
	}
	return sum / float64(len(samples))
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

func mbps(sizeMB float64, elapsed time.Duration) float64 {
	secs := elapsed.Seconds()
	if secs == 0 {
		return 0
	}
	return sizeMB / secs
}

func ctxErr(ctx context.Context) error {
	if ctx.Err() != nil {
		return errdefs.Timeout.Wrap(ctx.Err())
	}
	return nil
}
