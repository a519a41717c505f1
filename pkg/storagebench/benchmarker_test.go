package storagebench

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openmesh/dws/pkg/errdefs"
	"github.com/openmesh/dws/pkg/types"
)

// objectServer is a minimal in-memory object store speaking the
// PUT/GET surface the object driver drives
func objectServer(t *testing.T) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	objects := make(map[string][]byte)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.URL.Path, "/dws-bench/")
		switch r.Method {
		case http.MethodPut:
			body, _ := io.ReadAll(r.Body)
			mu.Lock()
			objects[key] = body
			mu.Unlock()
			w.WriteHeader(http.StatusCreated)
		case http.MethodGet:
			mu.Lock()
			body, ok := objects[key]
			mu.Unlock()
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Write(body)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func fastDriverConfig() DriverConfig {
	return DriverConfig{
		SmallFileKB:        4,
		MediumFileMB:       1,
		LargeFileMB:        1,
		IOPSDuration:       100 * time.Millisecond,
		ThroughputDuration: 100 * time.Millisecond,
		LatencySamples:     5,
	}
}

func TestObjectBenchmarkEndToEnd(t *testing.T) {
	srv := objectServer(t)

	registry, err := NewRegistry(DefaultThresholds, nil)
	require.NoError(t, err)

	p, err := registry.Register(RegisterRequest{
		Address:     providerAddr,
		Endpoint:    srv.URL,
		Type:        types.StorageObject,
		ClaimedIOPS: 100,
	})
	require.NoError(t, err)

	b := NewBenchmarker(Config{Driver: fastDriverConfig(), Timeout: 30 * time.Second}, registry, nil)

	result, err := b.Benchmark(context.Background(), p.ID)
	require.NoError(t, err)

	require.Greater(t, result.IOPS.RandomRead4K, 0.0)
	require.Greater(t, result.Throughput.SequentialRead, 0.0)
	require.Greater(t, result.Latency.AverageRead, 0.0)
	require.True(t, result.Durability.ChecksumMatched)
	require.InDelta(t, 100.0, result.Durability.DataIntegrityScore, 1e-9)
	require.GreaterOrEqual(t, result.OverallScore, 0)
	require.LessOrEqual(t, result.OverallScore, 10000)
	require.Len(t, result.AttestationHash, 64)

	// The run is folded into reputation and history
	rep, err := registry.Reputation(p.ID)
	require.NoError(t, err)
	require.Equal(t, 1, rep.BenchmarkCount)
	require.Len(t, registry.History(p.ID), 1)
}

func TestBenchmarkUnknownProvider(t *testing.T) {
	registry, err := NewRegistry(DefaultThresholds, nil)
	require.NoError(t, err)
	b := NewBenchmarker(Config{}, registry, nil)

	_, err = b.Benchmark(context.Background(), "sp-missing")
	require.True(t, errdefs.NotFound.Has(err))
}

// slowDriver blocks until released, to hold a benchmark slot open
type slowDriver struct {
	release chan struct{}
}

func (d *slowDriver) Run(ctx context.Context, p *types.StorageProvider) (*types.BenchmarkResult, error) {
	select {
	case <-d.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &types.BenchmarkResult{ProviderID: p.ID, Timestamp: time.Now()}, nil
}

func TestOneBenchmarkPerProvider(t *testing.T) {
	registry, err := NewRegistry(DefaultThresholds, nil)
	require.NoError(t, err)
	p, err := registry.Register(RegisterRequest{
		Address: providerAddr, Endpoint: "http://x", Type: types.StorageObject,
	})
	require.NoError(t, err)

	driver := &slowDriver{release: make(chan struct{})}
	b := NewBenchmarker(Config{DriverOverride: driver, Timeout: 5 * time.Second}, registry, nil)

	done := make(chan error, 1)
	go func() {
		_, err := b.Benchmark(context.Background(), p.ID)
		done <- err
	}()

	// Wait until the first run holds the pending slot
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		_, pending := b.pending[p.ID]
		return pending
	}, time.Second, 5*time.Millisecond)

	_, err = b.Benchmark(context.Background(), p.ID)
	require.True(t, errdefs.Conflict.Has(err))

	close(driver.release)
	require.NoError(t, <-done)
}

func TestIntervalScalesWithReputation(t *testing.T) {
	b := NewBenchmarker(Config{}, nil, nil)

	require.Equal(t, 7*24*time.Hour, b.Interval(29))
	require.Equal(t, 30*24*time.Hour, b.Interval(30))
	require.Equal(t, 30*24*time.Hour, b.Interval(69))
	require.Equal(t, 90*24*time.Hour, b.Interval(70))

	now := time.Now()
	require.True(t, b.Due(&types.Reputation{Score: 50}, now))
	require.False(t, b.Due(&types.Reputation{Score: 50, LastBenchmarkAt: now.Add(-24 * time.Hour)}, now))
	require.True(t, b.Due(&types.Reputation{Score: 50, LastBenchmarkAt: now.Add(-31 * 24 * time.Hour)}, now))
}

// ipfsServer fakes the IPFS HTTP API and gateway
func ipfsServer(t *testing.T, storeContent bool) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	blobs := make(map[string][]byte)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/v0/add":
			body := []byte{}
			if storeContent {
				file, _, err := r.FormFile("file")
				require.NoError(t, err)
				body, _ = io.ReadAll(file)
			}
			mu.Lock()
			blobs["QmTestCID"] = body
			mu.Unlock()
			json.NewEncoder(w).Encode(ipfsAddResponse{Hash: "QmTestCID"})
		case strings.HasPrefix(r.URL.Path, "/ipfs/"):
			mu.Lock()
			body := blobs["QmTestCID"]
			mu.Unlock()
			if r.Method == http.MethodHead {
				w.WriteHeader(http.StatusOK)
				return
			}
			w.Write(body)
		case r.URL.Path == "/api/v0/swarm/peers":
			json.NewEncoder(w).Encode(ipfsSwarmPeersResponse{})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestIPFSBenchmark(t *testing.T) {
	srv := ipfsServer(t, true)

	registry, err := NewRegistry(DefaultThresholds, nil)
	require.NoError(t, err)
	p, err := registry.Register(RegisterRequest{
		Address: providerAddr, Endpoint: srv.URL, Type: types.StorageIPFS,
	})
	require.NoError(t, err)

	b := NewBenchmarker(Config{Driver: fastDriverConfig(), Timeout: 30 * time.Second}, registry, nil)
	result, err := b.Benchmark(context.Background(), p.ID)
	require.NoError(t, err)

	require.NotNil(t, result.IPFS)
	require.Greater(t, result.IPFS.PinningSpeedMBps, 0.0)
	require.True(t, result.Durability.ChecksumMatched)
	require.Greater(t, result.OverallScore, 0)
}

func TestIPFSEmptyRetrievalStaysInRange(t *testing.T) {
	srv := ipfsServer(t, false) // gateway serves empty bodies

	registry, err := NewRegistry(DefaultThresholds, nil)
	require.NoError(t, err)
	p, err := registry.Register(RegisterRequest{
		Address: providerAddr, Endpoint: srv.URL, Type: types.StorageIPFS,
	})
	require.NoError(t, err)

	b := NewBenchmarker(Config{Driver: fastDriverConfig(), Timeout: 30 * time.Second}, registry, nil)
	result, err := b.Benchmark(context.Background(), p.ID)
	require.NoError(t, err)

	require.False(t, result.Durability.ChecksumMatched)
	require.False(t, result.OverallScore < 0 || result.OverallScore > 10000)
}
