package storagebench

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/openmesh/dws/pkg/errdefs"
	"github.com/openmesh/dws/pkg/types"
)

// ipfsDriver benchmarks an IPFS provider through its HTTP API: add a
// medium blob, time pinning, resolve the CID through the gateway, pull
// it back, and read the swarm peer count.
type ipfsDriver struct {
	cfg    DriverConfig
	client *http.Client
	// gateway serves /ipfs/<cid>; empty means the API endpoint also
	// fronts the gateway
	gateway string
}

func newIPFSDriver(cfg DriverConfig, client *http.Client, gateway string) *ipfsDriver {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &ipfsDriver{cfg: cfg, client: client, gateway: gateway}
}

type ipfsAddResponse struct {
	Hash string `json:"Hash"`
	Size string `json:"Size"`
}

type ipfsSwarmPeersResponse struct {
	Peers []struct {
		Peer string `json:"Peer"`
	} `json:"Peers"`
}

func (d *ipfsDriver) Run(ctx context.Context, provider *types.StorageProvider) (*types.BenchmarkResult, error) {
	result := &types.BenchmarkResult{
		ProviderID: provider.ID,
		Timestamp:  time.Now(),
		IPFS:       &types.IPFSMetrics{},
	}

	payload := benchPayload(d.cfg.MediumFileMB * 1024 * 1024)
	sizeMB := float64(len(payload)) / (1024 * 1024)

	start := time.Now()
	cid, err := d.add(ctx, provider.Endpoint, payload)
	if err != nil {
		return nil, err
	}
	pinElapsed := time.Since(start)
	result.IPFS.PinningSpeedMBps = mbps(sizeMB, pinElapsed)
	result.Throughput.SequentialWrite = result.IPFS.PinningSpeedMBps

	gateway := d.gateway
	if gateway == "" {
		gateway = provider.Endpoint
	}

	start = time.Now()
	if err := d.head(ctx, gateway, cid); err != nil {
		return nil, err
	}
	result.IPFS.ResolutionMs = ms(time.Since(start))
	result.Latency.FirstByte = result.IPFS.ResolutionMs
	result.Latency.AverageRead = result.IPFS.ResolutionMs

	start = time.Now()
	body, err := d.cat(ctx, gateway, cid)
	if err != nil {
		return nil, err
	}
	retrieval := time.Since(start)
	result.IPFS.RetrievalMs = ms(retrieval)
	result.Throughput.SequentialRead = mbps(float64(len(body))/(1024*1024), retrieval)

	if len(body) == len(payload) && bytes.Equal(body, payload) {
		result.Durability.ChecksumMatched = true
		result.Durability.DataIntegrityScore = 100
	}

	peers, err := d.swarmPeers(ctx, provider.Endpoint)
	if err == nil {
		result.IPFS.SwarmPeers = peers
	}
	return result, nil
}

func (d *ipfsDriver) add(ctx context.Context, endpoint string, payload []byte) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "dws-bench.bin")
	if err != nil {
		return "", err
	}
	if _, err := part.Write(payload); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/api/v0/add", &buf)
	if err != nil {
		return "", errdefs.Validation.Wrap(err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := d.client.Do(req)
	if err != nil {
		return "", errdefs.Transient.Wrap(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", errdefs.Provider.New("ipfs add returned %s", resp.Status)
	}

	var added ipfsAddResponse
	if err := json.NewDecoder(resp.Body).Decode(&added); err != nil {
		return "", errdefs.Integrity.Wrap(err)
	}
	if added.Hash == "" {
		return "", errdefs.Provider.New("ipfs add returned no CID")
	}
	return added.Hash, nil
}

func (d *ipfsDriver) head(ctx context.Context, gateway, cid string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, gatewayURL(gateway, cid), nil)
	if err != nil {
		return errdefs.Validation.Wrap(err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return errdefs.Transient.Wrap(err)
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errdefs.Provider.New("ipfs gateway returned %s on resolve", resp.Status)
	}
	return nil
}

func (d *ipfsDriver) cat(ctx context.Context, gateway, cid string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, gatewayURL(gateway, cid), nil)
	if err != nil {
		return nil, errdefs.Validation.Wrap(err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, errdefs.Transient.Wrap(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errdefs.Provider.New("ipfs gateway returned %s on retrieval", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

func (d *ipfsDriver) swarmPeers(ctx context.Context, endpoint string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/api/v0/swarm/peers", nil)
	if err != nil {
		return 0, errdefs.Validation.Wrap(err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return 0, errdefs.Transient.Wrap(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, errdefs.Provider.New("ipfs swarm peers returned %s", resp.Status)
	}

	var peers ipfsSwarmPeersResponse
	if err := json.NewDecoder(resp.Body).Decode(&peers); err != nil {
		return 0, errdefs.Integrity.Wrap(err)
	}
	return len(peers.Peers), nil
}

func gatewayURL(gateway, cid string) string {
	return fmt.Sprintf("%s/ipfs/%s", gateway, cid)
}
