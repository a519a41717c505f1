package swarm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/openmesh/dws/pkg/contentindex"
	"github.com/openmesh/dws/pkg/errdefs"
	"github.com/openmesh/dws/pkg/log"
	"github.com/openmesh/dws/pkg/metrics"
	"github.com/openmesh/dws/pkg/scheduler"
	"github.com/openmesh/dws/pkg/types"
)

const (
	initialReputation = 1000
	maxReputation     = 10000

	transferSuccessDelta = 1
	transferFailureDelta = -10
	healthFailureDelta   = -5

	requestTimeout   = 10 * time.Second
	healthTimeout    = 5 * time.Second
	rebalanceBatch   = 10
	replicateFanout  = 5
	stalenessFactor  = 3
	evictionFactor   = 10
	replicatePath    = "/v2/swarm/replicate"
	contentPathFmt   = "%s/v2/swarm/content/%s"
	headerNodeID     = "X-Node-ID"
	headerNodeRegion = "X-Region"
)

// Config tunes the coordinator
type Config struct {
	NodeID   string
	Region   string
	Endpoint string

	HealthCheckInterval   time.Duration
	RebalanceInterval     time.Duration
	MinPeersPerContent    int
	TargetPeersPerContent int
	MaxPeerConnections    int

	MaxConcurrentDownloads int64
	MaxConcurrentUploads   int64
}

func (c *Config) applyDefaults() {
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.RebalanceInterval <= 0 {
		c.RebalanceInterval = time.Minute
	}
	if c.MinPeersPerContent <= 0 {
		c.MinPeersPerContent = 3
	}
	if c.TargetPeersPerContent <= 0 {
		c.TargetPeersPerContent = 5
	}
	if c.MaxPeerConnections <= 0 {
		c.MaxPeerConnections = 50
	}
	if c.MaxConcurrentDownloads <= 0 {
		c.MaxConcurrentDownloads = 5
	}
	if c.MaxConcurrentUploads <= 0 {
		c.MaxConcurrentUploads = 10
	}
}

// ContentPointer is what a peer hands back for a content request
type ContentPointer struct {
	MagnetURI string `json:"magnetUri"`
	InfoHash  string `json:"infoHash"`
}

// ReplicateRequest asks a peer to start seeding a content item
type ReplicateRequest struct {
	CID            string `json:"cid"`
	RequestingNode string `json:"requestingNode"`
	Priority       string `json:"priority"`
}

// Coordinator runs this node's view of the content swarm. The state
// store is the source of truth; the in-memory peer set is a working
// cache of the best-reputed peers.
type Coordinator struct {
	cfg    Config
	store  Store
	index  contentindex.Index
	client *http.Client
	logger zerolog.Logger

	downloadSem *semaphore.Weighted

	mu    sync.RWMutex
	peers map[string]*types.Peer
}

// NewCoordinator wires the coordinator. index may be nil when no
// external content index is configured.
func NewCoordinator(cfg Config, store Store, index contentindex.Index) *Coordinator {
	cfg.applyDefaults()
	return &Coordinator{
		cfg:         cfg,
		store:       store,
		index:       index,
		client:      &http.Client{Timeout: requestTimeout},
		logger:      log.WithComponent("swarm").With().Str("node_id", cfg.NodeID).Logger(),
		downloadSem: semaphore.NewWeighted(cfg.MaxConcurrentDownloads),
		peers:       make(map[string]*types.Peer),
	}
}

// Start upserts this node into the peer table and warms the peer
// cache with the best-reputed peers.
func (c *Coordinator) Start(ctx context.Context) error {
	self := &types.Peer{
		NodeID:     c.cfg.NodeID,
		Endpoint:   c.cfg.Endpoint,
		Region:     c.cfg.Region,
		LastSeen:   time.Now(),
		Reputation: initialReputation,
		Connected:  true,
	}
	if existing, err := c.store.GetPeer(ctx, c.cfg.NodeID); err == nil {
		self.Reputation = existing.Reputation
	}
	if err := c.store.UpsertPeer(ctx, self); err != nil {
		return err
	}

	top, err := c.store.TopPeers(ctx, c.cfg.MaxPeerConnections)
	if err != nil {
		return err
	}

	c.mu.Lock()
	for _, p := range top {
		c.peers[p.NodeID] = p
	}
	c.mu.Unlock()

	c.logger.Info().Int("peers", len(top)).Msg("swarm coordinator started")
	return nil
}

// RegisterPeer upserts the peer row and replaces the cache entry
func (c *Coordinator) RegisterPeer(ctx context.Context, peer *types.Peer) error {
	if peer.NodeID == "" || peer.Endpoint == "" {
		return errdefs.Validation.New("peer node_id and endpoint are required")
	}
	if peer.Reputation == 0 {
		peer.Reputation = initialReputation
	}
	if peer.LastSeen.IsZero() {
		peer.LastSeen = time.Now()
	}
	peer.Connected = true

	if err := c.store.UpsertPeer(ctx, peer); err != nil {
		return err
	}

	c.mu.Lock()
	cp := *peer
	c.peers[peer.NodeID] = &cp
	c.mu.Unlock()
	return nil
}

// RegisterContent records a content item. Registering a known CID
// counts as one more seeder. This node is marked seeding either way.
func (c *Coordinator) RegisterContent(ctx context.Context, cid, infoHash string, size int64, tier types.ContentTier) (*types.SwarmContent, error) {
	if cid == "" || infoHash == "" {
		return nil, errdefs.Validation.New("cid and info_hash are required")
	}
	switch tier {
	case types.ContentSystem, types.ContentPopular, types.ContentCold:
	default:
		return nil, errdefs.Validation.New("unknown content tier %q", tier)
	}

	content := &types.SwarmContent{
		CID:         cid,
		InfoHash:    infoHash,
		Size:        size,
		Tier:        tier,
		SeederCount: 1,
		Health: types.HealthForSeeders(1,
			c.cfg.MinPeersPerContent, c.cfg.TargetPeersPerContent),
	}
	if err := c.store.UpsertContent(ctx, content); err != nil {
		return nil, err
	}

	now := time.Now()
	err := c.store.UpsertPeerContent(ctx, &types.PeerContent{
		NodeID:       c.cfg.NodeID,
		CID:          cid,
		Seeding:      true,
		StartedAt:    now,
		LastActivity: now,
	})
	if err != nil {
		return nil, err
	}
	return c.store.GetContent(ctx, cid)
}

// GetPeersForContent returns the best seeding peers for a CID
func (c *Coordinator) GetPeersForContent(ctx context.Context, cid string) ([]*types.Peer, error) {
	return c.store.PeersForContent(ctx, cid, c.cfg.TargetPeersPerContent)
}

// GetRegionalPeers returns peers sorted same-region first, excluding
// this node.
func (c *Coordinator) GetRegionalPeers(ctx context.Context, limit int) ([]*types.Peer, error) {
	if limit <= 0 {
		limit = c.cfg.MaxPeerConnections
	}
	return c.store.RegionalPeers(ctx, c.cfg.NodeID, c.cfg.Region, limit)
}

// FindContentSources consults the external index first, falling back
// to the swarm's own seeding peers.
func (c *Coordinator) FindContentSources(ctx context.Context, cid string) ([]contentindex.Source, error) {
	if c.index != nil {
		sources, err := c.index.Locate(ctx, cid)
		if err != nil {
			c.logger.Warn().Err(err).Str("cid", cid).Msg("content index lookup failed")
		} else if len(sources) > 0 {
			return sources, nil
		}
	}

	peers, err := c.GetPeersForContent(ctx, cid)
	if err != nil {
		return nil, err
	}
	sources := make([]contentindex.Source, 0, len(peers))
	for _, p := range peers {
		sources = append(sources, contentindex.Source{
			NodeID:   p.NodeID,
			Endpoint: p.Endpoint,
			Region:   p.Region,
		})
	}
	return sources, nil
}

// RequestContent asks a peer for the magnet pointer of a CID. The
// observed round trip updates the peer's latency, and this node is
// recorded as a leecher of the content.
func (c *Coordinator) RequestContent(ctx context.Context, cid string, peer *types.Peer) (*ContentPointer, error) {
	if err := c.downloadSem.Acquire(ctx, 1); err != nil {
		return nil, errdefs.Timeout.Wrap(err)
	}
	defer c.downloadSem.Release(1)

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	url := fmt.Sprintf(contentPathFmt, peer.Endpoint, cid)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errdefs.Validation.Wrap(err)
	}
	req.Header.Set(headerNodeID, c.cfg.NodeID)
	req.Header.Set(headerNodeRegion, c.cfg.Region)

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errdefs.Transient.Wrap(err)
	}
	defer resp.Body.Close()
	elapsed := time.Since(start)

	if err := c.store.MarkPeerSeen(ctx, peer.NodeID, float64(elapsed.Milliseconds()), true); err != nil {
		c.logger.Warn().Err(err).Str("peer", peer.NodeID).Msg("latency update failed")
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, errdefs.NotFound.New("peer %s does not hold %s", peer.NodeID, cid)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, errdefs.Provider.New("peer %s returned %s", peer.NodeID, resp.Status)
	}

	var pointer ContentPointer
	if err := json.NewDecoder(resp.Body).Decode(&pointer); err != nil {
		return nil, errdefs.Integrity.Wrap(err)
	}

	now := time.Now()
	err = c.store.UpsertPeerContent(ctx, &types.PeerContent{
		NodeID:       c.cfg.NodeID,
		CID:          cid,
		Seeding:      false,
		StartedAt:    now,
		LastActivity: now,
	})
	if err != nil {
		return nil, err
	}
	return &pointer, nil
}

// PointerFor returns the magnet pointer for locally tracked content
func (c *Coordinator) PointerFor(ctx context.Context, cid string) (*ContentPointer, error) {
	content, err := c.store.GetContent(ctx, cid)
	if err != nil {
		return nil, err
	}
	return &ContentPointer{
		MagnetURI: fmt.Sprintf("magnet:?xt=urn:btih:%s&dn=%s", content.InfoHash, content.CID),
		InfoHash:  content.InfoHash,
	}, nil
}

// Replicate starts seeding already-known content on this node,
// answering a peer's replicate request.
func (c *Coordinator) Replicate(ctx context.Context, cid string) (*types.SwarmContent, error) {
	content, err := c.store.GetContent(ctx, cid)
	if err != nil {
		return nil, err
	}
	return c.RegisterContent(ctx, content.CID, content.InfoHash, content.Size, content.Tier)
}

// Content returns the tracked content record
func (c *Coordinator) Content(ctx context.Context, cid string) (*types.SwarmContent, error) {
	return c.store.GetContent(ctx, cid)
}

// RecordTransfer appends a transfer to the history and moves the
// sender's reputation: +1 on success (capped at 10000), -10 on
// failure (floored at 0).
func (c *Coordinator) RecordTransfer(ctx context.Context, from, to, cid string, transferred int64, durationMs int64, success bool) error {
	err := c.store.AppendTransfer(ctx, &types.TransferRecord{
		FromNode:   from,
		ToNode:     to,
		CID:        cid,
		Bytes:      transferred,
		DurationMs: durationMs,
		Success:    success,
		Timestamp:  time.Now(),
	})
	if err != nil {
		return err
	}

	delta := transferFailureDelta
	outcome := "failure"
	if success {
		delta = transferSuccessDelta
		outcome = "success"
	}
	metrics.SwarmTransfersTotal.WithLabelValues(outcome).Inc()

	reputation, err := c.store.AdjustReputation(ctx, from, delta)
	switch {
	case err == nil:
		c.refreshCachedReputation(from, reputation)
	case !errdefs.NotFound.Has(err):
		return err
	}

	if success {
		if err := c.store.AddPeerContentBytes(ctx, from, cid, transferred, 0); err != nil {
			return err
		}
		if err := c.store.AddPeerContentBytes(ctx, to, cid, 0, transferred); err != nil {
			return err
		}
	}
	return nil
}

// Stats aggregates this node's swarm view
func (c *Coordinator) Stats(ctx context.Context) (*types.SwarmStats, error) {
	peers, err := c.store.AllPeers(ctx)
	if err != nil {
		return nil, err
	}
	content, err := c.store.AllContent(ctx)
	if err != nil {
		return nil, err
	}
	uploaded, downloaded, err := c.store.NodeTransferTotals(ctx, c.cfg.NodeID)
	if err != nil {
		return nil, err
	}

	stats := &types.SwarmStats{
		Peers:           len(peers),
		ContentItems:    len(content),
		BytesUploaded:   uploaded,
		BytesDownloaded: downloaded,
	}
	var repSum int
	for _, p := range peers {
		repSum += p.Reputation
		if p.Connected {
			stats.ConnectedPeers++
		}
	}
	if len(peers) > 0 {
		avg := float64(repSum) / float64(len(peers))
		stats.HealthScore = min(100, avg/100)
	}
	return stats, nil
}

// RunLoops starts the health and rebalance loops
func (c *Coordinator) RunLoops(ctx context.Context, sched *scheduler.Scheduler) []*scheduler.Handle {
	return []*scheduler.Handle{
		sched.Every(ctx, "swarm-health", c.cfg.HealthCheckInterval, c.healthSweep, scheduler.Options{}),
		sched.Every(ctx, "swarm-rebalance", c.cfg.RebalanceInterval, c.rebalanceSweep, scheduler.Options{}),
	}
}

// healthSweep probes stale peers, penalizes the unreachable and
// evicts the long-gone.
func (c *Coordinator) healthSweep(ctx context.Context) error {
	peers, err := c.store.AllPeers(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	staleAfter := time.Duration(stalenessFactor) * c.cfg.HealthCheckInterval
	evictAfter := time.Duration(evictionFactor) * c.cfg.HealthCheckInterval

	var connected, total int
	for _, peer := range peers {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if peer.NodeID == c.cfg.NodeID {
			continue
		}
		total++

		age := now.Sub(peer.LastSeen)
		if age > evictAfter {
			c.logger.Info().Str("peer", peer.NodeID).Dur("age", age).Msg("evicting unseen peer")
			if err := c.store.DeletePeer(ctx, peer.NodeID); err != nil {
				return err
			}
			c.mu.Lock()
			delete(c.peers, peer.NodeID)
			c.mu.Unlock()
			continue
		}

		if age <= staleAfter {
			if peer.Connected {
				connected++
			}
			continue
		}

		latency, err := c.probeHealth(ctx, peer)
		if err != nil {
			c.logger.Warn().Err(err).Str("peer", peer.NodeID).Msg("peer health check failed")
			if err := c.store.MarkPeerSeen(ctx, peer.NodeID, peer.LatencyMs, false); err != nil {
				return err
			}
			if rep, err := c.store.AdjustReputation(ctx, peer.NodeID, healthFailureDelta); err == nil {
				c.refreshCachedReputation(peer.NodeID, rep)
			}
			continue
		}

		connected++
		if err := c.store.MarkPeerSeen(ctx, peer.NodeID, latency, true); err != nil {
			return err
		}
	}

	metrics.SwarmPeersTotal.WithLabelValues("true").Set(float64(connected))
	metrics.SwarmPeersTotal.WithLabelValues("false").Set(float64(total - connected))
	return nil
}

func (c *Coordinator) probeHealth(ctx context.Context, peer *types.Peer) (float64, error) {
	probeCtx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, peer.Endpoint+"/health", nil)
	if err != nil {
		return 0, errdefs.Validation.Wrap(err)
	}
	req.Header.Set(headerNodeID, c.cfg.NodeID)
	req.Header.Set(headerNodeRegion, c.cfg.Region)

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, errdefs.Transient.Wrap(err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, errdefs.Provider.New("peer returned %s", resp.Status)
	}
	return float64(time.Since(start).Milliseconds()), nil
}

// rebalanceSweep asks regional peers to replicate the most
// under-replicated content, then recomputes every item's health.
func (c *Coordinator) rebalanceSweep(ctx context.Context) error {
	starved, err := c.store.UnderReplicated(ctx, c.cfg.MinPeersPerContent, rebalanceBatch)
	if err != nil {
		return err
	}

	if len(starved) > 0 {
		regional, err := c.GetRegionalPeers(ctx, replicateFanout)
		if err != nil {
			return err
		}
		for _, content := range starved {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			for _, peer := range regional {
				// Single attempt; the next sweep retries
				if err := c.requestReplication(ctx, peer, content); err != nil {
					c.logger.Warn().Err(err).
						Str("peer", peer.NodeID).
						Str("cid", content.CID).
						Msg("replication request failed")
				}
			}
		}
	}

	return c.recomputeHealth(ctx)
}

func (c *Coordinator) requestReplication(ctx context.Context, peer *types.Peer, content *types.SwarmContent) error {
	body, err := json.Marshal(ReplicateRequest{
		CID:            content.CID,
		RequestingNode: c.cfg.NodeID,
		Priority:       string(content.Tier),
	})
	if err != nil {
		return err
	}

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, peer.Endpoint+replicatePath, bytes.NewReader(body))
	if err != nil {
		return errdefs.Validation.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerNodeID, c.cfg.NodeID)
	req.Header.Set(headerNodeRegion, c.cfg.Region)

	resp, err := c.client.Do(req)
	if err != nil {
		return errdefs.Transient.Wrap(err)
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errdefs.Provider.New("peer returned %s", resp.Status)
	}
	return nil
}

func (c *Coordinator) recomputeHealth(ctx context.Context) error {
	content, err := c.store.AllContent(ctx)
	if err != nil {
		return err
	}

	counts := make(map[types.ContentHealth]int)
	for _, item := range content {
		health := types.HealthForSeeders(item.SeederCount,
			c.cfg.MinPeersPerContent, c.cfg.TargetPeersPerContent)
		counts[health]++
		if health == item.Health {
			continue
		}
		if err := c.store.SetContentHealth(ctx, item.CID, health); err != nil {
			return err
		}
	}

	metrics.SwarmContentTotal.Reset()
	for health, n := range counts {
		metrics.SwarmContentTotal.WithLabelValues(string(health)).Set(float64(n))
	}
	return nil
}

func (c *Coordinator) refreshCachedReputation(nodeID string, reputation int) {
	c.mu.Lock()
	if p, ok := c.peers[nodeID]; ok {
		p.Reputation = reputation
	}
	c.mu.Unlock()
}
