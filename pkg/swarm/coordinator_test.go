package swarm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openmesh/dws/pkg/contentindex"
	"github.com/openmesh/dws/pkg/statestore"
	"github.com/openmesh/dws/pkg/types"
)

const selfNode = "node-self"

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := statestore.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewSQLStore(context.Background(), db)
	require.NoError(t, err)
	return store
}

func newTestCoordinator(t *testing.T, index contentindex.Index) (*Coordinator, *SQLStore) {
	t.Helper()
	store := newTestStore(t)
	c := NewCoordinator(Config{
		NodeID:                selfNode,
		Region:                "eu-central",
		Endpoint:              "http://self.example.com:8420",
		MinPeersPerContent:    3,
		TargetPeersPerContent: 5,
	}, store, index)
	require.NoError(t, c.Start(context.Background()))
	return c, store
}

func addPeer(t *testing.T, c *Coordinator, nodeID, region, endpoint string, reputation int, latency float64) {
	t.Helper()
	require.NoError(t, c.RegisterPeer(context.Background(), &types.Peer{
		NodeID:     nodeID,
		Endpoint:   endpoint,
		Region:     region,
		Reputation: reputation,
		LatencyMs:  latency,
		LastSeen:   time.Now(),
	}))
}

func TestStartUpsertsSelf(t *testing.T) {
	c, store := newTestCoordinator(t, nil)
	_ = c

	self, err := store.GetPeer(context.Background(), selfNode)
	require.NoError(t, err)
	require.Equal(t, initialReputation, self.Reputation)
	require.True(t, self.Connected)

	// Restart keeps the earned reputation
	_, err = store.AdjustReputation(context.Background(), selfNode, 500)
	require.NoError(t, err)
	c2 := NewCoordinator(Config{NodeID: selfNode, Region: "eu-central"}, store, nil)
	require.NoError(t, c2.Start(context.Background()))

	self, err = store.GetPeer(context.Background(), selfNode)
	require.NoError(t, err)
	require.Equal(t, 1500, self.Reputation)
}

func TestRegisterContentCountsSeeders(t *testing.T) {
	c, store := newTestCoordinator(t, nil)
	ctx := context.Background()

	content, err := c.RegisterContent(ctx, "QmX", "abcd1234", 4096, types.ContentSystem)
	require.NoError(t, err)
	require.Equal(t, 1, content.SeederCount)

	// A second registration is another seeder reporting in
	content, err = c.RegisterContent(ctx, "QmX", "abcd1234", 4096, types.ContentSystem)
	require.NoError(t, err)
	require.Equal(t, 2, content.SeederCount)

	// Self seeds the content
	peers, err := store.PeersForContent(ctx, "QmX", 10)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	require.Equal(t, selfNode, peers[0].NodeID)
}

func TestRegisterContentValidation(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)
	ctx := context.Background()

	_, err := c.RegisterContent(ctx, "", "hash", 1, types.ContentCold)
	require.Error(t, err)
	_, err = c.RegisterContent(ctx, "QmX", "hash", 1, "lukewarm")
	require.Error(t, err)
}

func TestGetPeersForContentOrdering(t *testing.T) {
	c, store := newTestCoordinator(t, nil)
	ctx := context.Background()

	_, err := c.RegisterContent(ctx, "QmX", "abcd", 1, types.ContentPopular)
	require.NoError(t, err)

	addPeer(t, c, "node-a", "eu-central", "http://a", 5000, 20)
	addPeer(t, c, "node-b", "eu-central", "http://b", 9000, 80)
	addPeer(t, c, "node-c", "us-east", "http://c", 9000, 10)
	addPeer(t, c, "node-d", "us-east", "http://d", 100, 5)

	now := time.Now()
	for _, id := range []string{"node-a", "node-b", "node-c"} {
		require.NoError(t, store.UpsertPeerContent(ctx, &types.PeerContent{
			NodeID: id, CID: "QmX", Seeding: true, StartedAt: now, LastActivity: now,
		}))
	}
	// node-d fetches but does not seed
	require.NoError(t, store.UpsertPeerContent(ctx, &types.PeerContent{
		NodeID: "node-d", CID: "QmX", Seeding: false, StartedAt: now, LastActivity: now,
	}))

	peers, err := c.GetPeersForContent(ctx, "QmX")
	require.NoError(t, err)
	require.Len(t, peers, 4) // a, b, c seeding plus self

	// Reputation desc, latency asc
	require.Equal(t, "node-c", peers[0].NodeID)
	require.Equal(t, "node-b", peers[1].NodeID)
	require.Equal(t, "node-a", peers[2].NodeID)
}

func TestRegionalPeersSameRegionFirst(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)

	addPeer(t, c, "node-far", "us-east", "http://far", 9999, 5)
	addPeer(t, c, "node-near", "eu-central", "http://near", 100, 50)

	peers, err := c.GetRegionalPeers(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, peers, 2)
	require.Equal(t, "node-near", peers[0].NodeID)
	for _, p := range peers {
		require.NotEqual(t, selfNode, p.NodeID)
	}
}

func TestTransferReputationClamp(t *testing.T) {
	c, store := newTestCoordinator(t, nil)
	ctx := context.Background()
	addPeer(t, c, "node-a", "eu-central", "http://a", 9998, 10)

	expect := func(want int) {
		t.Helper()
		p, err := store.GetPeer(ctx, "node-a")
		require.NoError(t, err)
		require.Equal(t, want, p.Reputation)
	}

	for _, want := range []int{9999, 10000, 10000} {
		require.NoError(t, c.RecordTransfer(ctx, "node-a", selfNode, "QmX", 1024, 100, true))
		expect(want)
	}

	require.NoError(t, c.RecordTransfer(ctx, "node-a", selfNode, "QmX", 0, 100, false))
	expect(9990)
}

func TestTransferTotals(t *testing.T) {
	c, store := newTestCoordinator(t, nil)
	ctx := context.Background()
	addPeer(t, c, "node-a", "eu-central", "http://a", 1000, 10)

	require.NoError(t, c.RecordTransfer(ctx, selfNode, "node-a", "QmX", 4096, 50, true))
	require.NoError(t, c.RecordTransfer(ctx, "node-a", selfNode, "QmY", 1024, 50, true))
	require.NoError(t, c.RecordTransfer(ctx, selfNode, "node-a", "QmZ", 9999, 50, false))

	uploaded, downloaded, err := store.NodeTransferTotals(ctx, selfNode)
	require.NoError(t, err)
	require.Equal(t, int64(4096), uploaded) // failed transfers do not count
	require.Equal(t, int64(1024), downloaded)
}

func TestRebalanceReplicatesSystemContentFirst(t *testing.T) {
	c, store := newTestCoordinator(t, nil)
	ctx := context.Background()

	var mu sync.Mutex
	var replicated []ReplicateRequest
	peerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == replicatePath {
			var req ReplicateRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			require.Equal(t, selfNode, r.Header.Get(headerNodeID))
			mu.Lock()
			replicated = append(replicated, req)
			mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer peerSrv.Close()

	addPeer(t, c, "node-a", "eu-central", peerSrv.URL, 1000, 10)

	// System content with one seeder, cold content with two
	_, err := c.RegisterContent(ctx, "QmSystem", "h1", 1, types.ContentSystem)
	require.NoError(t, err)
	_, err = c.RegisterContent(ctx, "QmCold", "h2", 1, types.ContentCold)
	require.NoError(t, err)
	_, err = c.RegisterContent(ctx, "QmCold", "h2", 1, types.ContentCold)
	require.NoError(t, err)

	require.NoError(t, c.rebalanceSweep(ctx))

	mu.Lock()
	require.NotEmpty(t, replicated)
	require.Equal(t, "QmSystem", replicated[0].CID) // system < popular < cold
	require.Equal(t, string(types.ContentSystem), replicated[0].Priority)
	mu.Unlock()

	// External seeders report in until the target is met
	for i := 0; i < 4; i++ {
		_, err = c.RegisterContent(ctx, "QmSystem", "h1", 1, types.ContentSystem)
		require.NoError(t, err)
	}
	require.NoError(t, c.rebalanceSweep(ctx))

	content, err := store.GetContent(ctx, "QmSystem")
	require.NoError(t, err)
	require.Equal(t, 5, content.SeederCount)
	require.Equal(t, types.HealthExcellent, content.Health)
}

func TestRecomputeHealthMatchesFormula(t *testing.T) {
	c, store := newTestCoordinator(t, nil)
	ctx := context.Background()

	cases := []struct {
		cid     string
		seeders int
		want    types.ContentHealth
	}{
		{"QmCrit", 1, types.HealthCritical},
		{"QmDegraded", 2, types.HealthDegraded},
		{"QmGood", 3, types.HealthGood},
		{"QmExcellent", 5, types.HealthExcellent},
	}
	for _, tc := range cases {
		_, err := c.RegisterContent(ctx, tc.cid, "h", 1, types.ContentCold)
		require.NoError(t, err)
		for i := 1; i < tc.seeders; i++ {
			_, err = c.RegisterContent(ctx, tc.cid, "h", 1, types.ContentCold)
			require.NoError(t, err)
		}
	}

	require.NoError(t, c.recomputeHealth(ctx))
	for _, tc := range cases {
		content, err := store.GetContent(ctx, tc.cid)
		require.NoError(t, err)
		require.Equal(t, tc.want, content.Health, tc.cid)
	}
}

func TestHealthSweepPenalizesAndEvicts(t *testing.T) {
	store := newTestStore(t)
	c := NewCoordinator(Config{
		NodeID:              selfNode,
		Region:              "eu-central",
		HealthCheckInterval: 50 * time.Millisecond,
	}, store, nil)
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))

	// Unreachable endpoint, last seen past the staleness cutoff
	require.NoError(t, store.UpsertPeer(ctx, &types.Peer{
		NodeID: "node-stale", Endpoint: "http://127.0.0.1:1", Region: "eu-central",
		LastSeen: time.Now().Add(-200 * time.Millisecond), Reputation: 1000, Connected: true,
	}))
	// Long gone, must be evicted
	require.NoError(t, store.UpsertPeer(ctx, &types.Peer{
		NodeID: "node-gone", Endpoint: "http://127.0.0.1:1", Region: "eu-central",
		LastSeen: time.Now().Add(-time.Minute), Reputation: 1000, Connected: true,
	}))
	// Self is ancient too but never evicted
	require.NoError(t, store.UpsertPeer(ctx, &types.Peer{
		NodeID: selfNode, Endpoint: "http://self", Region: "eu-central",
		LastSeen: time.Now().Add(-time.Hour), Reputation: 1000, Connected: true,
	}))

	require.NoError(t, c.healthSweep(ctx))

	stale, err := store.GetPeer(ctx, "node-stale")
	require.NoError(t, err)
	require.False(t, stale.Connected)
	require.Equal(t, 995, stale.Reputation)

	_, err = store.GetPeer(ctx, "node-gone")
	require.Error(t, err)

	_, err = store.GetPeer(ctx, selfNode)
	require.NoError(t, err)
}

func TestHealthSweepRecoversReachablePeer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := newTestStore(t)
	c := NewCoordinator(Config{
		NodeID:              selfNode,
		Region:              "eu-central",
		HealthCheckInterval: 50 * time.Millisecond,
	}, store, nil)
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))

	require.NoError(t, store.UpsertPeer(ctx, &types.Peer{
		NodeID: "node-a", Endpoint: srv.URL, Region: "eu-central",
		LastSeen: time.Now().Add(-200 * time.Millisecond), Reputation: 1000, Connected: false,
	}))

	require.NoError(t, c.healthSweep(ctx))

	p, err := store.GetPeer(ctx, "node-a")
	require.NoError(t, err)
	require.True(t, p.Connected)
	require.Equal(t, 1000, p.Reputation)
	require.WithinDuration(t, time.Now(), p.LastSeen, time.Second)
}

func TestRequestContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, selfNode, r.Header.Get(headerNodeID))
		require.Equal(t, "eu-central", r.Header.Get(headerNodeRegion))
		json.NewEncoder(w).Encode(ContentPointer{MagnetURI: "magnet:?xt=urn:btih:abcd", InfoHash: "abcd"})
	}))
	defer srv.Close()

	c, store := newTestCoordinator(t, nil)
	ctx := context.Background()
	addPeer(t, c, "node-a", "eu-central", srv.URL, 1000, 0)
	_, err := c.RegisterContent(ctx, "QmX", "abcd", 1, types.ContentCold)
	require.NoError(t, err)

	peer, err := store.GetPeer(ctx, "node-a")
	require.NoError(t, err)

	pointer, err := c.RequestContent(ctx, "QmX", peer)
	require.NoError(t, err)
	require.Equal(t, "abcd", pointer.InfoHash)
	require.Contains(t, pointer.MagnetURI, "magnet:")

	// Self now tracked as a leecher of QmX
	seeders, err := store.PeersForContent(ctx, "QmX", 10)
	require.NoError(t, err)
	require.Len(t, seeders, 1) // only self's original seeding row
}

func TestFindContentSourcesIndexFirst(t *testing.T) {
	index := contentindex.NewStatic()
	index.Add("QmX", contentindex.Source{NodeID: "ext-1", Endpoint: "http://ext", Region: "us-east"})

	c, _ := newTestCoordinator(t, index)
	ctx := context.Background()

	sources, err := c.FindContentSources(ctx, "QmX")
	require.NoError(t, err)
	require.Len(t, sources, 1)
	require.Equal(t, "ext-1", sources[0].NodeID)

	// Unknown to the index falls back to swarm peers
	_, err = c.RegisterContent(ctx, "QmY", "h", 1, types.ContentCold)
	require.NoError(t, err)
	sources, err = c.FindContentSources(ctx, "QmY")
	require.NoError(t, err)
	require.Len(t, sources, 1)
	require.Equal(t, selfNode, sources[0].NodeID)
}

func TestStatsHealthScore(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)
	ctx := context.Background()

	addPeer(t, c, "node-a", "eu-central", "http://a", 5000, 10)
	addPeer(t, c, "node-b", "us-east", "http://b", 9000, 10)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, stats.Peers) // self included
	require.Equal(t, 3, stats.ConnectedPeers)
	// avg(1000, 5000, 9000) = 5000 -> health 50
	require.InDelta(t, 50.0, stats.HealthScore, 1e-9)
}
