package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openmesh/dws/pkg/auth"
	"github.com/openmesh/dws/pkg/statestore"
	"github.com/openmesh/dws/pkg/storagebench"
	"github.com/openmesh/dws/pkg/swarm"
	"github.com/openmesh/dws/pkg/types"
)

const callerAddr = "0x4444444444444444444444444444444444444444"

func newTestServer(t *testing.T) *Server {
	t.Helper()

	db, err := statestore.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := swarm.NewSQLStore(context.Background(), db)
	require.NoError(t, err)

	coordinator := swarm.NewCoordinator(swarm.Config{
		NodeID: "node-test", Region: "eu-central",
	}, store, nil)
	require.NoError(t, coordinator.Start(context.Background()))

	registry, err := storagebench.NewRegistry(storagebench.DefaultThresholds, nil)
	require.NoError(t, err)

	return NewServer(Config{
		ListenAddr:  ":0",
		Auth:        auth.NewGateway(100, 100),
		Storage:     registry,
		Coordinator: coordinator,
	})
}

func doRequest(t *testing.T, s *Server, method, path string, body []byte, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSwarmContentRoundTrip(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/v2/swarm/content/QmX", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var errBody map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errBody))
	require.Equal(t, "not_found", errBody["kind"])

	_, err := s.coordinator.RegisterContent(context.Background(), "QmX", "abcd", 4096, types.ContentPopular)
	require.NoError(t, err)

	rec = doRequest(t, s, http.MethodGet, "/v2/swarm/content/QmX", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var pointer swarm.ContentPointer
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pointer))
	require.Equal(t, "abcd", pointer.InfoHash)
	require.Contains(t, pointer.MagnetURI, "urn:btih:abcd")
}

func TestSwarmReplicate(t *testing.T) {
	s := newTestServer(t)
	_, err := s.coordinator.RegisterContent(context.Background(), "QmX", "abcd", 4096, types.ContentSystem)
	require.NoError(t, err)

	body, _ := json.Marshal(swarm.ReplicateRequest{CID: "QmX", RequestingNode: "node-far", Priority: "system"})
	rec := doRequest(t, s, http.MethodPost, "/v2/swarm/replicate", body, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var content types.SwarmContent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &content))
	require.Equal(t, 2, content.SeederCount)

	// Unknown content cannot be replicated
	body, _ = json.Marshal(swarm.ReplicateRequest{CID: "QmMissing"})
	rec = doRequest(t, s, http.MethodPost, "/v2/swarm/replicate", body, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/v2/swarm/replicate", []byte("{}"), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminRoutesRequireAuth(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/v2/storage/rank", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/v2/storage/rank", nil, map[string]string{
		"Authorization": "Bearer not-an-address",
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/v2/storage/rank", nil, map[string]string{
		"Authorization": "Bearer " + callerAddr,
	})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSwarmStats(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/v2/swarm/stats", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats types.SwarmStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Equal(t, 1, stats.Peers) // self
}
