// Package contentindex resolves content identifiers to external
// sources outside the local swarm (seed nodes, gateways).
package contentindex

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/openmesh/dws/pkg/errdefs"
)

// Source is one external holder of a content item
type Source struct {
	NodeID   string `json:"node_id"`
	Endpoint string `json:"endpoint"`
	Region   string `json:"region,omitempty"`
}

// Index locates sources for a CID. An empty result with a nil error
// means the index knows nothing about the content.
type Index interface {
	Locate(ctx context.Context, cid string) ([]Source, error)
}

// Static is a fixed in-memory index, used for seed nodes and tests
type Static struct {
	mu      sync.RWMutex
	sources map[string][]Source
}

// NewStatic creates an empty static index
func NewStatic() *Static {
	return &Static{sources: make(map[string][]Source)}
}

// Add records sources for a CID
func (s *Static) Add(cid string, sources ...Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[cid] = append(s.sources[cid], sources...)
}

func (s *Static) Locate(ctx context.Context, cid string) ([]Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Source, len(s.sources[cid]))
	copy(out, s.sources[cid])
	return out, nil
}

// HTTP queries a remote index service
type HTTP struct {
	Endpoint string
	Client   *http.Client
}

func (h *HTTP) Locate(ctx context.Context, cid string) ([]Source, error) {
	url := fmt.Sprintf("%s/v2/index/%s", h.Endpoint, cid)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errdefs.Validation.Wrap(err)
	}

	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, errdefs.Transient.Wrap(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, errdefs.Provider.New("content index returned %s", resp.Status)
	}

	var sources []Source
	if err := json.NewDecoder(resp.Body).Decode(&sources); err != nil {
		return nil, errdefs.Integrity.Wrap(err)
	}
	return sources, nil
}
