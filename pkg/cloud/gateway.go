// Package cloud defines the uniform gateway over cloud providers. The
// control plane only ever sees the Instance projection; every
// provider-specific request field travels in the request extension map
// and drivers ignore keys they do not recognize.
package cloud

import (
	"context"
	"sync"
	"time"

	"github.com/openmesh/dws/pkg/errdefs"
	"github.com/openmesh/dws/pkg/types"
)

// Gateway abstracts one cloud provider account
type Gateway interface {
	// Create launches an instance and returns its projection
	Create(ctx context.Context, req types.CreateInstanceRequest) (*types.Instance, error)
	// Get returns the instance or a NotFound error
	Get(ctx context.Context, id string) (*types.Instance, error)
	// Delete terminates the instance; false when it did not exist
	Delete(ctx context.Context, id string) (bool, error)
	// List returns all instances visible to this account
	List(ctx context.Context) ([]*types.Instance, error)
}

// pollInterval is the WaitRunning probe cadence
var pollInterval = 5 * time.Second

// WaitRunning polls the gateway until the instance reports running,
// failing on a terminated instance or on timeout.
func WaitRunning(ctx context.Context, gw Gateway, id string, timeout time.Duration) (*types.Instance, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		inst, err := gw.Get(ctx, id)
		if err != nil && !errdefs.NotFound.Has(err) {
			return nil, err
		}
		if inst != nil {
			switch inst.Status {
			case types.InstanceRunning:
				return inst, nil
			case types.InstanceTerminated:
				return nil, errdefs.Provider.New("instance %s terminated while waiting", id)
			}
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, errdefs.Timeout.New("instance %s did not reach running within %s", id, timeout)
		}
	}
}

// Factory builds a gateway for a provider from decrypted credentials
type Factory func(provider types.CloudProvider, creds types.DecryptedCredential, region string) (Gateway, error)

// Registry maps providers to gateway factories
type Registry struct {
	mu        sync.RWMutex
	factories map[types.CloudProvider]Factory
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{factories: make(map[types.CloudProvider]Factory)}
}

// Register installs a factory for a provider
func (r *Registry) Register(provider types.CloudProvider, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[provider] = f
}

// Gateway builds a gateway for the provider, or Validation when no
// driver is registered.
func (r *Registry) Gateway(provider types.CloudProvider, creds types.DecryptedCredential, region string) (Gateway, error) {
	r.mu.RLock()
	f, ok := r.factories[provider]
	r.mu.RUnlock()
	if !ok {
		return nil, errdefs.Validation.New("no driver registered for provider %q", provider)
	}
	return f(provider, creds, region)
}
