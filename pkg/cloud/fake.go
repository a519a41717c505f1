package cloud

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openmesh/dws/pkg/errdefs"
	"github.com/openmesh/dws/pkg/types"
)

// FakeGateway is an in-memory provider driver used in development mode
// and tests. Instances become running after BootDelay.
type FakeGateway struct {
	// BootDelay is how long an instance stays pending (zero means
	// instantly running)
	BootDelay time.Duration
	// FailCreate makes Create return a provider error
	FailCreate bool
	// StayPending keeps instances pending forever
	StayPending bool

	mu        sync.Mutex
	instances map[string]*fakeInstance
	seq       int
}

type fakeInstance struct {
	inst      types.Instance
	createdAt time.Time
}

// NewFakeGateway creates an empty fake provider
func NewFakeGateway() *FakeGateway {
	return &FakeGateway{instances: make(map[string]*fakeInstance)}
}

func (f *FakeGateway) Create(ctx context.Context, req types.CreateInstanceRequest) (*types.Instance, error) {
	if f.FailCreate {
		return nil, errdefs.Provider.New("fake provider refused create")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++

	inst := types.Instance{
		ID:           "i-" + uuid.NewString()[:8],
		Status:       types.InstancePending,
		InstanceType: req.InstanceType,
		Region:       req.Region,
		LaunchTime:   time.Now(),
		Tags:         req.Tags,
		PrivateIP:    fmt.Sprintf("10.0.0.%d", f.seq%250+1),
	}
	f.instances[inst.ID] = &fakeInstance{inst: inst, createdAt: time.Now()}

	out := inst
	return &out, nil
}

func (f *FakeGateway) Get(ctx context.Context, id string) (*types.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	fi, ok := f.instances[id]
	if !ok {
		return nil, errdefs.NotFound.New("instance %s not found", id)
	}

	if fi.inst.Status == types.InstancePending && !f.StayPending &&
		time.Since(fi.createdAt) >= f.BootDelay {
		fi.inst.Status = types.InstanceRunning
		fi.inst.PublicIP = fmt.Sprintf("203.0.113.%d", f.seq%250+1)
	}

	out := fi.inst
	return &out, nil
}

func (f *FakeGateway) Delete(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	fi, ok := f.instances[id]
	if !ok {
		return false, nil
	}
	fi.inst.Status = types.InstanceTerminated
	fi.inst.PublicIP = ""
	return true, nil
}

func (f *FakeGateway) List(ctx context.Context) ([]*types.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]*types.Instance, 0, len(f.instances))
	for _, fi := range f.instances {
		inst := fi.inst
		out = append(out, &inst)
	}
	return out, nil
}
