package cloud

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmesh/dws/pkg/errdefs"
	"github.com/openmesh/dws/pkg/types"
)

func TestFakeLifecycle(t *testing.T) {
	gw := NewFakeGateway()
	ctx := context.Background()

	inst, err := gw.Create(ctx, types.CreateInstanceRequest{
		InstanceType: "m5.xlarge",
		Region:       "us-east-1",
		Tags:         map[string]string{"name": "test"},
	})
	require.NoError(t, err)
	assert.Equal(t, types.InstancePending, inst.Status)

	got, err := gw.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceRunning, got.Status)
	assert.NotEmpty(t, got.PublicIP)

	deleted, err := gw.Delete(ctx, inst.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	got, err = gw.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceTerminated, got.Status)

	deleted, err = gw.Delete(ctx, "i-missing")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestWaitRunning(t *testing.T) {
	old := pollInterval
	pollInterval = 10 * time.Millisecond
	defer func() { pollInterval = old }()

	gw := NewFakeGateway()
	gw.BootDelay = 30 * time.Millisecond
	ctx := context.Background()

	inst, err := gw.Create(ctx, types.CreateInstanceRequest{InstanceType: "m5.xlarge", Region: "us-east-1"})
	require.NoError(t, err)

	running, err := WaitRunning(ctx, gw, inst.ID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceRunning, running.Status)
}

func TestWaitRunningTimeout(t *testing.T) {
	old := pollInterval
	pollInterval = 10 * time.Millisecond
	defer func() { pollInterval = old }()

	gw := NewFakeGateway()
	gw.StayPending = true
	ctx := context.Background()

	inst, err := gw.Create(ctx, types.CreateInstanceRequest{InstanceType: "m5.xlarge", Region: "us-east-1"})
	require.NoError(t, err)

	_, err = WaitRunning(ctx, gw, inst.ID, 50*time.Millisecond)
	assert.True(t, errdefs.Timeout.Has(err))
}

func TestWaitRunningTerminated(t *testing.T) {
	old := pollInterval
	pollInterval = 10 * time.Millisecond
	defer func() { pollInterval = old }()

	gw := NewFakeGateway()
	gw.StayPending = true
	ctx := context.Background()

	inst, err := gw.Create(ctx, types.CreateInstanceRequest{InstanceType: "m5.xlarge", Region: "us-east-1"})
	require.NoError(t, err)
	_, err = gw.Delete(ctx, inst.ID)
	require.NoError(t, err)

	_, err = WaitRunning(ctx, gw, inst.ID, time.Second)
	assert.True(t, errdefs.Provider.Has(err))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(types.ProviderHetzner, func(p types.CloudProvider, c types.DecryptedCredential, region string) (Gateway, error) {
		return NewFakeGateway(), nil
	})

	gw, err := r.Gateway(types.ProviderHetzner, types.DecryptedCredential{APIKey: "k"}, "eu-central")
	require.NoError(t, err)
	assert.NotNil(t, gw)

	_, err = r.Gateway(types.ProviderAWS, types.DecryptedCredential{}, "us-east-1")
	assert.True(t, errdefs.Validation.Has(err))
}
