package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	clocktesting "k8s.io/utils/clock/testing"
)

func TestEveryRunsOnTick(t *testing.T) {
	fake := clocktesting.NewFakeClock(time.Now())
	s := New(fake)

	var runs atomic.Int64
	h := s.Every(context.Background(), "test", time.Second, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}, Options{})
	defer h.Stop()

	// Wait for the ticker to be registered before stepping
	waitFor(t, func() bool { return fake.HasWaiters() })

	fake.Step(time.Second)
	waitFor(t, func() bool { return runs.Load() == 1 })

	fake.Step(time.Second)
	waitFor(t, func() bool { return runs.Load() == 2 })
}

func TestStopDrains(t *testing.T) {
	fake := clocktesting.NewFakeClock(time.Now())
	s := New(fake)

	h := s.Every(context.Background(), "test", time.Second, func(ctx context.Context) error {
		return nil
	}, Options{})

	h.Stop()
	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}
}

func TestMaxParallelSkipsTicks(t *testing.T) {
	fake := clocktesting.NewFakeClock(time.Now())
	s := New(fake)

	block := make(chan struct{})
	var started atomic.Int64
	h := s.Every(context.Background(), "test", time.Second, func(ctx context.Context) error {
		started.Add(1)
		<-block
		return nil
	}, Options{MaxParallel: 1})
	defer func() {
		close(block)
		h.Stop()
	}()

	waitFor(t, func() bool { return fake.HasWaiters() })
	fake.Step(time.Second)
	waitFor(t, func() bool { return started.Load() == 1 })

	// Second tick while first run is blocked must be skipped
	fake.Step(time.Second)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), started.Load())
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
