// Package scheduler provides the shared ticker abstraction driving
// every background loop in the control plane (benchmarks, health
// checks, idle detection, rebalancing). Loops run on an injected clock
// so tests advance time deterministically with a fake clock.
package scheduler

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"k8s.io/utils/clock"

	"github.com/openmesh/dws/pkg/log"
)

// Job is one unit of periodic work. Jobs receive the loop context and
// must return promptly once it is cancelled.
type Job func(ctx context.Context) error

// Options tunes a periodic loop
type Options struct {
	// Jitter, in [0,1), delays each tick by a random fraction of the
	// interval to avoid thundering herds.
	Jitter float64
	// MaxParallel caps overlapping runs when a job outlasts its
	// interval. Zero means 1; ticks that would exceed the cap are
	// skipped.
	MaxParallel int
}

// Handle controls a running loop
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Stop cancels the loop and waits for the current run to drain
func (h *Handle) Stop() {
	h.cancel()
	<-h.done
}

// Done exposes loop completion for shutdown coordination
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Scheduler starts periodic loops on a shared clock
type Scheduler struct {
	clk clock.WithTicker
	wg  sync.WaitGroup
}

// New creates a scheduler. A nil clock means the real clock.
func New(clk clock.WithTicker) *Scheduler {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Scheduler{clk: clk}
}

// Clock returns the scheduler's clock for components that stamp times
func (s *Scheduler) Clock() clock.WithTicker {
	return s.clk
}

// Every runs job once per interval until the returned handle is
// stopped or ctx is cancelled. Errors are logged and the loop
// continues.
func (s *Scheduler) Every(ctx context.Context, name string, interval time.Duration, job Job, opts Options) *Handle {
	loopCtx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}

	maxParallel := opts.MaxParallel
	if maxParallel <= 0 {
		maxParallel = 1
	}
	sem := semaphore.NewWeighted(int64(maxParallel))
	logger := log.WithComponent("scheduler")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(h.done)

		ticker := s.clk.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C():
				if opts.Jitter > 0 {
					delay := time.Duration(rand.Float64() * opts.Jitter * float64(interval))
					select {
					case <-s.clk.After(delay):
					case <-loopCtx.Done():
						return
					}
				}
				if !sem.TryAcquire(1) {
					logger.Debug().Str("loop", name).Msg("tick skipped, previous run still active")
					continue
				}
				go func() {
					defer sem.Release(1)
					if err := job(loopCtx); err != nil && loopCtx.Err() == nil {
						logger.Error().Err(err).Str("loop", name).Msg("periodic job failed")
					}
				}()
			case <-loopCtx.Done():
				return
			}
		}
	}()

	return h
}

// Wait blocks until every loop started by this scheduler has exited
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
