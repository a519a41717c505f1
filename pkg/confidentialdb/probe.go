package confidentialdb

import (
	"context"
	"net"
	"time"

	"github.com/avast/retry-go"

	"github.com/openmesh/dws/pkg/errdefs"
)

// Prober checks whether a database listener is accepting connections
type Prober interface {
	Probe(ctx context.Context, addr string) error
}

// tcpProber dials the listener port. One attempt is bounded by
// attemptTimeout; attempts repeat every interval until the retry
// budget runs out.
type tcpProber struct {
	interval       time.Duration
	attemptTimeout time.Duration
	attempts       uint
}

func newTCPProber(interval, attemptTimeout, total time.Duration) *tcpProber {
	attempts := uint(total / interval)
	if attempts == 0 {
		attempts = 1
	}
	return &tcpProber{interval: interval, attemptTimeout: attemptTimeout, attempts: attempts}
}

func (p *tcpProber) Probe(ctx context.Context, addr string) error {
	err := retry.Do(
		func() error {
			dialer := &net.Dialer{Timeout: p.attemptTimeout}
			conn, err := dialer.DialContext(ctx, "tcp", addr)
			if err != nil {
				return err
			}
			return conn.Close()
		},
		retry.Attempts(p.attempts),
		retry.Delay(p.interval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(error) bool { return ctx.Err() == nil }),
	)
	if err != nil {
		return errdefs.Timeout.New("database listener %s never became reachable: %v", addr, err)
	}
	return nil
}
