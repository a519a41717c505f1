// Package chain publishes benchmark attestations to the settlement
// chain. Publishing is best-effort: failed publishes land in a local
// journal for later replay so an attestation is never silently lost.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/avast/retry-go"

	"github.com/openmesh/dws/pkg/errdefs"
	"github.com/openmesh/dws/pkg/log"
)

// Attestation is the on-chain record of one benchmark run
type Attestation struct {
	ProviderID   string    `json:"provider_id"`
	Hash         string    `json:"hash"` // hex digest
	OverallScore int       `json:"overall_score"`
	Timestamp    time.Time `json:"timestamp"`
}

// Gateway publishes attestations to the chain
type Gateway interface {
	Publish(ctx context.Context, att Attestation) error
}

// Journal holds attestations whose publish failed
type Journal interface {
	Append(att Attestation) error
}

// HTTPGateway publishes attestations to a chain relay endpoint
type HTTPGateway struct {
	Endpoint string
	Client   *http.Client
}

func (g *HTTPGateway) Publish(ctx context.Context, att Attestation) error {
	body, err := json.Marshal(att)
	if err != nil {
		return errdefs.Validation.Wrap(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.Endpoint, bytes.NewReader(body))
	if err != nil {
		return errdefs.Validation.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := g.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return errdefs.Transient.Wrap(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errdefs.Provider.New("chain relay returned %s", resp.Status)
	}
	return nil
}

// FileJournal appends attestations as JSON lines
type FileJournal struct {
	Path string
	mu   sync.Mutex
}

func (j *FileJournal) Append(att Attestation) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.OpenFile(j.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return errdefs.Transient.Wrap(err)
	}
	defer f.Close()

	data, err := json.Marshal(att)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(f, "%s\n", data)
	return err
}

// MemoryJournal collects attestations in memory, used in tests
type MemoryJournal struct {
	mu      sync.Mutex
	Entries []Attestation
}

func (j *MemoryJournal) Append(att Attestation) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Entries = append(j.Entries, att)
	return nil
}

// Publisher retries publishes and journals what never made it
type Publisher struct {
	gateway  Gateway
	journal  Journal
	attempts uint
}

// NewPublisher wraps gateway with retries and the fallback journal
func NewPublisher(gateway Gateway, journal Journal) *Publisher {
	return &Publisher{gateway: gateway, journal: journal, attempts: 3}
}

// Publish tries the gateway up to three times, then journals. The
// returned error is nil when either path succeeded.
func (p *Publisher) Publish(ctx context.Context, att Attestation) error {
	if p.gateway == nil {
		return p.journalOrError(att, nil)
	}

	err := retry.Do(
		func() error { return p.gateway.Publish(ctx, att) },
		retry.Attempts(p.attempts),
		retry.Delay(time.Second),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(error) bool { return ctx.Err() == nil }),
	)
	if err == nil {
		return nil
	}

	logger := log.WithComponent("chain")
	logger.Warn().
		Err(err).
		Str("provider_id", att.ProviderID).
		Msg("attestation publish failed, journaling")
	return p.journalOrError(att, err)
}

func (p *Publisher) journalOrError(att Attestation, cause error) error {
	if p.journal == nil {
		if cause == nil {
			cause = errdefs.Validation.New("no chain gateway or journal configured")
		}
		return cause
	}
	if jerr := p.journal.Append(att); jerr != nil {
		return errdefs.Transient.New("attestation lost: publish failed (%v) and journal failed (%v)", cause, jerr)
	}
	return nil
}
