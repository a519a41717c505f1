package chain

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testAttestation() Attestation {
	return Attestation{
		ProviderID:   "prov-1",
		Hash:         "deadbeef",
		OverallScore: 7200,
		Timestamp:    time.Now(),
	}
}

func TestPublisherSucceedsFirstTry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	journal := &MemoryJournal{}
	p := NewPublisher(&HTTPGateway{Endpoint: srv.URL}, journal)

	require.NoError(t, p.Publish(context.Background(), testAttestation()))
	require.Equal(t, int32(1), calls.Load())
	require.Empty(t, journal.Entries)
}

func TestPublisherJournalsAfterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	journal := &MemoryJournal{}
	p := NewPublisher(&HTTPGateway{Endpoint: srv.URL}, journal)
	p.attempts = 3

	att := testAttestation()
	require.NoError(t, p.Publish(context.Background(), att))
	require.Equal(t, int32(3), calls.Load())
	require.Len(t, journal.Entries, 1)
	require.Equal(t, att.Hash, journal.Entries[0].Hash)
}

func TestPublisherNoGatewayGoesStraightToJournal(t *testing.T) {
	journal := &MemoryJournal{}
	p := NewPublisher(nil, journal)

	require.NoError(t, p.Publish(context.Background(), testAttestation()))
	require.Len(t, journal.Entries, 1)
}

func TestPublisherNoJournalReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewPublisher(&HTTPGateway{Endpoint: srv.URL}, nil)
	p.attempts = 1
	require.Error(t, p.Publish(context.Background(), testAttestation()))
}
