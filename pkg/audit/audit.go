// Package audit keeps a bounded, append-only, in-memory record of
// credential and lifecycle events. The ring holds the most recent
// entries (capacity 10000 by default); the oldest entry is dropped on
// overflow. The API offers no mutation or deletion.
package audit

import (
	"strings"
	"sync"
	"time"

	"github.com/openmesh/dws/pkg/types"
)

// DefaultCapacity is the audit ring size used by the control plane
const DefaultCapacity = 10000

// Log is a bounded append-only audit ring
type Log struct {
	mu       sync.RWMutex
	entries  []types.AuditEntry
	start    int // index of oldest entry
	count    int
	capacity int
}

// NewLog creates an audit log with the given capacity
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{
		entries:  make([]types.AuditEntry, capacity),
		capacity: capacity,
	}
}

// Record appends an entry, stamping the time if unset
func (l *Log) Record(entry types.AuditEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	entry.Owner = strings.ToLower(entry.Owner)

	l.mu.Lock()
	defer l.mu.Unlock()

	idx := (l.start + l.count) % l.capacity
	l.entries[idx] = entry
	if l.count < l.capacity {
		l.count++
	} else {
		l.start = (l.start + 1) % l.capacity
	}
}

// Query returns up to limit entries, newest last, optionally filtered
// by owner. An empty owner matches everything; limit <= 0 means all.
func (l *Log) Query(owner string, limit int) []types.AuditEntry {
	owner = strings.ToLower(owner)

	l.mu.RLock()
	defer l.mu.RUnlock()

	matched := make([]types.AuditEntry, 0, l.count)
	for i := 0; i < l.count; i++ {
		e := l.entries[(l.start+i)%l.capacity]
		if owner != "" && e.Owner != owner {
			continue
		}
		matched = append(matched, e)
	}

	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched
}

// Len returns the number of retained entries
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count
}
