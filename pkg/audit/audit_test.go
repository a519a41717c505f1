package audit

import (
	"fmt"
	"testing"

	"github.com/openmesh/dws/pkg/types"
)

func TestRecordAndQuery(t *testing.T) {
	l := NewLog(100)

	l.Record(types.AuditEntry{Action: types.AuditCreate, CredentialID: "cred-1", Owner: "0xAA"})
	l.Record(types.AuditEntry{Action: types.AuditUse, CredentialID: "cred-1", Owner: "0xaa"})
	l.Record(types.AuditEntry{Action: types.AuditCreate, CredentialID: "cred-2", Owner: "0xbb"})

	all := l.Query("", 0)
	if len(all) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(all))
	}

	// Owner filtering is case-insensitive
	mine := l.Query("0xAA", 0)
	if len(mine) != 2 {
		t.Fatalf("expected 2 entries for owner, got %d", len(mine))
	}
	for _, e := range mine {
		if e.Owner != "0xaa" {
			t.Errorf("owner not normalized: %q", e.Owner)
		}
	}
}

func TestTailLimit(t *testing.T) {
	l := NewLog(100)
	for i := 0; i < 10; i++ {
		l.Record(types.AuditEntry{Action: types.AuditUse, CredentialID: fmt.Sprintf("cred-%d", i), Owner: "0xaa"})
	}

	tail := l.Query("", 3)
	if len(tail) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(tail))
	}
	if tail[2].CredentialID != "cred-9" {
		t.Errorf("expected newest entry last, got %s", tail[2].CredentialID)
	}
}

func TestOverflowDropsOldest(t *testing.T) {
	l := NewLog(5)
	for i := 0; i < 8; i++ {
		l.Record(types.AuditEntry{Action: types.AuditUse, CredentialID: fmt.Sprintf("cred-%d", i), Owner: "0xaa"})
	}

	if l.Len() != 5 {
		t.Fatalf("expected 5 retained entries, got %d", l.Len())
	}
	all := l.Query("", 0)
	if all[0].CredentialID != "cred-3" {
		t.Errorf("expected oldest surviving entry cred-3, got %s", all[0].CredentialID)
	}
	if all[4].CredentialID != "cred-7" {
		t.Errorf("expected newest entry cred-7, got %s", all[4].CredentialID)
	}
}
