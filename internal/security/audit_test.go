package security

import (
	"fmt"
	"testing"
	"time"
)

func TestAuditLogBoundedAndQueryable(t *testing.T) {
	a := NewAuditLog(4)
	for i := 0; i < 6; i++ {
		a.Append(Record{
			Time:       time.Now().UTC(),
			Identifier: fmt.Sprintf("id-%d", i),
			Class:      ClassGeneral,
			Decision:   "accept",
		})
	}

	if a.Len() != 4 {
		t.Fatalf("Len() = %d, want capacity 4", a.Len())
	}
	// Oldest two entries were overwritten.
	if got := a.Query("id-0", ""); len(got) != 0 {
		t.Fatalf("overwritten record still queryable")
	}
	if got := a.Query("id-5", ""); len(got) != 1 {
		t.Fatalf("latest record missing")
	}
	if got := a.Query("", "accept"); len(got) != 4 {
		t.Fatalf("decision query = %d records, want 4", len(got))
	}
}
