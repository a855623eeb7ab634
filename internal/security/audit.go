package security

import (
	"sync"
	"time"
)

// Record is one admission decision.
type Record struct {
	Time       time.Time `json:"time"`
	Identifier string    `json:"identifier"`
	Class      Class     `json:"class"`
	Decision   string    `json:"decision"`
	Detail     string    `json:"detail,omitempty"`
}

// AuditLog is a size-bounded ring of admission decisions, queryable by
// identifier and decision.
type AuditLog struct {
	mu       sync.RWMutex
	records  []Record
	next     int
	filled   bool
	capacity int
}

func NewAuditLog(capacity int) *AuditLog {
	if capacity <= 0 {
		capacity = 1024
	}
	return &AuditLog{
		records:  make([]Record, capacity),
		capacity: capacity,
	}
}

func (a *AuditLog) Append(r Record) {
	r.Detail, _ = Scrub(r.Detail)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records[a.next] = r
	a.next++
	if a.next >= a.capacity {
		a.next = 0
		a.filled = true
	}
}

// Query returns records matching the non-empty filters, oldest first.
func (a *AuditLog) Query(identifier, decision string) []Record {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var out []Record
	scan := func(r Record) {
		if identifier != "" && r.Identifier != identifier {
			return
		}
		if decision != "" && r.Decision != decision {
			return
		}
		out = append(out, r)
	}
	if a.filled {
		for i := a.next; i < a.capacity; i++ {
			scan(a.records[i])
		}
	}
	for i := 0; i < a.next; i++ {
		scan(a.records[i])
	}
	return out
}

func (a *AuditLog) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.filled {
		return a.capacity
	}
	return a.next
}
