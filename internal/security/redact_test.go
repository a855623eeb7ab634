package security

import (
	"strings"
	"testing"
)

func TestScrubMasksSecretsAndPII(t *testing.T) {
	in := "auth failed for ops@example.com with Bearer abc.def.ghi from +1 415-555-0100"
	out, changed := Scrub(in)
	if !changed {
		t.Fatalf("expected scrub to change input")
	}
	for _, leak := range []string{"ops@example.com", "abc.def.ghi", "415-555-0100"} {
		if strings.Contains(out, leak) {
			t.Fatalf("scrubbed output still contains %q: %s", leak, out)
		}
	}
	for _, mark := range []string{"[REDACTED_EMAIL]", "[REDACTED_TOKEN]", "[REDACTED_PHONE]"} {
		if !strings.Contains(out, mark) {
			t.Fatalf("scrubbed output missing %s: %s", mark, out)
		}
	}
}

func TestScrubLeavesCleanInputAlone(t *testing.T) {
	in := "rate ceiling exceeded for class general"
	out, changed := Scrub(in)
	if changed || out != in {
		t.Fatalf("clean input was altered: %q", out)
	}
}

func TestAuditAppendScrubsDetail(t *testing.T) {
	log := NewAuditLog(8)
	log.Append(Record{Identifier: "adm_1", Class: ClassAuth, Decision: "denied", Detail: "secret for ops@example.com"})
	recs := log.Query("adm_1", "")
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	if strings.Contains(recs[0].Detail, "ops@example.com") {
		t.Fatalf("audit record retained raw email: %s", recs[0].Detail)
	}
}
