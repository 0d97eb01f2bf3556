package idgen

import (
	"strings"
	"testing"
)

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("pay_")
	if !strings.HasPrefix(id, "pay_") {
		t.Fatalf("expected pay_ prefix, got %s", id)
	}
	if len(id) != len("pay_")+24 {
		t.Errorf("expected 24 hex chars after prefix, got %d", len(id)-len("pay_"))
	}
}

func TestPaymentID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := PaymentID()
		if seen[id] {
			t.Fatalf("duplicate id generated: %s", id)
		}
		seen[id] = true
	}
}

func TestTypedIDs(t *testing.T) {
	if !strings.HasPrefix(EntryID(), EntryPrefix) {
		t.Error("EntryID missing prefix")
	}
	if !strings.HasPrefix(EvidenceID(), EvidencePrefix) {
		t.Error("EvidenceID missing prefix")
	}
}
