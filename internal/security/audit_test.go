package security

import (
	"testing"
)

func TestAuditChainVerifies(t *testing.T) {
	log := NewAuditLog()
	log.Append("gate_started", nil)
	log.Append("transaction_registered", map[string]any{"tx_id": "a", "notional": 5000.0})
	log.Append("transaction_signed", map[string]any{"tx_id": "a", "signer": "0xsignerA"})
	log.Append("transaction_executed", map[string]any{"tx_id": "a"})

	if err := log.Verify(); err != nil {
		t.Fatalf("verify on unmodified chain: %v", err)
	}
}

func TestAuditChainSingleEntry(t *testing.T) {
	log := NewAuditLog()
	log.Append("gate_started", nil)
	if err := log.Verify(); err != nil {
		t.Fatalf("verify on single entry: %v", err)
	}
}

func TestAuditDetailTamperDetected(t *testing.T) {
	log := NewAuditLog()
	log.Append("transaction_registered", map[string]any{"notional": 5000.0})
	log.Append("transaction_executed", nil)

	entries := log.Entries()
	entries[0].Details["notional"] = 10.0
	if err := VerifyChain(entries); err == nil {
		t.Fatal("verification passed on tampered details")
	}
}

func TestAuditHashTamperDetected(t *testing.T) {
	log := NewAuditLog()
	log.Append("a", nil)
	log.Append("b", nil)
	log.Append("c", nil)

	entries := log.Entries()
	entries[1].Hash = entries[2].Hash
	if err := VerifyChain(entries); err == nil {
		t.Fatal("verification passed on rewritten hash")
	}
}

func TestAuditLinkTamperDetected(t *testing.T) {
	log := NewAuditLog()
	log.Append("a", nil)
	log.Append("b", nil)

	entries := log.Entries()
	entries[1].PrevHash = ""
	if err := VerifyChain(entries); err == nil {
		t.Fatal("verification passed on broken prev-hash link")
	}
}
