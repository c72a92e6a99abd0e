package models

import (
	"time"
)

// SecurityLevel is the clearance a value tier demands before an action may
// execute.
type SecurityLevel string

const (
	SecurityLevelLow    SecurityLevel = "low"
	SecurityLevelMedium SecurityLevel = "medium"
	SecurityLevelHigh   SecurityLevel = "high"
)

// TransactionStatus is the lifecycle state of a pending transaction.
type TransactionStatus string

const (
	TransactionPending  TransactionStatus = "pending"
	TransactionApproved TransactionStatus = "approved"
	TransactionRejected TransactionStatus = "rejected"
	TransactionExecuted TransactionStatus = "executed"
	TransactionExpired  TransactionStatus = "expired"
)

// PendingTransaction is a value-bearing action held until it collects enough
// authorized signatures. Terminal on execution, rejection or expiry.
type PendingTransaction struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Payload   map[string]any    `json:"payload,omitempty"`
	Notional  float64           `json:"notional"`
	Level     SecurityLevel     `json:"level"`
	CreatedAt time.Time         `json:"created_at"`
	Signers   map[string]bool   `json:"signers"`
	Status    TransactionStatus `json:"status"`
}

// Signatures returns how many distinct signers have signed.
func (tx *PendingTransaction) Signatures() int { return len(tx.Signers) }

// AuditEntry is one link of the hash-chained audit trail. Hash covers the
// entry fields plus the previous entry's hash, so recomputing the chain from
// entry zero must reproduce every stored hash.
type AuditEntry struct {
	Index     int            `json:"index"`
	Timestamp time.Time      `json:"timestamp"`
	Action    string         `json:"action"`
	Details   map[string]any `json:"details,omitempty"`
	PrevHash  string         `json:"prev_hash"`
	Hash      string         `json:"hash"`
}
