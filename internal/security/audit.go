package security

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"makerflow/models"
)

// AuditLog is an append-only hash chain. Each entry's hash covers its own
// fields plus the previous entry's hash, so any retroactive edit breaks
// verification of everything after it.
type AuditLog struct {
	mu      sync.RWMutex
	entries []models.AuditEntry
}

func NewAuditLog() *AuditLog {
	return &AuditLog{}
}

// Append records an action and returns the new entry.
func (a *AuditLog) Append(action string, details map[string]any) models.AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	prev := ""
	if n := len(a.entries); n > 0 {
		prev = a.entries[n-1].Hash
	}
	entry := models.AuditEntry{
		Index:     len(a.entries),
		Timestamp: time.Now().UTC(),
		Action:    action,
		Details:   details,
		PrevHash:  prev,
	}
	entry.Hash = hashEntry(entry)
	a.entries = append(a.entries, entry)
	return entry
}

// Entries returns a copy of the chain.
func (a *AuditLog) Entries() []models.AuditEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]models.AuditEntry, len(a.entries))
	copy(out, a.entries)
	return out
}

// Len returns the chain length.
func (a *AuditLog) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.entries)
}

// Verify recomputes the whole chain and reports the first broken link.
func (a *AuditLog) Verify() error {
	return VerifyChain(a.Entries())
}

// VerifyChain checks an audit chain from entry zero: every stored hash must
// match a recomputation and every prev-hash must link to its predecessor.
func VerifyChain(entries []models.AuditEntry) error {
	prev := ""
	for i, e := range entries {
		if e.Index != i {
			return fmt.Errorf("audit entry %d: index %d out of sequence", i, e.Index)
		}
		if e.PrevHash != prev {
			return fmt.Errorf("audit entry %d: previous hash link broken", i)
		}
		if hashEntry(e) != e.Hash {
			return fmt.Errorf("audit entry %d: stored hash does not match contents", i)
		}
		prev = e.Hash
	}
	return nil
}

// hashEntry computes the SHA-256 link hash over the entry's fields and its
// predecessor's hash. Details are serialized as canonical JSON (sorted keys).
func hashEntry(e models.AuditEntry) string {
	details, _ := json.Marshal(e.Details)
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s|%s",
		e.Index,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.Action,
		details,
		e.PrevHash,
	)
	return hex.EncodeToString(h.Sum(nil))
}
