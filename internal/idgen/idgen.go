// Package idgen provides cryptographically random identifiers.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// Prefixes used across the service. Keeping them here makes ids greppable in logs.
const (
	PaymentPrefix  = "pay_"
	EntryPrefix    = "txn_"
	EvidencePrefix = "evd_"
	WebhookPrefix  = "wh_"
	EventPrefix    = "evt_"
)

// WithPrefix generates a random ID with a prefix.
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// PaymentID returns a new payment record identifier.
func PaymentID() string { return WithPrefix(PaymentPrefix) }

// EntryID returns a new ledger entry identifier.
func EntryID() string { return WithPrefix(EntryPrefix) }

// EvidenceID returns a new evidence artifact identifier.
func EvidenceID() string { return WithPrefix(EvidencePrefix) }
