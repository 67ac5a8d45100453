// Package attest anchors content hashes on chain and tracks the delivery
// lifecycle of the resulting attestation transactions.
package attest

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"regexp"
	"time"
)

// Errors
var (
	ErrInvalidHash     = errors.New("content hash must be 64 hex characters")
	ErrRecordUnknown   = errors.New("attestation record unknown")
	ErrRecordConfirmed = errors.New("attestation record already confirmed")
	ErrDeliveryFailed  = errors.New("attestation delivery failed")
	ErrNoTopic         = errors.New("overlay delivery requires a topic")
)

// DeliveryStatus tracks an attestation through its lifecycle:
// pending → delivered → confirmed, or pending → failed (redeliverable).
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusDelivered DeliveryStatus = "delivered"
	StatusConfirmed DeliveryStatus = "confirmed"
	StatusFailed    DeliveryStatus = "failed"
)

// Record is one attestation and its delivery state. A record is keyed by
// resourceId plus contentHash, so re-attesting unchanged content reuses the
// existing transaction instead of building a second one. Once confirmed a
// record never changes again.
type Record struct {
	ResourceID    string         `json:"resourceId"`
	ResourceType  string         `json:"resourceType"`
	ContentHash   string         `json:"contentHash"`
	TransactionID string         `json:"transactionId"`
	OverlayTopic  string         `json:"overlayTopic,omitempty"`
	Status        DeliveryStatus `json:"status"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// Key returns the record's idempotency key.
func (r *Record) Key() string {
	return IdempotencyKey(r.ResourceID, r.ContentHash)
}

// IdempotencyKey builds the key under which attestations are deduplicated.
func IdempotencyKey(resourceID, contentHash string) string {
	return resourceID + ":" + contentHash
}

var hashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// ValidHash reports whether s is a well-formed lowercase sha256 hex digest.
func ValidHash(s string) bool {
	return hashPattern.MatchString(s)
}

// CalculateContentHash returns the lowercase hex sha256 digest of content.
func CalculateContentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
