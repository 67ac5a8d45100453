// Package payment implements the pay-per-access engine: derivation-unique
// payment construction, two-phase signing through the user wallet, direct
// delivery to the recipient, SPV payment verification, and the access grant
// ledger that results.
package payment

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Validation and flow errors.
var (
	ErrWalletNotConnected = errors.New("wallet not connected")
	ErrInvalidAmount      = errors.New("price must be positive")
	ErrInvalidRecipient   = errors.New("invalid recipient identity key")
	ErrInvalidAccessType  = errors.New("invalid access type")
	ErrSigningDenied      = errors.New("signing denied by user")
	ErrDeliveryFailed     = errors.New("payment delivery failed")
	ErrDeliveryAbandoned  = errors.New("payment delivery abandoned")
	ErrNoPendingDelivery  = errors.New("no pending delivery for transaction")
)

// Access errors: these deny access but are not fatal to the caller.
var (
	ErrTokenUnknown  = errors.New("access token unknown")
	ErrTokenExpired  = errors.New("access token expired")
	ErrTokenConsumed = errors.New("access token already consumed")
	ErrTokenRevoked  = errors.New("access token revoked")
	ErrTokenInactive = errors.New("access token not active")
)

// AccessType is the closed set of grant lifetimes.
type AccessType string

const (
	AccessSingle    AccessType = "single"
	AccessTimeBased AccessType = "time-based"
	AccessUnlimited AccessType = "unlimited"
)

// ParseAccessType validates a wire-form access type.
func ParseAccessType(s string) (AccessType, error) {
	switch AccessType(s) {
	case AccessSingle, AccessTimeBased, AccessUnlimited:
		return AccessType(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidAccessType, s)
}

// GrantStatus tracks the access grant lifecycle:
// pending → verified → granted → {consumed | expired | revoked}.
type GrantStatus string

const (
	GrantPending  GrantStatus = "pending"
	GrantVerified GrantStatus = "verified"
	GrantGranted  GrantStatus = "granted"
	GrantConsumed GrantStatus = "consumed"
	GrantExpired  GrantStatus = "expired"
	GrantRevoked  GrantStatus = "revoked"
)

// timeBasedTTL is the fixed lifetime of a time-based grant.
const timeBasedTTL = 24 * time.Hour

// AccessGrant records that a payer may exercise access to a resource.
// Mutated only by CheckAccess (which may flip Consumed) and RevokeAccess;
// once in a terminal status it never returns to an earlier one.
type AccessGrant struct {
	ResourceID    string      `json:"resourceId"`
	AccessToken   string      `json:"accessToken"`
	AccessType    AccessType  `json:"accessType"`
	TransactionID string      `json:"transactionId,omitempty"`
	Status        GrantStatus `json:"status"`
	IssuedAt      time.Time   `json:"issuedAt"`
	ExpiresAt     *time.Time  `json:"expiresAt,omitempty"`
	Consumed      bool        `json:"consumed"`
}

// newGrant issues a grant in the given status with a token unique per
// (resource, issuance). The nonce comes from a UUID, so concurrent
// issuances within the same millisecond cannot collide.
func newGrant(resourceID string, at AccessType, txID string, status GrantStatus, now time.Time) *AccessGrant {
	nonce := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	g := &AccessGrant{
		ResourceID:    resourceID,
		AccessToken:   fmt.Sprintf("%s_%s_%d_%s", at, resourceID, now.UnixMilli(), nonce),
		AccessType:    at,
		TransactionID: txID,
		Status:        status,
		IssuedAt:      now,
	}
	if at == AccessTimeBased {
		expires := now.Add(timeBasedTTL)
		g.ExpiresAt = &expires
	}
	return g
}

// expired reports whether a time-based grant's lifetime has passed.
func (g *AccessGrant) expired(now time.Time) bool {
	return g.ExpiresAt != nil && now.After(*g.ExpiresAt)
}
