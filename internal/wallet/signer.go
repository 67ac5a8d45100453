// Package wallet defines the signing boundary of the podmesh core.
//
// # Overview
//
// Two signing roles exist:
//
//  1. Signer is the user's wallet. It holds the user's private keys, requires
//     explicit enumerated consent before any operation, and exposes a
//     two-phase action flow: build an unsigned template, then sign it.
//
//  2. ServiceSigner signs with the application's own key, used when the application
//     pays (free-tier notarization). Its key is loaded once at process start
//     from a durable keystore and rotated explicitly, never re-derived.
//
// Neither role ever returns private key material through any method.
package wallet

import (
	"context"
	"errors"
)

// Errors
var (
	ErrConsentDenied   = errors.New("wallet consent denied")
	ErrNotConnected    = errors.New("wallet not connected")
	ErrUnknownAction   = errors.New("unknown action reference")
	ErrActionSigned    = errors.New("action already signed")
	ErrEmptyAction     = errors.New("action has no outputs")
	ErrPermissionScope = errors.New("operation outside consented permissions")
)

// Permission enumerates the consent scopes a Signer can grant.
type Permission string

const (
	PermissionSignTransaction Permission = "sign-transaction"
	PermissionGetAddress      Permission = "get-address"
	PermissionGetIdentityKey  Permission = "get-identity-key"
)

// ActionOutput describes one output of an unsigned action.
type ActionOutput struct {
	Satoshis      uint64
	LockingScript []byte
	Description   string
}

// ActionTemplate is the unsigned half of the two-phase flow.
type ActionTemplate struct {
	Description string
	Outputs     []ActionOutput
}

// Action references a created-but-unsigned action.
type Action struct {
	Reference   string
	Description string
}

// SignedAction carries the signed transaction in BEEF form: the transaction
// followed by the input ancestry needed to verify it without a chain lookup.
type SignedAction struct {
	Reference        string
	TransactionBytes []byte
}

// Balance reports confirmed and unconfirmed satoshis.
type Balance struct {
	Confirmed   uint64 `json:"confirmed"`
	Unconfirmed uint64 `json:"unconfirmed"`
}

// Signer is the user wallet boundary. Connect must be called with the
// enumerated permissions before any other method; a refused consent surfaces
// as ErrConsentDenied. Signing steps may wait on a human and must honor
// context cancellation.
type Signer interface {
	Connect(ctx context.Context, permissions []Permission) error
	IdentityKey(ctx context.Context) (string, error)
	CreateAction(ctx context.Context, template ActionTemplate) (*Action, error)
	SignAction(ctx context.Context, reference string) (*SignedAction, error)
	Balance(ctx context.Context) (*Balance, error)
	Disconnect() error
}
