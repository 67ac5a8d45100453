package wallet

import (
	"context"
	"fmt"
	"sync"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/podmesh/podmesh-server/internal/chain"
	"github.com/podmesh/podmesh-server/internal/identity"
)

var log = logging.Logger("pm-wallet")

// ConsentFunc decides whether to grant the requested permissions. It may
// block on a human and should respect ctx. A nil ConsentFunc grants
// everything, which is only appropriate in tests.
type ConsentFunc func(ctx context.Context, permissions []Permission) (bool, error)

// LocalSigner is an in-process Signer over a single secp256k1 key. It backs
// the CLI and tests; production deployments point the engines at a remote
// wallet implementing the same interface.
type LocalSigner struct {
	mu        sync.Mutex
	priv      *secp256k1.PrivateKey
	consent   ConsentFunc
	connected bool
	granted   map[Permission]bool
	pending   map[string]ActionTemplate
	balance   Balance
}

// NewLocalSigner creates a signer over priv with the given consent gate.
func NewLocalSigner(priv *secp256k1.PrivateKey, consent ConsentFunc) *LocalSigner {
	return &LocalSigner{
		priv:    priv,
		consent: consent,
		granted: make(map[Permission]bool),
		pending: make(map[string]ActionTemplate),
	}
}

// Connect requests consent for the enumerated permissions. Calling Connect
// again on a live signer refreshes the consented scope.
func (s *LocalSigner) Connect(ctx context.Context, permissions []Permission) error {
	if len(permissions) == 0 {
		return fmt.Errorf("%w: no permissions requested", ErrConsentDenied)
	}

	if s.consent != nil {
		ok, err := s.consent(ctx, permissions)
		if err != nil {
			return fmt.Errorf("consent prompt: %w", err)
		}
		if !ok {
			return ErrConsentDenied
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	s.granted = make(map[Permission]bool, len(permissions))
	for _, p := range permissions {
		s.granted[p] = true
	}
	log.Debugf("local signer connected with %d permissions", len(permissions))
	return nil
}

// IdentityKey returns the signer's compressed public key in hex.
func (s *LocalSigner) IdentityKey(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return "", ErrNotConnected
	}
	if !s.granted[PermissionGetIdentityKey] {
		return "", ErrPermissionScope
	}
	return identity.KeyFromPub(s.priv.PubKey()).String(), nil
}

// CreateAction registers an unsigned action template and returns a reference.
func (s *LocalSigner) CreateAction(ctx context.Context, template ActionTemplate) (*Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, ErrNotConnected
	}
	if !s.granted[PermissionSignTransaction] {
		return nil, ErrPermissionScope
	}
	if len(template.Outputs) == 0 {
		return nil, ErrEmptyAction
	}

	ref := uuid.NewString()
	s.pending[ref] = template
	return &Action{Reference: ref, Description: template.Description}, nil
}

// SignAction signs a previously created action and returns the BEEF bytes.
// The reference is consumed: signing twice fails.
func (s *LocalSigner) SignAction(ctx context.Context, reference string) (*SignedAction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, ErrNotConnected
	}
	template, ok := s.pending[reference]
	if !ok {
		return nil, ErrUnknownAction
	}
	delete(s.pending, reference)

	tx := buildTx(template)
	signTx(tx, s.priv)

	return &SignedAction{
		Reference:        reference,
		TransactionBytes: tx.Serialize(),
	}, nil
}

// Balance reports the signer's funds.
func (s *LocalSigner) Balance(ctx context.Context) (*Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, ErrNotConnected
	}
	b := s.balance
	return &b, nil
}

// SetBalance seeds the reported balance (test and CLI support).
func (s *LocalSigner) SetBalance(b Balance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balance = b
}

// Disconnect drops the consented session and any pending actions.
func (s *LocalSigner) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	s.granted = make(map[Permission]bool)
	s.pending = make(map[string]ActionTemplate)
	return nil
}

// buildTx assembles the unsigned transaction for a template, funding it with
// a single input spending the signer's wallet output. Input selection against
// a real UTXO set belongs to the chain SDK; one self-referenced input keeps
// the envelope well-formed for delivery and SPV checks.
func buildTx(template ActionTemplate) *chain.Tx {
	tx := &chain.Tx{Version: 1}
	tx.Inputs = append(tx.Inputs, chain.TxIn{Sequence: 0xffffffff})
	for _, out := range template.Outputs {
		tx.Outputs = append(tx.Outputs, chain.TxOut{
			Satoshis:      out.Satoshis,
			LockingScript: out.LockingScript,
		})
	}
	return tx
}

// signTx signs the transaction digest and installs the unlocking script
// (signature + compressed public key).
func signTx(tx *chain.Tx, priv *secp256k1.PrivateKey) {
	digest := chain.DoubleSHA256(tx.Serialize())
	sig := ecdsa.Sign(priv, digest[:])

	der := append(sig.Serialize(), 0x41) // SIGHASH_ALL|FORKID
	pub := priv.PubKey().SerializeCompressed()

	script := make([]byte, 0, len(der)+len(pub)+2)
	script = append(script, byte(len(der)))
	script = append(script, der...)
	script = append(script, byte(len(pub)))
	script = append(script, pub...)

	for i := range tx.Inputs {
		tx.Inputs[i].UnlockingScript = script
	}
}
