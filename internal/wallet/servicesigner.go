package wallet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/google/uuid"

	"github.com/podmesh/podmesh-server/internal/chain"
	"github.com/podmesh/podmesh-server/internal/identity"
)

// Dust threshold and fee defaults for service-paid outputs.
const (
	defaultFeePerKB  = 50
	minFeeSatoshis   = 1
	attestationValue = 1
)

// ServiceSigner signs with the application's own key. It exposes the same
// action surface as Signer but without a consent gate: the application is
// paying for its own operations. The key comes from the keystore once at
// construction; Rotate swaps it explicitly.
type ServiceSigner struct {
	mu       sync.Mutex
	keystore *Keystore
	priv     *secp256k1.PrivateKey
	pending  map[string]ActionTemplate
	feePerKB uint64
}

// NewServiceSigner loads (or creates) the service key and returns the signer.
func NewServiceSigner(keystore *Keystore, feePerKB uint64) (*ServiceSigner, error) {
	priv, err := keystore.LoadOrCreate()
	if err != nil {
		return nil, fmt.Errorf("load service key: %w", err)
	}
	if feePerKB == 0 {
		feePerKB = defaultFeePerKB
	}
	return &ServiceSigner{
		keystore: keystore,
		priv:     priv,
		pending:  make(map[string]ActionTemplate),
		feePerKB: feePerKB,
	}, nil
}

// Connect is a no-op. The application does not gate consent against itself;
// the method exists so a ServiceSigner can stand in wherever a Signer is
// expected.
func (s *ServiceSigner) Connect(ctx context.Context, permissions []Permission) error {
	return nil
}

// Balance reports zero. UTXO accounting belongs to the funding chain SDK,
// not the signing boundary.
func (s *ServiceSigner) Balance(ctx context.Context) (*Balance, error) {
	return &Balance{}, nil
}

// Disconnect is a no-op.
func (s *ServiceSigner) Disconnect() error { return nil }

// IdentityKey returns the service key's public identity.
func (s *ServiceSigner) IdentityKey(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return identity.KeyFromPub(s.priv.PubKey()).String(), nil
}

// CreateAction registers an unsigned action template.
func (s *ServiceSigner) CreateAction(ctx context.Context, template ActionTemplate) (*Action, error) {
	if len(template.Outputs) == 0 {
		return nil, ErrEmptyAction
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ref := uuid.NewString()
	s.pending[ref] = template
	return &Action{Reference: ref, Description: template.Description}, nil
}

// SignAction signs a previously created action.
func (s *ServiceSigner) SignAction(ctx context.Context, reference string) (*SignedAction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	template, ok := s.pending[reference]
	if !ok {
		return nil, ErrUnknownAction
	}
	delete(s.pending, reference)

	tx := buildTx(template)
	signTx(tx, s.priv)
	return &SignedAction{Reference: reference, TransactionBytes: tx.Serialize()}, nil
}

// EstimateFee returns the fee in satoshis for a transaction of the given
// serialized size.
func (s *ServiceSigner) EstimateFee(sizeBytes int) uint64 {
	if sizeBytes <= 0 {
		return minFeeSatoshis
	}
	fee := (uint64(sizeBytes)*s.feePerKB + 999) / 1000
	if fee < minFeeSatoshis {
		fee = minFeeSatoshis
	}
	return fee
}

// CreateAttestation builds and signs an attestation transaction for the
// given content hash at the application's expense. Composite convenience for
// the free-tier notarization path.
func (s *ServiceSigner) CreateAttestation(ctx context.Context, resourceID, resourceType, contentHash string, metadata map[string]string) (*SignedAction, error) {
	script, err := chain.EncodeAttestation(&chain.AttestationPayload{
		ResourceID:   resourceID,
		ResourceType: resourceType,
		ContentHash:  contentHash,
		Timestamp:    time.Now().UnixMilli(),
		Metadata:     metadata,
	})
	if err != nil {
		return nil, err
	}

	action, err := s.CreateAction(ctx, ActionTemplate{
		Description: fmt.Sprintf("attestation for %s", resourceID),
		Outputs: []ActionOutput{{
			Satoshis:      attestationValue,
			LockingScript: script,
			Description:   "resource attestation",
		}},
	})
	if err != nil {
		return nil, err
	}
	return s.SignAction(ctx, action.Reference)
}

// Rotate replaces the service key. Actions still pending at rotation time
// are signed with the new key.
func (s *ServiceSigner) Rotate() error {
	priv, err := s.keystore.Rotate()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.priv = priv
	return nil
}
