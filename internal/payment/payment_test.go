package payment

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/podmesh/podmesh-server/internal/chain"
	"github.com/podmesh/podmesh-server/internal/identity"
	"github.com/podmesh/podmesh-server/internal/wallet"
)

func testRecipient(t *testing.T) string {
	t.Helper()
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return hex.EncodeToString(priv.PubKey().SerializeCompressed())
}

// mockSigner builds a real serialized transaction from the template so the
// engine can extract a txid from the signed bytes.
type mockSigner struct {
	mu        sync.Mutex
	createErr error
	signErr   error
	nextRef   int
	templates map[string]wallet.ActionTemplate
}

func newMockSigner() *mockSigner {
	return &mockSigner{templates: make(map[string]wallet.ActionTemplate)}
}

func (m *mockSigner) Connect(ctx context.Context, p []wallet.Permission) error { return nil }
func (m *mockSigner) IdentityKey(ctx context.Context) (string, error)          { return "", nil }
func (m *mockSigner) Balance(ctx context.Context) (*wallet.Balance, error)     { return &wallet.Balance{}, nil }
func (m *mockSigner) Disconnect() error                                        { return nil }

func (m *mockSigner) CreateAction(ctx context.Context, tpl wallet.ActionTemplate) (*wallet.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return nil, m.createErr
	}
	m.nextRef++
	ref := fmt.Sprintf("ref-%d", m.nextRef)
	m.templates[ref] = tpl
	return &wallet.Action{Reference: ref, Description: tpl.Description}, nil
}

func (m *mockSigner) SignAction(ctx context.Context, ref string) (*wallet.SignedAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.signErr != nil {
		return nil, m.signErr
	}
	tpl, ok := m.templates[ref]
	if !ok {
		return nil, wallet.ErrUnknownAction
	}
	tx := &chain.Tx{
		Version: 1,
		Inputs:  []chain.TxIn{{Sequence: 0xffffffff}},
	}
	for _, out := range tpl.Outputs {
		tx.Outputs = append(tx.Outputs, chain.TxOut{
			Satoshis:      out.Satoshis,
			LockingScript: out.LockingScript,
		})
	}
	return &wallet.SignedAction{Reference: ref, TransactionBytes: tx.Serialize()}, nil
}

type mockDeliverer struct {
	mu       sync.Mutex
	failures int
	calls    []string
}

func (m *mockDeliverer) Deliver(ctx context.Context, recipient identity.Key, txID string, beef []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, txID)
	if m.failures > 0 {
		m.failures--
		return errors.New("recipient unreachable")
	}
	return nil
}

func (m *mockDeliverer) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// mockChain serves proofs, headers, and raw transactions from maps. Empty
// maps model the normal "not yet mined" state.
type mockChain struct {
	proofs  map[string]*chain.MerklePath
	headers map[uint32]*chain.Header
	raws    map[string][]byte
}

func newMockChain() *mockChain {
	return &mockChain{
		proofs:  make(map[string]*chain.MerklePath),
		headers: make(map[uint32]*chain.Header),
		raws:    make(map[string][]byte),
	}
}

func (m *mockChain) MerkleProof(ctx context.Context, txID string) (*chain.MerklePath, error) {
	return m.proofs[txID], nil
}

func (m *mockChain) HeaderAt(ctx context.Context, height uint32) (*chain.Header, error) {
	h, ok := m.headers[height]
	if !ok {
		return nil, fmt.Errorf("no header at height %d", height)
	}
	return h, nil
}

func (m *mockChain) RawTx(ctx context.Context, txID string) ([]byte, error) {
	raw, ok := m.raws[txID]
	if !ok {
		return nil, fmt.Errorf("unknown tx %s", txID)
	}
	return raw, nil
}

type memoryGrantStore struct {
	mu     sync.Mutex
	grants map[string]*AccessGrant
}

func newMemoryGrantStore() *memoryGrantStore {
	return &memoryGrantStore{grants: make(map[string]*AccessGrant)}
}

func (s *memoryGrantStore) UpsertGrant(ctx context.Context, g *AccessGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *g
	s.grants[g.AccessToken] = &copied
	return nil
}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *mockSigner, *mockDeliverer) {
	t.Helper()
	signer := newMockSigner()
	deliver := &mockDeliverer{}
	mc := newMockChain()
	return NewEngine(signer, deliver, mc, mc, mc, opts...), signer, deliver
}

func TestProcessPaymentIssuesGrant(t *testing.T) {
	store := newMemoryGrantStore()
	engine, _, deliver := newTestEngine(t, WithGrantStore(store))
	recipient := testRecipient(t)

	res, err := engine.ProcessPayment(context.Background(), Request{
		ResourceID:           "r1",
		PriceSatoshis:        500,
		AccessType:           AccessSingle,
		RecipientIdentityKey: recipient,
	})
	if err != nil {
		t.Fatalf("ProcessPayment: %v", err)
	}

	if res.DeliveryMethod != "direct" {
		t.Errorf("delivery method = %q, want direct", res.DeliveryMethod)
	}
	if !regexp.MustCompile(`^single_r1_\d+_.+$`).MatchString(res.AccessToken) {
		t.Errorf("token %q does not match the expected shape", res.AccessToken)
	}
	if res.TransactionID == "" {
		t.Error("result missing transaction id")
	}
	if res.DerivationPath.Suffix == "" {
		t.Error("result missing derivation suffix")
	}
	if res.Grant.Status != GrantGranted {
		t.Errorf("grant status = %s, want granted", res.Grant.Status)
	}
	if deliver.callCount() != 1 {
		t.Errorf("delivery calls = %d, want 1", deliver.callCount())
	}

	store.mu.Lock()
	persisted, ok := store.grants[res.AccessToken]
	store.mu.Unlock()
	if !ok || persisted.Status != GrantGranted {
		t.Error("grant not persisted as granted")
	}

	// Single-use: first check consumes, second denies.
	if err := engine.CheckAccess("r1", res.AccessToken); err != nil {
		t.Fatalf("first CheckAccess: %v", err)
	}
	if err := engine.CheckAccess("r1", res.AccessToken); !errors.Is(err, ErrTokenConsumed) {
		t.Errorf("second CheckAccess = %v, want ErrTokenConsumed", err)
	}
}

func TestProcessPaymentValidation(t *testing.T) {
	engine, _, deliver := newTestEngine(t)
	recipient := testRecipient(t)

	tests := []struct {
		name string
		req  Request
		want error
	}{
		{
			name: "zero amount",
			req:  Request{ResourceID: "r1", PriceSatoshis: 0, AccessType: AccessSingle, RecipientIdentityKey: recipient},
			want: ErrInvalidAmount,
		},
		{
			name: "negative amount",
			req:  Request{ResourceID: "r1", PriceSatoshis: -10, AccessType: AccessSingle, RecipientIdentityKey: recipient},
			want: ErrInvalidAmount,
		},
		{
			name: "unknown access type",
			req:  Request{ResourceID: "r1", PriceSatoshis: 5, AccessType: "forever", RecipientIdentityKey: recipient},
			want: ErrInvalidAccessType,
		},
		{
			name: "malformed recipient",
			req:  Request{ResourceID: "r1", PriceSatoshis: 5, AccessType: AccessSingle, RecipientIdentityKey: "not-a-key"},
			want: ErrInvalidRecipient,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := engine.ProcessPayment(context.Background(), tt.req); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
	if deliver.callCount() != 0 {
		t.Errorf("invalid requests reached delivery %d times", deliver.callCount())
	}
}

func TestSigningDeniedIsTerminal(t *testing.T) {
	engine, signer, deliver := newTestEngine(t)
	signer.createErr = wallet.ErrConsentDenied

	_, err := engine.ProcessPayment(context.Background(), Request{
		ResourceID:           "r1",
		PriceSatoshis:        100,
		AccessType:           AccessSingle,
		RecipientIdentityKey: testRecipient(t),
	})
	if !errors.Is(err, ErrSigningDenied) {
		t.Fatalf("got %v, want ErrSigningDenied", err)
	}
	if deliver.callCount() != 0 {
		t.Error("denied signing still attempted delivery")
	}
}

func TestWalletNotConnectedMapped(t *testing.T) {
	engine, signer, _ := newTestEngine(t)
	signer.createErr = wallet.ErrNotConnected

	_, err := engine.ProcessPayment(context.Background(), Request{
		ResourceID:           "r1",
		PriceSatoshis:        100,
		AccessType:           AccessSingle,
		RecipientIdentityKey: testRecipient(t),
	})
	if !errors.Is(err, ErrWalletNotConnected) {
		t.Fatalf("got %v, want ErrWalletNotConnected", err)
	}
}

func TestConcurrentTokensUnique(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	recipient := testRecipient(t)

	const n = 100
	var wg sync.WaitGroup
	tokens := make([]string, n)
	suffixes := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := engine.ProcessPayment(context.Background(), Request{
				ResourceID:           "r1",
				PriceSatoshis:        1,
				AccessType:           AccessSingle,
				RecipientIdentityKey: recipient,
			})
			if err != nil {
				t.Errorf("ProcessPayment %d: %v", i, err)
				return
			}
			tokens[i] = res.AccessToken
			suffixes[i] = res.DerivationPath.Suffix
		}(i)
	}
	wg.Wait()

	seenTokens := make(map[string]bool, n)
	seenSuffixes := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		if seenTokens[tokens[i]] {
			t.Fatalf("duplicate token %q", tokens[i])
		}
		if seenSuffixes[suffixes[i]] {
			t.Fatalf("duplicate derivation suffix %q", suffixes[i])
		}
		seenTokens[tokens[i]] = true
		seenSuffixes[suffixes[i]] = true
	}
}

func TestDeliveryRetryThenAbandon(t *testing.T) {
	signer := newMockSigner()
	deliver := &mockDeliverer{failures: 1000}
	mc := newMockChain()
	engine := NewEngine(signer, deliver, mc, mc, mc, WithMaxDeliveryAttempts(2))
	recipient := testRecipient(t)

	_, err := engine.ProcessPayment(context.Background(), Request{
		ResourceID:           "r1",
		PriceSatoshis:        100,
		AccessType:           AccessSingle,
		RecipientIdentityKey: recipient,
	})
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("got %v, want ErrDeliveryFailed", err)
	}
	if deliver.callCount() != 2 {
		t.Errorf("delivery attempts = %d, want 2", deliver.callCount())
	}

	deliver.mu.Lock()
	txID := deliver.calls[0]
	deliver.mu.Unlock()

	// Let endpoint recover; the retry resends the same signed artifact.
	deliver.mu.Lock()
	deliver.failures = 0
	deliver.mu.Unlock()

	res, err := engine.RetryDelivery(context.Background(), txID)
	if err != nil {
		t.Fatalf("RetryDelivery: %v", err)
	}
	if res.TransactionID != txID {
		t.Errorf("retry delivered tx %s, want %s", res.TransactionID, txID)
	}
	if err := engine.CheckAccess("r1", res.AccessToken); err != nil {
		t.Errorf("grant from retried delivery unusable: %v", err)
	}

	// A second retry has nothing pending to send.
	if _, err := engine.RetryDelivery(context.Background(), txID); !errors.Is(err, ErrNoPendingDelivery) {
		t.Errorf("retry after success = %v, want ErrNoPendingDelivery", err)
	}
}

func TestAbandonDelivery(t *testing.T) {
	signer := newMockSigner()
	deliver := &mockDeliverer{failures: 1000}
	mc := newMockChain()
	engine := NewEngine(signer, deliver, mc, mc, mc, WithMaxDeliveryAttempts(1))

	_, err := engine.ProcessPayment(context.Background(), Request{
		ResourceID:           "r1",
		PriceSatoshis:        100,
		AccessType:           AccessSingle,
		RecipientIdentityKey: testRecipient(t),
	})
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("got %v, want ErrDeliveryFailed", err)
	}

	deliver.mu.Lock()
	txID := deliver.calls[0]
	deliver.mu.Unlock()

	if err := engine.AbandonDelivery(txID); err != nil {
		t.Fatalf("AbandonDelivery: %v", err)
	}
	if _, err := engine.RetryDelivery(context.Background(), txID); !errors.Is(err, ErrDeliveryAbandoned) {
		t.Errorf("retry after abandon = %v, want ErrDeliveryAbandoned", err)
	}
	if err := engine.AbandonDelivery("deadbeef"); !errors.Is(err, ErrNoPendingDelivery) {
		t.Errorf("abandon unknown = %v, want ErrNoPendingDelivery", err)
	}
}

func TestTimeBasedExpiryBoundary(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	issued := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	engine.now = func() time.Time { return issued }

	grant, err := engine.GrantAccess(context.Background(), "r1", AccessTimeBased)
	if err != nil {
		t.Fatalf("GrantAccess: %v", err)
	}
	if grant.ExpiresAt == nil || !grant.ExpiresAt.Equal(issued.Add(24*time.Hour)) {
		t.Fatalf("expiry = %v, want issued+24h", grant.ExpiresAt)
	}

	// One second inside the window.
	engine.now = func() time.Time { return issued.Add(24*time.Hour - time.Second) }
	if err := engine.CheckAccess("r1", grant.AccessToken); err != nil {
		t.Errorf("check inside window: %v", err)
	}

	// One second past it.
	engine.now = func() time.Time { return issued.Add(24*time.Hour + time.Second) }
	if err := engine.CheckAccess("r1", grant.AccessToken); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("check past window = %v, want ErrTokenExpired", err)
	}

	// The status flip is terminal.
	engine.now = func() time.Time { return issued }
	if err := engine.CheckAccess("r1", grant.AccessToken); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("expired grant revived: %v", err)
	}
}

func TestPruneExpired(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	issued := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	engine.now = func() time.Time { return issued }

	timed, _ := engine.GrantAccess(context.Background(), "r1", AccessTimeBased)
	unlimited, _ := engine.GrantAccess(context.Background(), "r2", AccessUnlimited)

	engine.now = func() time.Time { return issued.Add(25 * time.Hour) }
	if n := engine.PruneExpired(); n != 1 {
		t.Errorf("pruned %d grants, want 1", n)
	}
	if _, ok := engine.Grant(timed.AccessToken); ok {
		t.Error("expired grant still in ledger")
	}
	if err := engine.CheckAccess("r2", unlimited.AccessToken); err != nil {
		t.Errorf("unlimited grant pruned: %v", err)
	}
}

func TestRevokeAccess(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	grant, err := engine.GrantAccess(context.Background(), "r1", AccessUnlimited)
	if err != nil {
		t.Fatalf("GrantAccess: %v", err)
	}
	if err := engine.CheckAccess("r1", grant.AccessToken); err != nil {
		t.Fatalf("CheckAccess before revoke: %v", err)
	}

	if err := engine.RevokeAccess(context.Background(), grant.AccessToken); err != nil {
		t.Fatalf("RevokeAccess: %v", err)
	}
	if err := engine.CheckAccess("r1", grant.AccessToken); !errors.Is(err, ErrTokenRevoked) {
		t.Errorf("got %v, want ErrTokenRevoked", err)
	}
	if err := engine.RevokeAccess(context.Background(), "no-such-token"); !errors.Is(err, ErrTokenUnknown) {
		t.Errorf("revoke unknown = %v, want ErrTokenUnknown", err)
	}
}

func TestCheckAccessUnknownToken(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	grant, _ := engine.GrantAccess(context.Background(), "r1", AccessUnlimited)

	if err := engine.CheckAccess("r1", "bogus"); !errors.Is(err, ErrTokenUnknown) {
		t.Errorf("unknown token = %v, want ErrTokenUnknown", err)
	}
	// A valid token for a different resource must not cross over.
	if err := engine.CheckAccess("r2", grant.AccessToken); !errors.Is(err, ErrTokenUnknown) {
		t.Errorf("cross-resource token = %v, want ErrTokenUnknown", err)
	}
}

func TestVerifyPaymentUnminedIsFalse(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	path := identity.DerivationPath{Prefix: "podmesh", Suffix: "1-aa"}
	ok := engine.VerifyPayment(context.Background(),
		"0000000000000000000000000000000000000000000000000000000000000001",
		100, testRecipient(t), path)
	if ok {
		t.Error("verification passed with no merkle proof available")
	}
}

func TestVerifyPaymentAgainstChain(t *testing.T) {
	signer := newMockSigner()
	deliver := &mockDeliverer{}
	mc := newMockChain()
	engine := NewEngine(signer, deliver, mc, mc, mc)
	recipient := testRecipient(t)

	res, err := engine.ProcessPayment(context.Background(), Request{
		ResourceID:           "r1",
		PriceSatoshis:        750,
		AccessType:           AccessSingle,
		RecipientIdentityKey: recipient,
	})
	if err != nil {
		t.Fatalf("ProcessPayment: %v", err)
	}
	txID := res.TransactionID

	// Rebuild the signed transaction and mine it into a one-tx block, so
	// the merkle root is the txid itself.
	key, _ := identity.ParseKey(recipient)
	child, err := identity.ChildKey(key, res.DerivationPath)
	if err != nil {
		t.Fatalf("ChildKey: %v", err)
	}
	script, _ := chain.P2PKHScript(child.Hash160())
	tx := &chain.Tx{
		Version: 1,
		Inputs:  []chain.TxIn{{Sequence: 0xffffffff}},
		Outputs: []chain.TxOut{{Satoshis: 750, LockingScript: script}},
	}
	if tx.TxID() != txID {
		t.Fatalf("rebuilt tx id %s, want %s", tx.TxID(), txID)
	}

	var root [32]byte
	raw, _ := hex.DecodeString(txID)
	for i := 0; i < 32; i++ {
		root[i] = raw[31-i]
	}
	mc.proofs[txID] = &chain.MerklePath{BlockHeight: 101, Index: 0}
	mc.headers[101] = &chain.Header{Height: 101, MerkleRoot: root}
	mc.raws[txID] = tx.Serialize()

	if !engine.VerifyPayment(context.Background(), txID, 750, recipient, res.DerivationPath) {
		t.Error("valid SPV payment did not verify")
	}
	if engine.VerifyPayment(context.Background(), txID, 751, recipient, res.DerivationPath) {
		t.Error("wrong amount verified")
	}
	other := identity.DerivationPath{Prefix: "podmesh", Suffix: "2-bb"}
	if engine.VerifyPayment(context.Background(), txID, 750, recipient, other) {
		t.Error("wrong derivation path verified")
	}
}
