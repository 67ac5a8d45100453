package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/podmesh/podmesh-server/internal/chain"
	"github.com/podmesh/podmesh-server/internal/identity"
	"github.com/podmesh/podmesh-server/internal/wallet"
)

var log = logging.Logger("pm-payment")

const (
	defaultPrefix             = "podmesh"
	defaultMaxDeliverAttempts = 3
	deliveryBackoff           = 250 * time.Millisecond
)

// GrantStore is the persistence handoff for issued grants. Implementations
// must upsert keyed by access token so retries stay safe.
type GrantStore interface {
	UpsertGrant(ctx context.Context, grant *AccessGrant) error
}

// Request describes one payment.
type Request struct {
	ResourceID           string
	PriceSatoshis        int64
	AccessType           AccessType
	RecipientIdentityKey string
	Description          string
	// SuffixOverride fixes the derivation suffix; leave empty to generate.
	SuffixOverride string
}

// Result is the outcome of a processed payment.
type Result struct {
	ResourceID     string                  `json:"resourceId"`
	AccessToken    string                  `json:"accessToken"`
	TransactionID  string                  `json:"transactionId"`
	DeliveryMethod string                  `json:"deliveryMethod"`
	DerivationPath identity.DerivationPath `json:"derivationPath"`
	Grant          *AccessGrant            `json:"grant"`
}

// pendingDelivery keeps a signed-but-undelivered payment so the same
// artifact can be resent or explicitly abandoned, never silently dropped.
type pendingDelivery struct {
	recipient identity.Key
	signed    *wallet.SignedAction
	grant     *AccessGrant
	abandoned bool
}

// Engine drives payments and owns the access grant ledger.
type Engine struct {
	signer   wallet.Signer
	deliver  Deliverer
	proofs   chain.ProofSource
	headers  chain.HeaderSource
	txs      chain.TxSource
	store    GrantStore
	prefix   string
	suffixes *identity.SuffixGenerator
	attempts int
	now      func() time.Time

	mu      sync.Mutex
	grants  map[string]*AccessGrant
	pending map[string]*pendingDelivery
}

// Option configures an Engine.
type Option func(*Engine)

// WithGrantStore attaches a durable grant store.
func WithGrantStore(store GrantStore) Option {
	return func(e *Engine) { e.store = store }
}

// WithDerivationPrefix overrides the default derivation prefix.
func WithDerivationPrefix(prefix string) Option {
	return func(e *Engine) { e.prefix = prefix }
}

// WithMaxDeliveryAttempts bounds the internal delivery retries.
func WithMaxDeliveryAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.attempts = n
		}
	}
}

// NewEngine creates a payment engine. signer and deliver are required;
// proofs/headers/txs back VerifyPayment and may be nil if verification is
// never called.
func NewEngine(signer wallet.Signer, deliver Deliverer, proofs chain.ProofSource, headers chain.HeaderSource, txs chain.TxSource, opts ...Option) *Engine {
	e := &Engine{
		signer:   signer,
		deliver:  deliver,
		proofs:   proofs,
		headers:  headers,
		txs:      txs,
		prefix:   defaultPrefix,
		suffixes: identity.NewSuffixGenerator(),
		attempts: defaultMaxDeliverAttempts,
		now:      time.Now,
		grants:   make(map[string]*AccessGrant),
		pending:  make(map[string]*pendingDelivery),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ProcessPayment builds, signs, and delivers one payment, then issues the
// access grant. The signing step may wait on the user and honors ctx
// cancellation. A delivery failure is retryable via RetryDelivery with the
// same signed artifact.
func (e *Engine) ProcessPayment(ctx context.Context, req Request) (*Result, error) {
	if req.PriceSatoshis <= 0 {
		return nil, ErrInvalidAmount
	}
	if _, err := ParseAccessType(string(req.AccessType)); err != nil {
		return nil, err
	}
	recipient, err := identity.ParseKey(req.RecipientIdentityKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecipient, err)
	}

	// Derivation-unique destination: no address, no reuse.
	path := identity.DerivationPath{Prefix: e.prefix, Suffix: req.SuffixOverride}
	if path.Suffix == "" {
		path.Suffix = e.suffixes.Next()
	}
	child, err := identity.ChildKey(recipient, path)
	if err != nil {
		return nil, fmt.Errorf("derive payment key: %w", err)
	}
	script, err := chain.P2PKHScript(child.Hash160())
	if err != nil {
		return nil, fmt.Errorf("build payment script: %w", err)
	}

	description := req.Description
	if description == "" {
		description = fmt.Sprintf("access to %s", req.ResourceID)
	}

	action, err := e.signer.CreateAction(ctx, wallet.ActionTemplate{
		Description: description,
		Outputs: []wallet.ActionOutput{{
			Satoshis:      uint64(req.PriceSatoshis),
			LockingScript: script,
			Description:   description,
		}},
	})
	if err != nil {
		return nil, mapSignerErr(err)
	}

	signed, err := e.signer.SignAction(ctx, action.Reference)
	if err != nil {
		return nil, mapSignerErr(err)
	}

	tx, err := chain.ExtractTx(signed.TransactionBytes)
	if err != nil {
		return nil, fmt.Errorf("corrupted signed artifact: %w", err)
	}
	txID := tx.TxID()

	grant := newGrant(req.ResourceID, req.AccessType, txID, GrantPending, e.now())

	if err := e.deliverWithRetry(ctx, recipient, txID, signed.TransactionBytes); err != nil {
		// Keep the signed artifact; funds must not be silently dropped.
		e.mu.Lock()
		e.pending[txID] = &pendingDelivery{recipient: recipient, signed: signed, grant: grant}
		e.mu.Unlock()
		log.Warnf("payment %s delivery failed, retryable: %v", txID, err)
		return nil, fmt.Errorf("%w: tx %s: %v", ErrDeliveryFailed, txID, err)
	}

	e.activate(ctx, grant)
	log.Infof("payment %s delivered, grant %s issued", txID, grant.AccessToken)

	return &Result{
		ResourceID:     req.ResourceID,
		AccessToken:    grant.AccessToken,
		TransactionID:  txID,
		DeliveryMethod: "direct",
		DerivationPath: path,
		Grant:          grant,
	}, nil
}

// RetryDelivery resends a previously signed payment using the same
// artifact. On success the held grant is issued.
func (e *Engine) RetryDelivery(ctx context.Context, txID string) (*Result, error) {
	e.mu.Lock()
	p, ok := e.pending[txID]
	e.mu.Unlock()
	if !ok {
		return nil, ErrNoPendingDelivery
	}
	if p.abandoned {
		return nil, ErrDeliveryAbandoned
	}

	if err := e.deliverWithRetry(ctx, p.recipient, txID, p.signed.TransactionBytes); err != nil {
		return nil, fmt.Errorf("%w: tx %s: %v", ErrDeliveryFailed, txID, err)
	}

	e.mu.Lock()
	delete(e.pending, txID)
	e.mu.Unlock()

	e.activate(ctx, p.grant)
	return &Result{
		ResourceID:     p.grant.ResourceID,
		AccessToken:    p.grant.AccessToken,
		TransactionID:  txID,
		DeliveryMethod: "direct",
		Grant:          p.grant,
	}, nil
}

// AbandonDelivery terminally gives up on an undelivered payment. The
// decision is explicit and logged; no grant is issued.
func (e *Engine) AbandonDelivery(txID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pending[txID]
	if !ok {
		return ErrNoPendingDelivery
	}
	p.abandoned = true
	log.Warnf("payment %s delivery abandoned by caller", txID)
	return nil
}

// VerifyPayment checks, by SPV, that txID pays expectedAmount to the key
// derived from recipientKey and path. An absent merkle proof is the normal
// "not yet confirmed" state and yields false, never an error.
func (e *Engine) VerifyPayment(ctx context.Context, txID string, expectedAmount int64, recipientKey string, path identity.DerivationPath) bool {
	if e.proofs == nil || e.headers == nil || e.txs == nil {
		log.Debug("verification sources not configured")
		return false
	}
	recipient, err := identity.ParseKey(recipientKey)
	if err != nil {
		return false
	}

	proof, err := e.proofs.MerkleProof(ctx, txID)
	if err != nil || proof == nil {
		log.Debugf("no merkle proof for %s yet", txID)
		return false
	}
	header, err := e.headers.HeaderAt(ctx, proof.BlockHeight)
	if err != nil {
		log.Debugf("header fetch for height %d failed: %v", proof.BlockHeight, err)
		return false
	}
	if !chain.VerifyProof(txID, proof, header) {
		log.Warnf("merkle proof for %s does not verify", txID)
		return false
	}

	raw, err := e.txs.RawTx(ctx, txID)
	if err != nil {
		return false
	}
	tx, err := chain.ExtractTx(raw)
	if err != nil {
		return false
	}

	child, err := identity.ChildKey(recipient, path)
	if err != nil {
		return false
	}
	want, err := chain.P2PKHScript(child.Hash160())
	if err != nil {
		return false
	}

	for _, out := range tx.Outputs {
		if out.Satoshis == uint64(expectedAmount) && string(out.LockingScript) == string(want) {
			e.markVerified(txID)
			return true
		}
	}
	return false
}

// CheckAccess validates a token against its grant. Single-use grants are
// consumed by their first successful check; expired time-based grants deny
// regardless of consumption.
func (e *Engine) CheckAccess(resourceID, token string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	g, ok := e.grants[token]
	if !ok || g.ResourceID != resourceID {
		return ErrTokenUnknown
	}

	switch g.Status {
	case GrantRevoked:
		return ErrTokenRevoked
	case GrantExpired:
		return ErrTokenExpired
	case GrantConsumed:
		return ErrTokenConsumed
	case GrantPending, GrantVerified:
		return ErrTokenInactive
	}

	if g.AccessType == AccessTimeBased && g.expired(e.now()) {
		g.Status = GrantExpired
		return ErrTokenExpired
	}
	if g.AccessType == AccessSingle {
		if g.Consumed {
			return ErrTokenConsumed
		}
		g.Consumed = true
		g.Status = GrantConsumed
	}
	return nil
}

// GrantAccess issues a grant without a payment (owner-initiated issuance).
func (e *Engine) GrantAccess(ctx context.Context, resourceID string, at AccessType) (*AccessGrant, error) {
	if _, err := ParseAccessType(string(at)); err != nil {
		return nil, err
	}
	grant := newGrant(resourceID, at, "", GrantPending, e.now())
	e.activate(ctx, grant)
	return grant, nil
}

// RevokeAccess terminally revokes a grant. This is the only path that
// reverses a granted token; transient errors never do.
func (e *Engine) RevokeAccess(ctx context.Context, token string) error {
	e.mu.Lock()
	g, ok := e.grants[token]
	if ok {
		g.Status = GrantRevoked
	}
	e.mu.Unlock()
	if !ok {
		return ErrTokenUnknown
	}

	e.persist(ctx, g)
	log.Infof("grant %s revoked", token)
	return nil
}

// Grant returns the ledger entry for a token.
func (e *Engine) Grant(token string) (*AccessGrant, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.grants[token]
	return g, ok
}

// PruneExpired drops expired time-based grants from the ledger and returns
// how many were removed.
func (e *Engine) PruneExpired() int {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()

	removed := 0
	for token, g := range e.grants {
		if g.AccessType == AccessTimeBased && g.expired(now) {
			delete(e.grants, token)
			removed++
		}
	}
	if removed > 0 {
		log.Debugf("pruned %d expired grants", removed)
	}
	return removed
}

// activate moves a grant to granted, records it, and persists it.
func (e *Engine) activate(ctx context.Context, g *AccessGrant) {
	e.mu.Lock()
	g.Status = GrantGranted
	e.grants[g.AccessToken] = g
	e.mu.Unlock()
	e.persist(ctx, g)
}

func (e *Engine) markVerified(txID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, g := range e.grants {
		if g.TransactionID == txID && g.Status == GrantPending {
			g.Status = GrantVerified
		}
	}
}

// persist hands the grant to the durable store; persistence failures are
// logged but never claw back an issued grant.
func (e *Engine) persist(ctx context.Context, g *AccessGrant) {
	if e.store == nil {
		return
	}
	if err := e.store.UpsertGrant(ctx, g); err != nil {
		log.Errorf("grant %s not persisted: %v", g.AccessToken, err)
	}
}

func (e *Engine) deliverWithRetry(ctx context.Context, recipient identity.Key, txID string, beef []byte) error {
	var lastErr error
	for attempt := 1; attempt <= e.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = e.deliver.Deliver(ctx, recipient, txID, beef); lastErr == nil {
			return nil
		}
		log.Debugf("delivery attempt %d/%d for %s failed: %v", attempt, e.attempts, txID, lastErr)
		if attempt < e.attempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(deliveryBackoff * time.Duration(attempt)):
			}
		}
	}
	return lastErr
}

func mapSignerErr(err error) error {
	switch {
	case errors.Is(err, wallet.ErrConsentDenied):
		return fmt.Errorf("%w: %v", ErrSigningDenied, err)
	case errors.Is(err, wallet.ErrNotConnected):
		return fmt.Errorf("%w: %v", ErrWalletNotConnected, err)
	default:
		return err
	}
}
