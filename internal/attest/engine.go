package attest

import (
	"context"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/podmesh/podmesh-server/internal/chain"
	"github.com/podmesh/podmesh-server/internal/overlay"
	"github.com/podmesh/podmesh-server/internal/wallet"
)

var log = logging.Logger("pm-attest")

const defaultMaxSubmitAttempts = 3

const submitBackoff = 250 * time.Millisecond

// DeliveryMode selects where a signed attestation goes.
type DeliveryMode string

const (
	DeliverDirect  DeliveryMode = "direct"
	DeliverOverlay DeliveryMode = "overlay"
)

// Request describes one attestation.
type Request struct {
	ResourceID   string
	ResourceType overlay.ResourceType
	ContentHash  string
	Metadata     map[string]string
	Delivery     DeliveryMode
	// Topic is required for overlay delivery and names the discovery topic
	// the announcement is published into.
	Topic string
	// PayWithWallet charges the user's wallet instead of the service key.
	PayWithWallet bool
}

// ItemResult is one entry of a batch outcome.
type ItemResult struct {
	ResourceID string  `json:"resourceId"`
	Record     *Record `json:"record,omitempty"`
	Err        error   `json:"-"`
}

// Store is the persistence handoff for attestation records, upsert-keyed by
// idempotency key.
type Store interface {
	UpsertAttestation(ctx context.Context, record *Record) error
}

// Engine builds, signs, and delivers attestations. The service key pays by
// default; a connected user wallet pays when the request asks for it.
type Engine struct {
	service  *wallet.ServiceSigner
	user     wallet.Signer
	notary   Notary
	overlay  *overlay.Client
	proofs   chain.ProofSource
	headers  chain.HeaderSource
	txs      chain.TxSource
	store    Store
	attempts int
	now      func() time.Time

	mu      sync.Mutex
	records map[string]*Record
	signed  map[string][]byte
}

// Option configures an Engine.
type Option func(*Engine)

// WithUserSigner enables the user-pays path.
func WithUserSigner(s wallet.Signer) Option {
	return func(e *Engine) { e.user = s }
}

// WithNotary enables direct delivery to a notary service.
func WithNotary(n Notary) Option {
	return func(e *Engine) { e.notary = n }
}

// WithOverlay enables overlay delivery of attestation announcements.
func WithOverlay(c *overlay.Client) Option {
	return func(e *Engine) { e.overlay = c }
}

// WithStore attaches a durable record store.
func WithStore(store Store) Option {
	return func(e *Engine) { e.store = store }
}

// WithChainSources attaches the SPV sources backing verification and
// confirmation.
func WithChainSources(proofs chain.ProofSource, headers chain.HeaderSource, txs chain.TxSource) Option {
	return func(e *Engine) {
		e.proofs = proofs
		e.headers = headers
		e.txs = txs
	}
}

// WithMaxSubmitAttempts bounds the direct delivery retries.
func WithMaxSubmitAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.attempts = n
		}
	}
}

// NewEngine creates an attestation engine over the service signer.
func NewEngine(service *wallet.ServiceSigner, opts ...Option) *Engine {
	e := &Engine{
		service:  service,
		attempts: defaultMaxSubmitAttempts,
		now:      time.Now,
		records:  make(map[string]*Record),
		signed:   make(map[string][]byte),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NotarizeResource anchors a content hash on chain and delivers the result.
// Calling it again for the same (resourceId, contentHash) never builds a
// second transaction: a delivered or confirmed record is returned as is, and
// a failed one is redelivered from the stored signed bytes.
func (e *Engine) NotarizeResource(ctx context.Context, req Request) (*Record, error) {
	if !ValidHash(req.ContentHash) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidHash, req.ContentHash)
	}
	if _, err := overlay.ParseResourceType(string(req.ResourceType)); err != nil {
		return nil, err
	}
	if req.Delivery == "" {
		req.Delivery = DeliverDirect
	}
	if req.Delivery == DeliverOverlay && req.Topic == "" {
		return nil, ErrNoTopic
	}

	key := IdempotencyKey(req.ResourceID, req.ContentHash)

	e.mu.Lock()
	existing, ok := e.records[key]
	var beef []byte
	if ok {
		beef = e.signed[key]
	}
	e.mu.Unlock()

	if ok {
		switch existing.Status {
		case StatusDelivered, StatusConfirmed:
			return existing, nil
		}
		// Redeliver the already signed transaction.
		log.Infof("redelivering attestation %s (tx %s)", key, existing.TransactionID)
		return e.deliver(ctx, req, existing, beef)
	}

	signed, err := e.sign(ctx, req)
	if err != nil {
		return nil, err
	}
	tx, err := chain.ExtractTx(signed.TransactionBytes)
	if err != nil {
		return nil, fmt.Errorf("corrupted signed artifact: %w", err)
	}

	record := &Record{
		ResourceID:    req.ResourceID,
		ResourceType:  string(req.ResourceType),
		ContentHash:   req.ContentHash,
		TransactionID: tx.TxID(),
		OverlayTopic:  req.Topic,
		Status:        StatusPending,
		CreatedAt:     e.now(),
	}

	e.mu.Lock()
	e.records[key] = record
	e.signed[key] = signed.TransactionBytes
	e.mu.Unlock()
	e.persist(ctx, record)

	return e.deliver(ctx, req, record, signed.TransactionBytes)
}

// NotarizeBatch processes requests in order. One failure never aborts the
// batch; each item carries its own outcome.
func (e *Engine) NotarizeBatch(ctx context.Context, requests []Request) []ItemResult {
	results := make([]ItemResult, 0, len(requests))
	for _, req := range requests {
		record, err := e.NotarizeResource(ctx, req)
		results = append(results, ItemResult{
			ResourceID: req.ResourceID,
			Record:     record,
			Err:        err,
		})
	}
	return results
}

// VerifyNotarization checks, by SPV, that txID embeds an attestation of
// expectedHash in a mined block. Any missing piece yields false, never an
// error; an absent proof is the normal unconfirmed state.
func (e *Engine) VerifyNotarization(ctx context.Context, txID, expectedHash string) bool {
	if e.proofs == nil || e.headers == nil || e.txs == nil {
		log.Debug("verification sources not configured")
		return false
	}

	proof, err := e.proofs.MerkleProof(ctx, txID)
	if err != nil || proof == nil {
		log.Debugf("no merkle proof for %s yet", txID)
		return false
	}
	header, err := e.headers.HeaderAt(ctx, proof.BlockHeight)
	if err != nil {
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
	payload, err := chain.FindAttestation(tx)
	if err != nil {
		return false
	}
	return payload.ContentHash == expectedHash
}

// ConfirmRecord polls the chain for a merkle proof of a delivered record and
// flips it to confirmed when one verifies. It returns whether the record is
// confirmed after the call; a still-absent proof is (false, nil).
func (e *Engine) ConfirmRecord(ctx context.Context, resourceID, contentHash string) (bool, error) {
	key := IdempotencyKey(resourceID, contentHash)

	e.mu.Lock()
	record, ok := e.records[key]
	e.mu.Unlock()
	if !ok {
		return false, ErrRecordUnknown
	}
	if record.Status == StatusConfirmed {
		return true, nil
	}

	if !e.VerifyNotarization(ctx, record.TransactionID, record.ContentHash) {
		return false, nil
	}

	e.mu.Lock()
	record.Status = StatusConfirmed
	e.mu.Unlock()
	e.persist(ctx, record)
	log.Infof("attestation %s confirmed on chain (tx %s)", key, record.TransactionID)
	return true, nil
}

// Record returns the ledger entry for an idempotency key.
func (e *Engine) Record(resourceID, contentHash string) (*Record, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.records[IdempotencyKey(resourceID, contentHash)]
	return r, ok
}

func (e *Engine) sign(ctx context.Context, req Request) (*wallet.SignedAction, error) {
	if req.PayWithWallet {
		if e.user == nil {
			return nil, wallet.ErrNotConnected
		}
		script, err := chain.EncodeAttestation(&chain.AttestationPayload{
			ResourceID:   req.ResourceID,
			ResourceType: string(req.ResourceType),
			ContentHash:  req.ContentHash,
			Timestamp:    e.now().UnixMilli(),
			Metadata:     req.Metadata,
		})
		if err != nil {
			return nil, err
		}
		action, err := e.user.CreateAction(ctx, wallet.ActionTemplate{
			Description: fmt.Sprintf("attestation for %s", req.ResourceID),
			Outputs: []wallet.ActionOutput{{
				Satoshis:      1,
				LockingScript: script,
				Description:   "resource attestation",
			}},
		})
		if err != nil {
			return nil, err
		}
		return e.user.SignAction(ctx, action.Reference)
	}
	return e.service.CreateAttestation(ctx, req.ResourceID, string(req.ResourceType), req.ContentHash, req.Metadata)
}

// deliver routes the signed attestation out and updates the record status.
// Failure marks the record failed but keeps the signed bytes for redelivery.
func (e *Engine) deliver(ctx context.Context, req Request, record *Record, beef []byte) (*Record, error) {
	var err error
	switch req.Delivery {
	case DeliverOverlay:
		err = e.publishOverlay(ctx, req, record)
	default:
		err = e.submitDirect(ctx, record.TransactionID, beef)
	}

	e.mu.Lock()
	if err != nil {
		record.Status = StatusFailed
	} else {
		record.Status = StatusDelivered
	}
	e.mu.Unlock()
	e.persist(ctx, record)

	if err != nil {
		return record, fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	return record, nil
}

func (e *Engine) submitDirect(ctx context.Context, txID string, beef []byte) error {
	if e.notary == nil {
		return fmt.Errorf("no notary configured")
	}
	var lastErr error
	for attempt := 1; attempt <= e.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = e.notary.Submit(ctx, txID, beef); lastErr == nil {
			return nil
		}
		log.Debugf("notary attempt %d/%d for %s failed: %v", attempt, e.attempts, txID, lastErr)
		if attempt < e.attempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(submitBackoff * time.Duration(attempt)):
			}
		}
	}
	return lastErr
}

func (e *Engine) publishOverlay(ctx context.Context, req Request, record *Record) error {
	if e.overlay == nil {
		return fmt.Errorf("no overlay client configured")
	}
	contentCID, err := overlay.ContentCIDFromHash(record.ContentHash)
	if err != nil {
		return err
	}
	_, err = e.overlay.PublishResource(ctx, req.Topic, overlay.Resource{
		ResourceID:    record.ResourceID,
		ResourceType:  req.ResourceType,
		ContentHash:   record.ContentHash,
		ContentCID:    contentCID,
		TransactionID: record.TransactionID,
		Title:         req.Metadata["title"],
		Description:   req.Metadata["description"],
		AccessPolicy:  overlay.PublicPolicy(),
	})
	return err
}

func (e *Engine) persist(ctx context.Context, record *Record) {
	if e.store == nil {
		return
	}
	if err := e.store.UpsertAttestation(ctx, record); err != nil {
		log.Errorf("attestation %s not persisted: %v", record.Key(), err)
	}
}
