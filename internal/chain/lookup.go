package chain

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("pm-chain")

// ProofSource fetches merkle proofs. A (nil, nil) return means no proof is
// known yet, which is an expected transient state, not an error.
type ProofSource interface {
	MerkleProof(ctx context.Context, txID string) (*MerklePath, error)
}

// HeaderSource fetches block headers by height.
type HeaderSource interface {
	HeaderAt(ctx context.Context, height uint32) (*Header, error)
}

// TxSource fetches raw transaction bytes by txid.
type TxSource interface {
	RawTx(ctx context.Context, txID string) ([]byte, error)
}

// LookupConfig configures the lookup client.
type LookupConfig struct {
	BaseURL string
	Timeout time.Duration
}

// Lookup is an HTTP client against a chain lookup service exposing headers,
// merkle proofs, and raw transactions. It implements ProofSource,
// HeaderSource, and TxSource.
type Lookup struct {
	baseURL    string
	httpClient *http.Client
}

// NewLookup creates a lookup client.
func NewLookup(cfg LookupConfig) (*Lookup, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("lookup base URL required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Lookup{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type proofResponse struct {
	BlockHeight uint32   `json:"blockHeight"`
	Index       uint64   `json:"index"`
	Nodes       []string `json:"nodes"`
}

type headerResponse struct {
	Height     uint32 `json:"height"`
	Hash       string `json:"hash"`
	MerkleRoot string `json:"merkleRoot"`
	Time       int64  `json:"time"`
}

type rawTxResponse struct {
	Hex string `json:"hex"`
}

// MerkleProof returns the merkle path for txID, or (nil, nil) if the
// transaction is not yet mined.
func (l *Lookup) MerkleProof(ctx context.Context, txID string) (*MerklePath, error) {
	var resp proofResponse
	found, err := l.getJSON(ctx, fmt.Sprintf("%s/v1/tx/%s/proof", l.baseURL, txID), &resp)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}

	path := &MerklePath{
		BlockHeight: resp.BlockHeight,
		Index:       resp.Index,
		Nodes:       make([][32]byte, len(resp.Nodes)),
	}
	for i, node := range resp.Nodes {
		raw, err := hex.DecodeString(node)
		if err != nil || len(raw) != 32 {
			return nil, fmt.Errorf("invalid proof node %d for %s", i, txID)
		}
		copy(path.Nodes[i][:], raw)
	}
	return path, nil
}

// HeaderAt returns the block header at the given height.
func (l *Lookup) HeaderAt(ctx context.Context, height uint32) (*Header, error) {
	var resp headerResponse
	found, err := l.getJSON(ctx, fmt.Sprintf("%s/v1/header/%d", l.baseURL, height), &resp)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("no header at height %d", height)
	}

	h := &Header{Height: resp.Height, Hash: resp.Hash, Time: resp.Time}
	raw, err := hex.DecodeString(resp.MerkleRoot)
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("invalid merkle root in header %d", height)
	}
	copy(h.MerkleRoot[:], raw)
	return h, nil
}

// RawTx returns the serialized transaction for txID.
func (l *Lookup) RawTx(ctx context.Context, txID string) ([]byte, error) {
	var resp rawTxResponse
	found, err := l.getJSON(ctx, fmt.Sprintf("%s/v1/tx/%s/raw", l.baseURL, txID), &resp)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("transaction %s not found", txID)
	}
	return hex.DecodeString(resp.Hex)
}

// getJSON performs a GET and decodes the body. Returns found=false on 404.
func (l *Lookup) getJSON(ctx context.Context, url string, out interface{}) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("lookup returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, fmt.Errorf("read response: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return false, fmt.Errorf("unmarshal response: %w", err)
	}
	return true, nil
}
