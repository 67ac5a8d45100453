package attest

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Notary accepts signed attestation transactions for broadcast. Submissions
// are idempotent per txID.
type Notary interface {
	Submit(ctx context.Context, txID string, beef []byte) error
}

// NotaryClient posts attestations to a notary service endpoint.
type NotaryClient struct {
	endpoint   string
	httpClient *http.Client
}

// NotaryConfig configures the notary client.
type NotaryConfig struct {
	Endpoint string
	Timeout  time.Duration
}

// NewNotaryClient creates the HTTP notary client.
func NewNotaryClient(cfg NotaryConfig) (*NotaryClient, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("notary endpoint required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &NotaryClient{
		endpoint:   cfg.Endpoint,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type submitRequest struct {
	TransactionID string `json:"transactionId"`
	Beef          string `json:"beef"`
}

// Submit posts the BEEF bytes to the notary.
func (n *NotaryClient) Submit(ctx context.Context, txID string, beef []byte) error {
	body, err := json.Marshal(submitRequest{
		TransactionID: txID,
		Beef:          hex.EncodeToString(beef),
	})
	if err != nil {
		return fmt.Errorf("marshal submission: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint+"/v1/attestations", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("notary returned status %d", resp.StatusCode)
	}
	return nil
}
