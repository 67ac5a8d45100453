package payment

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/podmesh/podmesh-server/internal/identity"
)

// Deliverer hands a signed payment directly to its recipient. No public
// mempool broadcast happens here; the recipient decides when to broadcast.
// Delivery must be idempotent per txID so resends are safe.
type Deliverer interface {
	Deliver(ctx context.Context, recipient identity.Key, txID string, beef []byte) error
}

// DirectDelivery posts signed payments to a recipient-operated endpoint.
type DirectDelivery struct {
	endpoint   string
	httpClient *http.Client
}

// DeliveryConfig configures direct delivery.
type DeliveryConfig struct {
	Endpoint string
	Timeout  time.Duration
}

// NewDirectDelivery creates the HTTP deliverer.
func NewDirectDelivery(cfg DeliveryConfig) (*DirectDelivery, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("delivery endpoint required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &DirectDelivery{
		endpoint:   cfg.Endpoint,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type deliveryRequest struct {
	Recipient     string `json:"recipient"`
	TransactionID string `json:"transactionId"`
	Beef          string `json:"beef"`
}

// Deliver posts the BEEF bytes to the recipient endpoint. The txID keys
// idempotent resends on the receiving side.
func (d *DirectDelivery) Deliver(ctx context.Context, recipient identity.Key, txID string, beef []byte) error {
	body, err := json.Marshal(deliveryRequest{
		Recipient:     recipient.String(),
		TransactionID: txID,
		Beef:          hex.EncodeToString(beef),
	})
	if err != nil {
		return fmt.Errorf("marshal delivery: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint+"/v1/payments", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("recipient returned status %d", resp.StatusCode)
	}
	return nil
}
