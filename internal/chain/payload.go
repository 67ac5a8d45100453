package chain

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// AttestationProtocol identifies podmesh attestation payloads on chain.
const (
	AttestationProtocol = "resource-attestation"
	AttestationVersion  = "1.0"
)

// AttestationPayload is the record embedded in a data-carrier output to
// anchor a content hash. The wire form is the JSON serialization,
// hex-encoded, pushed into an OP_FALSE OP_RETURN script.
type AttestationPayload struct {
	Protocol     string            `json:"protocol"`
	Version      string            `json:"version"`
	ResourceID   string            `json:"resourceId"`
	ResourceType string            `json:"resourceType"`
	ContentHash  string            `json:"contentHash"`
	Timestamp    int64             `json:"timestamp"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// EncodeAttestation builds the data-carrier locking script for a payload.
func EncodeAttestation(p *AttestationPayload) ([]byte, error) {
	if p.Protocol == "" {
		p.Protocol = AttestationProtocol
	}
	if p.Version == "" {
		p.Version = AttestationVersion
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal attestation payload: %w", err)
	}
	return DataScript([]byte(hex.EncodeToString(raw))), nil
}

// DecodeAttestation extracts an attestation payload from a data-carrier
// locking script.
func DecodeAttestation(script []byte) (*AttestationPayload, error) {
	data, err := ParseDataScript(script)
	if err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(string(data))
	if err != nil {
		return nil, fmt.Errorf("attestation payload is not hex: %w", err)
	}

	var p AttestationPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("unmarshal attestation payload: %w", err)
	}
	if p.Protocol != AttestationProtocol {
		return nil, fmt.Errorf("unknown payload protocol %q", p.Protocol)
	}
	return &p, nil
}

// FindAttestation scans a transaction's outputs for an attestation payload.
func FindAttestation(tx *Tx) (*AttestationPayload, error) {
	for _, out := range tx.Outputs {
		if !IsDataScript(out.LockingScript) {
			continue
		}
		p, err := DecodeAttestation(out.LockingScript)
		if err != nil {
			continue
		}
		return p, nil
	}
	return nil, fmt.Errorf("no attestation output in transaction")
}
