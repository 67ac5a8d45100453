package overlay

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// Errors
var (
	ErrInvalidResource = errors.New("invalid overlay resource")
	ErrUnknownTopic    = errors.New("unknown topic")
)

// ResourceType classifies what kind of stored knowledge an announcement
// refers to.
type ResourceType string

const (
	ResourcePod          ResourceType = "pod_resource"
	ResourceContextEntry ResourceType = "context_entry"
)

// ParseResourceType validates a wire-form resource type.
func ParseResourceType(s string) (ResourceType, error) {
	switch ResourceType(s) {
	case ResourcePod, ResourceContextEntry:
		return ResourceType(s), nil
	}
	return "", fmt.Errorf("unknown resource type %q", s)
}

// PolicyKind tags the access policy variant.
type PolicyKind string

const (
	PolicyPublic       PolicyKind = "public"
	PolicyMicropayment PolicyKind = "micropayment"
	PolicyWhitelist    PolicyKind = "whitelist"
)

// AccessPolicy is a closed tagged variant describing how a resource may be
// accessed. Exactly the fields for its kind are set.
type AccessPolicy struct {
	Kind          PolicyKind `json:"kind"`
	PriceSatoshis uint64     `json:"priceSatoshis,omitempty"`
	IdentityKeys  []string   `json:"identityKeys,omitempty"`
}

// PublicPolicy allows anyone.
func PublicPolicy() AccessPolicy {
	return AccessPolicy{Kind: PolicyPublic}
}

// MicropaymentPolicy requires a payment of price satoshis.
func MicropaymentPolicy(price uint64) AccessPolicy {
	return AccessPolicy{Kind: PolicyMicropayment, PriceSatoshis: price}
}

// WhitelistPolicy allows only the listed identity keys.
func WhitelistPolicy(keys ...string) AccessPolicy {
	return AccessPolicy{Kind: PolicyWhitelist, IdentityKeys: keys}
}

// Resource is a discovery announcement published into one or more topics.
// It proves existence and advertises terms without exposing content.
type Resource struct {
	ResourceID    string       `json:"resourceId"`
	ResourceType  ResourceType `json:"resourceType"`
	ContentHash   string       `json:"contentHash"`
	ContentCID    string       `json:"contentCid,omitempty"`
	TransactionID string       `json:"transactionId,omitempty"`
	Title         string       `json:"title,omitempty"`
	Description   string       `json:"description,omitempty"`
	Tags          []string     `json:"tags,omitempty"`
	PriceSatoshis uint64       `json:"priceSatoshis,omitempty"`
	AccessPolicy  AccessPolicy `json:"accessPolicy"`
	Author        string       `json:"author,omitempty"`
	Timestamp     time.Time    `json:"timestamp"`
}

// Validate checks the announcement's required fields.
func (r *Resource) Validate() error {
	if r.ResourceID == "" {
		return fmt.Errorf("%w: missing resourceId", ErrInvalidResource)
	}
	if _, err := ParseResourceType(string(r.ResourceType)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResource, err)
	}
	if len(r.ContentHash) != 64 {
		return fmt.Errorf("%w: contentHash must be 64 hex chars", ErrInvalidResource)
	}
	if _, err := hex.DecodeString(r.ContentHash); err != nil {
		return fmt.Errorf("%w: contentHash is not hex", ErrInvalidResource)
	}
	return nil
}

// ContentCIDFromHash renders a sha256 content hash as a CIDv1 raw content
// identifier, giving announcements a content address interoperable with
// CID-aware tooling.
func ContentCIDFromHash(contentHash string) (string, error) {
	digest, err := hex.DecodeString(contentHash)
	if err != nil || len(digest) != 32 {
		return "", fmt.Errorf("content hash must be 64 hex chars")
	}
	encoded, err := mh.Encode(digest, mh.SHA2_256)
	if err != nil {
		return "", fmt.Errorf("encode multihash: %w", err)
	}
	return cid.NewCidV1(cid.Raw, encoded).String(), nil
}

// PriceRange bounds a price filter, inclusive on both ends.
type PriceRange struct {
	Min uint64 `json:"min"`
	Max uint64 `json:"max"`
}

// SearchParams filter and paginate a resource search.
type SearchParams struct {
	Topic        string       `json:"topic,omitempty"`
	Query        string       `json:"query,omitempty"`
	ResourceType ResourceType `json:"resourceType,omitempty"`
	PriceRange   *PriceRange  `json:"priceRange,omitempty"`
	Tags         []string     `json:"tags,omitempty"`
	Author       string       `json:"author,omitempty"`
	Limit        int          `json:"limit,omitempty"`
	Offset       int          `json:"offset,omitempty"`
}

// SearchResult is one page of matches, newest first.
type SearchResult struct {
	Resources []Resource `json:"resources"`
	Total     int        `json:"total"`
	HasMore   bool       `json:"hasMore"`
}

// TopicStats aggregates a topic over the current query window. The numbers
// are computed from whatever the node returns, not a materialized aggregate.
type TopicStats struct {
	Topic         string    `json:"topic"`
	ResourceCount int       `json:"resourceCount"`
	UniqueAuthors int       `json:"uniqueAuthors"`
	TotalValue    uint64    `json:"totalValue"`
	LastUpdated   time.Time `json:"lastUpdated"`
}
