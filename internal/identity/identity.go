// Package identity provides party identity keys and per-payment key
// derivation for the podmesh payment and attestation layer.
//
// Parties are identified by compressed secp256k1 public keys, never by
// on-chain addresses. Each payment derives a one-time child key from the
// recipient's identity key and a (prefix, suffix) derivation path, so no
// destination script ever repeats.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/ripemd160"
)

// Errors
var (
	ErrInvalidKey  = errors.New("invalid identity key")
	ErrInvalidPath = errors.New("invalid derivation path")
)

// Key is a compressed secp256k1 public key identifying a party.
// The canonical string form is 66 lowercase hex characters ("02"/"03" prefix).
type Key struct {
	pub *secp256k1.PublicKey
}

// ParseKey parses a hex-encoded compressed public key.
func ParseKey(s string) (Key, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Key{}, fmt.Errorf("%w: not hex: %v", ErrInvalidKey, err)
	}
	if len(raw) != 33 || (raw[0] != 0x02 && raw[0] != 0x03) {
		return Key{}, fmt.Errorf("%w: want 33-byte compressed key", ErrInvalidKey)
	}
	pub, err := secp256k1.ParsePubKey(raw)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return Key{pub: pub}, nil
}

// KeyFromPub wraps an already-parsed public key.
func KeyFromPub(pub *secp256k1.PublicKey) Key {
	return Key{pub: pub}
}

// IsZero reports whether the key is unset.
func (k Key) IsZero() bool { return k.pub == nil }

// String returns the canonical hex form.
func (k Key) String() string {
	if k.pub == nil {
		return ""
	}
	return hex.EncodeToString(k.pub.SerializeCompressed())
}

// Bytes returns the 33-byte compressed encoding.
func (k Key) Bytes() []byte {
	if k.pub == nil {
		return nil
	}
	return k.pub.SerializeCompressed()
}

// Pub returns the underlying public key.
func (k Key) Pub() *secp256k1.PublicKey { return k.pub }

// Hash160 returns ripemd160(sha256(compressed key)), the script hash used
// in pay-to-derived-key outputs.
func (k Key) Hash160() []byte {
	return Hash160(k.Bytes())
}

// Address returns the Base58Check rendering of the key's hash160. Used for
// logs and operator tooling only; scripts are always built from the raw hash.
func (k Key) Address() string {
	payload := make([]byte, 21)
	copy(payload[1:], k.Hash160())
	checksum := doubleSHA256(payload)
	full := append(payload, checksum[:4]...)
	return base58.Encode(full)
}

// DerivationPath is the per-payment salt pair. Suffix must be unique per
// payment between the same sender and recipient.
type DerivationPath struct {
	Prefix string `json:"prefix"`
	Suffix string `json:"suffix"`
}

// Validate checks that both components are present.
func (p DerivationPath) Validate() error {
	if p.Prefix == "" || p.Suffix == "" {
		return ErrInvalidPath
	}
	return nil
}

// String renders the path as "prefix/suffix".
func (p DerivationPath) String() string {
	return p.Prefix + "/" + p.Suffix
}

// ChildKey derives the one-time payment key for (parent, path). The tweak is
// sha256(parent || prefix || "/" || suffix) taken as a scalar; the child is
// parent + tweak*G. Deterministic, so sender and recipient (and a later
// verifier holding the path) compute the same destination independently.
func ChildKey(parent Key, path DerivationPath) (Key, error) {
	if parent.IsZero() {
		return Key{}, ErrInvalidKey
	}
	if err := path.Validate(); err != nil {
		return Key{}, err
	}

	h := sha256.New()
	h.Write(parent.Bytes())
	h.Write([]byte(path.Prefix))
	h.Write([]byte("/"))
	h.Write([]byte(path.Suffix))
	digest := h.Sum(nil)

	var tweak secp256k1.ModNScalar
	if overflow := tweak.SetByteSlice(digest); overflow {
		// Reduction happened; the scalar is still well-defined.
		_ = overflow
	}
	if tweak.IsZero() {
		return Key{}, fmt.Errorf("%w: degenerate tweak", ErrInvalidPath)
	}

	var parentPoint, tweakPoint, sum secp256k1.JacobianPoint
	parent.pub.AsJacobian(&parentPoint)
	secp256k1.ScalarBaseMultNonConst(&tweak, &tweakPoint)
	secp256k1.AddNonConst(&parentPoint, &tweakPoint, &sum)
	if (sum.X.IsZero() && sum.Y.IsZero()) || sum.Z.IsZero() {
		return Key{}, fmt.Errorf("%w: derived point at infinity", ErrInvalidPath)
	}
	sum.ToAffine()

	return Key{pub: secp256k1.NewPublicKey(&sum.X, &sum.Y)}, nil
}

// Hash160 computes ripemd160(sha256(data)).
func Hash160(data []byte) []byte {
	sha := sha256.Sum256(data)
	ripe := ripemd160.New()
	ripe.Write(sha[:])
	return ripe.Sum(nil)
}

func doubleSHA256(data []byte) [32]byte {
	first := sha256.Sum256(data)
	return sha256.Sum256(first[:])
}
