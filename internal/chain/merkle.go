package chain

import (
	"encoding/hex"
	"fmt"
)

// Header is the subset of a block header SPV verification needs.
type Header struct {
	Height     uint32   `json:"height"`
	Hash       string   `json:"hash"`
	MerkleRoot [32]byte `json:"-"`
	Time       int64    `json:"time"`
}

// MerklePath proves a transaction's inclusion under a block's merkle root.
// Nodes are sibling hashes from the leaf up; Index is the transaction's
// position in the block, whose bit parity at each level selects the side.
type MerklePath struct {
	BlockHeight uint32
	Index       uint64
	Nodes       [][32]byte
}

// ComputeRoot folds the path over txid and returns the implied merkle root.
func (p *MerklePath) ComputeRoot(txID string) ([32]byte, error) {
	var root [32]byte
	leaf, err := txidBytes(txID)
	if err != nil {
		return root, err
	}

	working := leaf
	idx := p.Index
	for _, sibling := range p.Nodes {
		var joined [64]byte
		if idx&1 == 1 {
			copy(joined[:32], sibling[:])
			copy(joined[32:], working[:])
		} else {
			copy(joined[:32], working[:])
			copy(joined[32:], sibling[:])
		}
		working = DoubleSHA256(joined[:])
		idx >>= 1
	}
	if idx != 0 {
		return root, fmt.Errorf("merkle path too short for index %d", p.Index)
	}
	return working, nil
}

// VerifyProof checks that path proves txID's inclusion under header's
// merkle root.
func VerifyProof(txID string, path *MerklePath, header *Header) bool {
	if path == nil || header == nil {
		return false
	}
	root, err := path.ComputeRoot(txID)
	if err != nil {
		log.Debugf("merkle root computation failed for %s: %v", txID, err)
		return false
	}
	return root == header.MerkleRoot
}

// txidBytes decodes a display-order txid into internal (little-endian) order.
func txidBytes(txID string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(txID)
	if err != nil || len(raw) != 32 {
		return out, fmt.Errorf("invalid txid %q", txID)
	}
	for i := 0; i < 32; i++ {
		out[i] = raw[31-i]
	}
	return out, nil
}
