package chain

import (
	"bytes"
	"encoding/hex"
	"testing"
)

func sampleTx() *Tx {
	script, _ := P2PKHScript(make([]byte, 20))
	return &Tx{
		Version: 1,
		Inputs: []TxIn{{
			PrevTxID:        [32]byte{1, 2, 3},
			Vout:            0,
			UnlockingScript: []byte{0x51},
			Sequence:        0xffffffff,
		}},
		Outputs: []TxOut{
			{Satoshis: 1000, LockingScript: script},
			{Satoshis: 0, LockingScript: DataScript([]byte("payload"))},
		},
	}
}

func TestTxSerializeRoundTrip(t *testing.T) {
	tx := sampleTx()
	raw := tx.Serialize()

	parsed, err := Deserialize(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if !bytes.Equal(parsed.Serialize(), raw) {
		t.Error("round trip produced different bytes")
	}
	if parsed.TxID() != tx.TxID() {
		t.Error("round trip changed txid")
	}
}

func TestExtractTxIgnoresAncestry(t *testing.T) {
	tx := sampleTx()
	beef := append(tx.Serialize(), []byte("opaque ancestry bytes")...)

	parsed, err := ExtractTx(beef)
	if err != nil {
		t.Fatalf("ExtractTx: %v", err)
	}
	if parsed.TxID() != tx.TxID() {
		t.Error("leading tx not recovered from envelope")
	}
}

func TestExtractTxRejectsGarbage(t *testing.T) {
	if _, err := ExtractTx(nil); err == nil {
		t.Error("empty envelope accepted")
	}
	if _, err := ExtractTx([]byte{0x01, 0x02}); err == nil {
		t.Error("truncated envelope accepted")
	}
}

func TestDataScriptRoundTrip(t *testing.T) {
	cases := [][]byte{
		[]byte("short"),
		bytes.Repeat([]byte{0xaa}, 75),      // direct push boundary
		bytes.Repeat([]byte{0xbb}, 200),     // PUSHDATA1
		bytes.Repeat([]byte{0xcc}, 70_000),  // PUSHDATA4
	}
	for _, payload := range cases {
		script := DataScript(payload)
		if !IsDataScript(script) {
			t.Fatalf("IsDataScript false for %d-byte payload", len(payload))
		}
		got, err := ParseDataScript(script)
		if err != nil {
			t.Fatalf("ParseDataScript(%d bytes): %v", len(payload), err)
		}
		if !bytes.Equal(got, payload) {
			t.Errorf("payload mismatch for %d bytes", len(payload))
		}
	}
}

func TestParseDataScriptRejectsP2PKH(t *testing.T) {
	script, _ := P2PKHScript(make([]byte, 20))
	if _, err := ParseDataScript(script); err == nil {
		t.Error("P2PKH script parsed as data carrier")
	}
}

func TestP2PKHScriptShape(t *testing.T) {
	hash := bytes.Repeat([]byte{0x11}, 20)
	script, err := P2PKHScript(hash)
	if err != nil {
		t.Fatalf("P2PKHScript: %v", err)
	}
	if len(script) != 25 {
		t.Errorf("script length = %d, want 25", len(script))
	}
	if _, err := P2PKHScript(hash[:19]); err == nil {
		t.Error("short hash accepted")
	}
}

// buildTree constructs a merkle tree over txids and returns the root plus
// the path for the leaf at index.
func buildTree(t *testing.T, txIDs []string, index uint64) ([32]byte, *MerklePath) {
	t.Helper()

	level := make([][32]byte, len(txIDs))
	for i, id := range txIDs {
		leaf, err := txidBytes(id)
		if err != nil {
			t.Fatalf("txidBytes: %v", err)
		}
		level[i] = leaf
	}

	path := &MerklePath{Index: index}
	idx := index
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		sibling := idx ^ 1
		path.Nodes = append(path.Nodes, level[sibling])

		next := make([][32]byte, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			var joined [64]byte
			copy(joined[:32], level[i][:])
			copy(joined[32:], level[i+1][:])
			next[i/2] = DoubleSHA256(joined[:])
		}
		level = next
		idx >>= 1
	}
	return level[0], path
}

func fakeTxID(seed byte) string {
	raw := bytes.Repeat([]byte{seed}, 32)
	return hex.EncodeToString(raw)
}

func TestVerifyProof(t *testing.T) {
	txIDs := []string{fakeTxID(1), fakeTxID(2), fakeTxID(3), fakeTxID(4), fakeTxID(5)}

	for idx := range txIDs {
		root, path := buildTree(t, txIDs, uint64(idx))
		header := &Header{Height: 100, MerkleRoot: root}

		if !VerifyProof(txIDs[idx], path, header) {
			t.Errorf("valid proof rejected for leaf %d", idx)
		}
		// Wrong transaction must not verify against the same path.
		other := txIDs[(idx+1)%len(txIDs)]
		if VerifyProof(other, path, header) {
			t.Errorf("proof for leaf %d accepted foreign txid", idx)
		}
	}
}

func TestVerifyProofWrongRoot(t *testing.T) {
	txIDs := []string{fakeTxID(1), fakeTxID(2)}
	_, path := buildTree(t, txIDs, 0)

	header := &Header{Height: 100, MerkleRoot: [32]byte{0xde, 0xad}}
	if VerifyProof(txIDs[0], path, header) {
		t.Error("proof accepted against wrong root")
	}
}

func TestVerifyProofNilInputs(t *testing.T) {
	if VerifyProof(fakeTxID(1), nil, &Header{}) {
		t.Error("nil path accepted")
	}
	if VerifyProof(fakeTxID(1), &MerklePath{}, nil) {
		t.Error("nil header accepted")
	}
}

func TestComputeRootPathTooShort(t *testing.T) {
	path := &MerklePath{Index: 4, Nodes: [][32]byte{{1}}}
	if _, err := path.ComputeRoot(fakeTxID(1)); err == nil {
		t.Error("short path accepted for high index")
	}
}
