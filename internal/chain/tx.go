// Package chain provides the minimal on-chain plumbing the payment and
// attestation engines need: a transaction wire model, the two locking-script
// shapes podmesh emits (pay-to-derived-key and data carrier), SPV merkle
// proof verification, and a lookup client for headers, proofs, and raw
// transactions. Script execution and signature validation belong to the
// chain SDK and are out of scope here.
package chain

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// Errors
var (
	ErrMalformedTx     = errors.New("malformed transaction")
	ErrNotDataScript   = errors.New("not a data-carrier script")
	ErrMalformedScript = errors.New("malformed script")
)

// Script opcodes used by podmesh outputs.
const (
	opFalse       = 0x00
	opReturn      = 0x6a
	opDup         = 0x76
	opHash160     = 0xa9
	opEqualVerify = 0x88
	opCheckSig    = 0xac
	opPushData1   = 0x4c
	opPushData2   = 0x4d
	opPushData4   = 0x4e
)

// TxIn is a transaction input.
type TxIn struct {
	PrevTxID        [32]byte
	Vout            uint32
	UnlockingScript []byte
	Sequence        uint32
}

// TxOut is a transaction output.
type TxOut struct {
	Satoshis      uint64
	LockingScript []byte
}

// Tx is a minimal serializable transaction.
type Tx struct {
	Version  uint32
	Inputs   []TxIn
	Outputs  []TxOut
	LockTime uint32
}

// Serialize writes the transaction in standard wire format.
func (t *Tx) Serialize() []byte {
	var buf bytes.Buffer
	var u32 [4]byte
	var u64 [8]byte

	binary.LittleEndian.PutUint32(u32[:], t.Version)
	buf.Write(u32[:])

	writeVarInt(&buf, uint64(len(t.Inputs)))
	for _, in := range t.Inputs {
		buf.Write(in.PrevTxID[:])
		binary.LittleEndian.PutUint32(u32[:], in.Vout)
		buf.Write(u32[:])
		writeVarInt(&buf, uint64(len(in.UnlockingScript)))
		buf.Write(in.UnlockingScript)
		binary.LittleEndian.PutUint32(u32[:], in.Sequence)
		buf.Write(u32[:])
	}

	writeVarInt(&buf, uint64(len(t.Outputs)))
	for _, out := range t.Outputs {
		binary.LittleEndian.PutUint64(u64[:], out.Satoshis)
		buf.Write(u64[:])
		writeVarInt(&buf, uint64(len(out.LockingScript)))
		buf.Write(out.LockingScript)
	}

	binary.LittleEndian.PutUint32(u32[:], t.LockTime)
	buf.Write(u32[:])
	return buf.Bytes()
}

// Deserialize reads one transaction from r, leaving any trailing bytes
// unread. Transactions are self-delimiting, which is what lets a BEEF
// envelope carry a transaction followed by opaque ancestry.
func Deserialize(r io.Reader) (*Tx, error) {
	var t Tx
	var u32 [4]byte
	var u64 [8]byte

	if _, err := io.ReadFull(r, u32[:]); err != nil {
		return nil, fmt.Errorf("%w: version: %v", ErrMalformedTx, err)
	}
	t.Version = binary.LittleEndian.Uint32(u32[:])

	nIn, err := readVarInt(r)
	if err != nil {
		return nil, fmt.Errorf("%w: input count: %v", ErrMalformedTx, err)
	}
	if nIn > 100_000 {
		return nil, fmt.Errorf("%w: implausible input count %d", ErrMalformedTx, nIn)
	}
	t.Inputs = make([]TxIn, nIn)
	for i := range t.Inputs {
		in := &t.Inputs[i]
		if _, err := io.ReadFull(r, in.PrevTxID[:]); err != nil {
			return nil, fmt.Errorf("%w: input %d txid: %v", ErrMalformedTx, i, err)
		}
		if _, err := io.ReadFull(r, u32[:]); err != nil {
			return nil, fmt.Errorf("%w: input %d vout: %v", ErrMalformedTx, i, err)
		}
		in.Vout = binary.LittleEndian.Uint32(u32[:])
		slen, err := readVarInt(r)
		if err != nil {
			return nil, fmt.Errorf("%w: input %d script length: %v", ErrMalformedTx, i, err)
		}
		in.UnlockingScript = make([]byte, slen)
		if _, err := io.ReadFull(r, in.UnlockingScript); err != nil {
			return nil, fmt.Errorf("%w: input %d script: %v", ErrMalformedTx, i, err)
		}
		if _, err := io.ReadFull(r, u32[:]); err != nil {
			return nil, fmt.Errorf("%w: input %d sequence: %v", ErrMalformedTx, i, err)
		}
		in.Sequence = binary.LittleEndian.Uint32(u32[:])
	}

	nOut, err := readVarInt(r)
	if err != nil {
		return nil, fmt.Errorf("%w: output count: %v", ErrMalformedTx, err)
	}
	if nOut > 100_000 {
		return nil, fmt.Errorf("%w: implausible output count %d", ErrMalformedTx, nOut)
	}
	t.Outputs = make([]TxOut, nOut)
	for i := range t.Outputs {
		out := &t.Outputs[i]
		if _, err := io.ReadFull(r, u64[:]); err != nil {
			return nil, fmt.Errorf("%w: output %d amount: %v", ErrMalformedTx, i, err)
		}
		out.Satoshis = binary.LittleEndian.Uint64(u64[:])
		slen, err := readVarInt(r)
		if err != nil {
			return nil, fmt.Errorf("%w: output %d script length: %v", ErrMalformedTx, i, err)
		}
		out.LockingScript = make([]byte, slen)
		if _, err := io.ReadFull(r, out.LockingScript); err != nil {
			return nil, fmt.Errorf("%w: output %d script: %v", ErrMalformedTx, i, err)
		}
	}

	if _, err := io.ReadFull(r, u32[:]); err != nil {
		return nil, fmt.Errorf("%w: locktime: %v", ErrMalformedTx, err)
	}
	t.LockTime = binary.LittleEndian.Uint32(u32[:])
	return &t, nil
}

// TxID returns the transaction id: double-sha256 of the serialization,
// hex-encoded in the conventional reversed byte order.
func (t *Tx) TxID() string {
	digest := DoubleSHA256(t.Serialize())
	reverse(digest[:])
	return hex.EncodeToString(digest[:])
}

// ExtractTx parses the leading transaction out of a BEEF envelope. The bytes
// after the transaction are input ancestry and are left to the chain SDK.
func ExtractTx(beef []byte) (*Tx, error) {
	if len(beef) == 0 {
		return nil, fmt.Errorf("%w: empty envelope", ErrMalformedTx)
	}
	return Deserialize(bytes.NewReader(beef))
}

// P2PKHScript builds a pay-to-pubkey-hash locking script over a 20-byte
// hash160. Used with derived child keys only; base identity keys never
// appear in an output.
func P2PKHScript(pubKeyHash []byte) ([]byte, error) {
	if len(pubKeyHash) != 20 {
		return nil, fmt.Errorf("%w: pubkey hash must be 20 bytes, got %d", ErrMalformedScript, len(pubKeyHash))
	}
	script := make([]byte, 0, 25)
	script = append(script, opDup, opHash160, 20)
	script = append(script, pubKeyHash...)
	script = append(script, opEqualVerify, opCheckSig)
	return script, nil
}

// DataScript builds an unspendable data-carrier output
// (OP_FALSE OP_RETURN <payload>).
func DataScript(payload []byte) []byte {
	script := make([]byte, 0, len(payload)+6)
	script = append(script, opFalse, opReturn)
	script = append(script, pushData(payload)...)
	return script
}

// ParseDataScript extracts the payload from a data-carrier script.
func ParseDataScript(script []byte) ([]byte, error) {
	if len(script) < 3 || script[0] != opFalse || script[1] != opReturn {
		return nil, ErrNotDataScript
	}
	payload, rest, err := readPush(script[2:])
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: trailing bytes after push", ErrMalformedScript)
	}
	return payload, nil
}

// IsDataScript reports whether script is a data-carrier script.
func IsDataScript(script []byte) bool {
	return len(script) >= 2 && script[0] == opFalse && script[1] == opReturn
}

// DoubleSHA256 computes sha256(sha256(data)).
func DoubleSHA256(data []byte) [32]byte {
	first := sha256.Sum256(data)
	return sha256.Sum256(first[:])
}

func pushData(data []byte) []byte {
	n := len(data)
	switch {
	case n < opPushData1:
		return append([]byte{byte(n)}, data...)
	case n <= 0xff:
		return append([]byte{opPushData1, byte(n)}, data...)
	case n <= 0xffff:
		out := []byte{opPushData2, byte(n), byte(n >> 8)}
		return append(out, data...)
	default:
		out := []byte{opPushData4, byte(n), byte(n >> 8), byte(n >> 16), byte(n >> 24)}
		return append(out, data...)
	}
}

func readPush(script []byte) (payload, rest []byte, err error) {
	if len(script) == 0 {
		return nil, nil, fmt.Errorf("%w: empty push", ErrMalformedScript)
	}
	op := script[0]
	var n int
	var off int
	switch {
	case op < opPushData1:
		n, off = int(op), 1
	case op == opPushData1:
		if len(script) < 2 {
			return nil, nil, fmt.Errorf("%w: truncated PUSHDATA1", ErrMalformedScript)
		}
		n, off = int(script[1]), 2
	case op == opPushData2:
		if len(script) < 3 {
			return nil, nil, fmt.Errorf("%w: truncated PUSHDATA2", ErrMalformedScript)
		}
		n, off = int(script[1])|int(script[2])<<8, 3
	case op == opPushData4:
		if len(script) < 5 {
			return nil, nil, fmt.Errorf("%w: truncated PUSHDATA4", ErrMalformedScript)
		}
		n = int(script[1]) | int(script[2])<<8 | int(script[3])<<16 | int(script[4])<<24
		off = 5
	default:
		return nil, nil, fmt.Errorf("%w: opcode 0x%02x is not a push", ErrMalformedScript, op)
	}
	if len(script) < off+n {
		return nil, nil, fmt.Errorf("%w: push overruns script", ErrMalformedScript)
	}
	return script[off : off+n], script[off+n:], nil
}

func writeVarInt(buf *bytes.Buffer, v uint64) {
	switch {
	case v < 0xfd:
		buf.WriteByte(byte(v))
	case v <= 0xffff:
		buf.WriteByte(0xfd)
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], uint16(v))
		buf.Write(b[:])
	case v <= 0xffffffff:
		buf.WriteByte(0xfe)
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(v))
		buf.Write(b[:])
	default:
		buf.WriteByte(0xff)
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], v)
		buf.Write(b[:])
	}
}

func readVarInt(r io.Reader) (uint64, error) {
	var first [1]byte
	if _, err := io.ReadFull(r, first[:]); err != nil {
		return 0, err
	}
	switch first[0] {
	case 0xfd:
		var b [2]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, err
		}
		return uint64(binary.LittleEndian.Uint16(b[:])), nil
	case 0xfe:
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, err
		}
		return uint64(binary.LittleEndian.Uint32(b[:])), nil
	case 0xff:
		var b [8]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint64(b[:]), nil
	default:
		return uint64(first[0]), nil
	}
}

func reverse(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}
