package identity

import (
	"strings"
	"sync"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

func testKey(t *testing.T) Key {
	t.Helper()
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return KeyFromPub(priv.PubKey())
}

func TestParseKeyRoundTrip(t *testing.T) {
	k := testKey(t)
	parsed, err := ParseKey(k.String())
	if err != nil {
		t.Fatalf("ParseKey: %v", err)
	}
	if parsed.String() != k.String() {
		t.Errorf("round trip mismatch: %s != %s", parsed.String(), k.String())
	}
}

func TestParseKeyRejectsMalformed(t *testing.T) {
	cases := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"not hex", "zz"},
		{"too short", "02abcd"},
		{"bad prefix", "04" + strings.Repeat("ab", 32)},
		{"uncompressed length", strings.Repeat("02", 65)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseKey(tc.in); err == nil {
				t.Errorf("ParseKey(%q) accepted malformed key", tc.in)
			}
		})
	}
}

func TestChildKeyDeterministic(t *testing.T) {
	parent := testKey(t)
	path := DerivationPath{Prefix: "podmesh", Suffix: "1-deadbeef"}

	a, err := ChildKey(parent, path)
	if err != nil {
		t.Fatalf("ChildKey: %v", err)
	}
	b, err := ChildKey(parent, path)
	if err != nil {
		t.Fatalf("ChildKey: %v", err)
	}
	if a.String() != b.String() {
		t.Error("same path derived different children")
	}
	if a.String() == parent.String() {
		t.Error("child equals parent")
	}
}

func TestChildKeyDistinctPerPath(t *testing.T) {
	parent := testKey(t)
	a, _ := ChildKey(parent, DerivationPath{Prefix: "podmesh", Suffix: "1-aa"})
	b, _ := ChildKey(parent, DerivationPath{Prefix: "podmesh", Suffix: "2-aa"})
	if a.String() == b.String() {
		t.Error("different suffixes derived the same child")
	}
}

func TestChildKeyRejectsEmptyPath(t *testing.T) {
	parent := testKey(t)
	if _, err := ChildKey(parent, DerivationPath{}); err == nil {
		t.Error("empty path accepted")
	}
}

func TestSuffixGeneratorUnique(t *testing.T) {
	g := NewSuffixGenerator()
	const n = 200
	var mu sync.Mutex
	seen := make(map[string]bool, n)
	var wg sync.WaitGroup

	// Concurrent calls within the same clock tick must not collide.
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := g.Next()
			mu.Lock()
			defer mu.Unlock()
			if seen[s] {
				t.Errorf("duplicate suffix %q", s)
			}
			seen[s] = true
		}()
	}
	wg.Wait()

	if len(seen) != n {
		t.Errorf("expected %d distinct suffixes, got %d", n, len(seen))
	}
}

func TestAddressEncodes(t *testing.T) {
	k := testKey(t)
	addr := k.Address()
	if addr == "" {
		t.Fatal("empty address")
	}
	if len(k.Hash160()) != 20 {
		t.Errorf("hash160 length = %d, want 20", len(k.Hash160()))
	}
}
