package wallet

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Keystore errors
var (
	ErrKeyNotFound = errors.New("service key not found")
	ErrInvalidKeyData = errors.New("invalid service key data")
)

const serviceKeyFile = "service.key"

// Keystore holds the application's service key on disk. The key is written
// once with restrictive permissions and loaded at process start; rotation
// replaces the file explicitly.
type Keystore struct {
	basePath string
}

// NewKeystore creates a keystore rooted at basePath.
func NewKeystore(basePath string) (*Keystore, error) {
	keysPath := filepath.Join(basePath, "keys")
	if err := os.MkdirAll(keysPath, 0700); err != nil {
		return nil, fmt.Errorf("failed to create keys directory: %w", err)
	}
	return &Keystore{basePath: keysPath}, nil
}

// HasKey reports whether a service key exists.
func (k *Keystore) HasKey() bool {
	_, err := os.Stat(filepath.Join(k.basePath, serviceKeyFile))
	return err == nil
}

// Load reads the service key from disk.
func (k *Keystore) Load() (*secp256k1.PrivateKey, error) {
	data, err := os.ReadFile(filepath.Join(k.basePath, serviceKeyFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to read service key: %w", err)
	}

	raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil || len(raw) != 32 {
		return nil, ErrInvalidKeyData
	}
	return secp256k1.PrivKeyFromBytes(raw), nil
}

// Generate creates and stores a new service key. Fails if one exists.
func (k *Keystore) Generate() (*secp256k1.PrivateKey, error) {
	if k.HasKey() {
		return nil, fmt.Errorf("service key already exists; use Rotate")
	}
	return k.writeNew()
}

// LoadOrCreate loads the existing key or generates one on first start.
func (k *Keystore) LoadOrCreate() (*secp256k1.PrivateKey, error) {
	if k.HasKey() {
		return k.Load()
	}
	log.Info("No service key found, generating a new one")
	return k.writeNew()
}

// Rotate replaces the service key with a fresh one and returns it.
func (k *Keystore) Rotate() (*secp256k1.PrivateKey, error) {
	path := filepath.Join(k.basePath, serviceKeyFile)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove old service key: %w", err)
	}
	log.Warn("Service key rotated")
	return k.writeNew()
}

func (k *Keystore) writeNew() (*secp256k1.PrivateKey, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate service key: %w", err)
	}

	path := filepath.Join(k.basePath, serviceKeyFile)
	encoded := hex.EncodeToString(priv.Serialize())
	if err := os.WriteFile(path, []byte(encoded+"\n"), 0600); err != nil {
		return nil, fmt.Errorf("failed to save service key: %w", err)
	}
	return priv, nil
}
