// Package config provides configuration management for the podmesh server.
package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config represents the podmesh server configuration.
type Config struct {
	Wallet   WalletConfig   `yaml:"wallet"`
	Chain    ChainConfig    `yaml:"chain"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Overlay  OverlayConfig  `yaml:"overlay"`
	Storage  StorageConfig  `yaml:"storage"`
	Payment  PaymentConfig  `yaml:"payment"`
}

// WalletConfig contains signing key settings.
type WalletConfig struct {
	KeyPath  string `yaml:"key_path"`
	FeePerKB uint64 `yaml:"fee_per_kb"`
}

// ChainConfig contains SPV lookup settings.
type ChainConfig struct {
	LookupURL string `yaml:"lookup_url"`
	Timeout   string `yaml:"timeout"`
}

// DeliveryConfig contains payment and attestation delivery settings.
type DeliveryConfig struct {
	NotaryURL   string `yaml:"notary_url"`
	MaxAttempts int    `yaml:"max_attempts"`
	Timeout     string `yaml:"timeout"`
}

// OverlayConfig contains discovery overlay settings.
type OverlayConfig struct {
	Mode      string   `yaml:"mode"` // "memory", "index", or "gossip"
	IndexURL  string   `yaml:"index_url"`
	Listen    []string `yaml:"listen"`
	Bootstrap []string `yaml:"bootstrap"`
	MaxConns  int      `yaml:"max_connections"`
}

// StorageConfig contains persistence settings.
type StorageConfig struct {
	Path       string `yaml:"path"`
	GCInterval string `yaml:"gc_interval"`
}

// PaymentConfig contains payment engine settings.
type PaymentConfig struct {
	DerivationPrefix string `yaml:"derivation_prefix"`
}

// Default returns a default configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	basePath := filepath.Join(homeDir, ".podmesh")

	return &Config{
		Wallet: WalletConfig{
			KeyPath:  basePath,
			FeePerKB: 50,
		},
		Chain: ChainConfig{
			LookupURL: "http://localhost:8335",
			Timeout:   "5s",
		},
		Delivery: DeliveryConfig{
			NotaryURL:   "http://localhost:8336",
			MaxAttempts: 3,
			Timeout:     "5s",
		},
		Overlay: OverlayConfig{
			Mode: "memory",
			Listen: []string{
				"/ip4/0.0.0.0/tcp/4001",
			},
			Bootstrap: []string{},
			MaxConns:  400,
		},
		Storage: StorageConfig{
			Path:       filepath.Join(basePath, "data"),
			GCInterval: "1h",
		},
		Payment: PaymentConfig{
			DerivationPrefix: "podmesh",
		},
	}
}

// DefaultPath returns the default configuration file path.
func DefaultPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".podmesh", "config.yaml")
}

// Load loads the configuration from a file.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return default config if file doesn't exist
			return Default(), nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save saves the configuration to a file.
func Save(path string, cfg *Config) error {
	if path == "" {
		path = DefaultPath()
	}

	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
