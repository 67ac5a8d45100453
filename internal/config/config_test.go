package config

import (
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.Overlay.Mode != "memory" {
		t.Errorf("default overlay mode = %q, want memory", cfg.Overlay.Mode)
	}
	if cfg.Payment.DerivationPrefix == "" {
		t.Error("default derivation prefix empty")
	}
	if cfg.Delivery.MaxAttempts <= 0 {
		t.Error("default delivery attempts not positive")
	}
}

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Overlay.Mode != Default().Overlay.Mode {
		t.Error("missing file did not fall back to defaults")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")

	cfg := Default()
	cfg.Overlay.Mode = "gossip"
	cfg.Overlay.Bootstrap = []string{"/ip4/10.0.0.1/tcp/4001/p2p/12D3KooWExample"}
	cfg.Chain.LookupURL = "https://spv.example.com"

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Overlay.Mode != "gossip" {
		t.Errorf("overlay mode = %q, want gossip", loaded.Overlay.Mode)
	}
	if len(loaded.Overlay.Bootstrap) != 1 {
		t.Errorf("bootstrap list lost: %v", loaded.Overlay.Bootstrap)
	}
	if loaded.Chain.LookupURL != "https://spv.example.com" {
		t.Errorf("lookup url = %q", loaded.Chain.LookupURL)
	}
}
