package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("port = %q, want 8080", cfg.Server.Port)
	}
	if cfg.Betting.MinBet != 1 || cfg.Betting.MaxBet != 1000 {
		t.Errorf("bet bounds = [%v, %v], want [1, 1000]", cfg.Betting.MinBet, cfg.Betting.MaxBet)
	}
	if cfg.Betting.FeeRate != 0.05 {
		t.Errorf("fee rate = %v, want 0.05", cfg.Betting.FeeRate)
	}
	if cfg.Oracle.MinSources != 2 {
		t.Errorf("min sources = %d, want 2", cfg.Oracle.MinSources)
	}
	if cfg.BreakerCooldown() != 5*time.Minute {
		t.Errorf("breaker cooldown = %v, want 5m", cfg.BreakerCooldown())
	}
	if cfg.MinBetInterval() != 500*time.Millisecond {
		t.Errorf("min bet interval = %v, want 500ms", cfg.MinBetInterval())
	}
}

func TestLoad_FileValuesSurviveDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
server:
  port: "9090"
betting:
  max_bet: 250
  house_edge: 0.15
  edge_tiers:
    - max_distance: 0.01
      edge: 0.25
    - max_distance: 0.05
      edge: 0.18
oracle:
  min_sources: 3
  sources:
    - name: primary
      url: http://feed.internal/price
      reliability: 0.95
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("port = %q, want 9090", cfg.Server.Port)
	}
	if cfg.Betting.MaxBet != 250 {
		t.Errorf("max bet = %v, want 250", cfg.Betting.MaxBet)
	}
	if cfg.Betting.HouseEdge != 0.15 {
		t.Errorf("house edge = %v, want 0.15", cfg.Betting.HouseEdge)
	}
	if len(cfg.Betting.EdgeTiers) != 2 || cfg.Betting.EdgeTiers[0].Edge != 0.25 {
		t.Errorf("edge tiers = %+v, want two tiers starting at 0.25", cfg.Betting.EdgeTiers)
	}
	if cfg.Oracle.MinSources != 3 {
		t.Errorf("min sources = %d, want 3", cfg.Oracle.MinSources)
	}

	// Unset file values still get defaults.
	if cfg.Betting.MinBet != 1 {
		t.Errorf("min bet = %v, want default 1", cfg.Betting.MinBet)
	}

	// Source defaults fill in the omitted fields.
	src := cfg.Oracle.Sources[0]
	if src.PriceField != "price" {
		t.Errorf("price field = %q, want price", src.PriceField)
	}
	if src.MaxStaleness() != 5*time.Second {
		t.Errorf("max staleness = %v, want 5s", src.MaxStaleness())
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: \"9090\"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("PORT", "7070")
	t.Setenv("FEE_RATE", "0.02")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != "7070" {
		t.Errorf("port = %q, want env override 7070", cfg.Server.Port)
	}
	if cfg.Betting.FeeRate != 0.02 {
		t.Errorf("fee rate = %v, want env override 0.02", cfg.Betting.FeeRate)
	}
}

func TestLoad_MalformedYAMLFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server: [not a map"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("Load succeeded on malformed YAML")
	}
}
