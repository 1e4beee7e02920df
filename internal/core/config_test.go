package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Scoring.Thresholds.High != 70 {
		t.Fatalf("default high threshold %v", cfg.Scoring.Thresholds.High)
	}
	if !cfg.Rules["brute_force"].Enabled {
		t.Fatal("brute force rule disabled by default")
	}
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sentra.yaml")
	data := []byte(`
scoring:
  thresholds:
    medium: 40
    high: 60
    critical: 80
correlation:
  window: 30m
`)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Scoring.Thresholds.High != 60 {
		t.Fatalf("high threshold %v", cfg.Scoring.Thresholds.High)
	}
	if cfg.Correlation.Window != 30*time.Minute {
		t.Fatalf("window %v", cfg.Correlation.Window)
	}
	// Untouched sections keep defaults.
	if cfg.Pipeline.QueueSize != 4096 {
		t.Fatalf("queue size %v", cfg.Pipeline.QueueSize)
	}
}

func TestValidateRejectsBadThresholdOrder(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scoring.Thresholds.High = 95 // above critical
	if err := cfg.Validate(); err == nil {
		t.Fatal("inverted thresholds accepted")
	}
}

func TestValidateRejectsUnknownActionType(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Response.Policies = append(cfg.Response.Policies, ResponsePolicyConfig{
		ThreatType:  "*",
		MinSeverity: "low",
		Actions:     []ActionTemplateConfig{{Type: "launch_missiles"}},
	})
	if err := cfg.Validate(); err == nil {
		t.Fatal("unknown action type accepted")
	}
}

func TestValidateRejectsUnknownRole(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Principals = []PrincipalConfig{{Name: "x", Key: "k", Role: "superuser"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("unknown role accepted")
	}
}

func TestLookupPrincipal(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Principals = []PrincipalConfig{{Name: "ana", Key: "secret", Role: RoleSecurityAnalyst}}

	if p := cfg.LookupPrincipal("secret"); p == nil || p.Name != "ana" {
		t.Fatalf("lookup: %+v", p)
	}
	if p := cfg.LookupPrincipal("wrong"); p != nil {
		t.Fatalf("wrong key resolved to %+v", p)
	}
}

func TestReloadSwapsSnapshotAtomically(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sentra.yaml")
	if err := os.WriteFile(path, []byte("logging:\n  level: info\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	holder := NewConfigHolder(cfg, path)
	before := holder.Current()

	if err := os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0644); err != nil {
		t.Fatal(err)
	}
	changes, err := holder.Reload(zerolog.Nop())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(changes) == 0 {
		t.Fatal("no changes reported")
	}
	if holder.Current() == before {
		t.Fatal("snapshot pointer not swapped")
	}
	if holder.Current().LogLevel() != "debug" {
		t.Fatalf("level %q after reload", holder.Current().LogLevel())
	}
}

func TestReloadRejectsInvalidConfigKeepsOldSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sentra.yaml")
	if err := os.WriteFile(path, []byte("logging:\n  level: info\n"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, _ := LoadConfig(path)
	holder := NewConfigHolder(cfg, path)
	before := holder.Current()

	bad := []byte("scoring:\n  thresholds:\n    medium: 90\n    high: 50\n    critical: 95\n")
	if err := os.WriteFile(path, bad, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := holder.Reload(zerolog.Nop()); err == nil {
		t.Fatal("invalid config reloaded")
	}
	if holder.Current() != before {
		t.Fatal("invalid reload replaced the active snapshot")
	}
}
