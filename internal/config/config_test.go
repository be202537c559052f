package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default()
	if cfg.Bounty.DefaultAsset != "USDC" {
		t.Fatalf("default asset = %q", cfg.Bounty.DefaultAsset)
	}
	if got := cfg.Settlement.TransferTimeout.Std(); got != 15*time.Second {
		t.Fatalf("transfer timeout = %s", got)
	}
	if !cfg.Settlement.Auto {
		t.Fatalf("expected auto settlement by default")
	}
	defaults := cfg.DefaultPermissionCodes()
	if len(defaults) != 1 || defaults[0] != PermTaskView {
		t.Fatalf("default codes = %v", defaults)
	}
	if len(cfg.AllPermissionCodes()) != len(requiredPermissions) {
		t.Fatalf("catalog = %v", cfg.AllPermissionCodes())
	}
}

func TestValidateRejectsMissingRequiredPermission(t *testing.T) {
	raw := strings.Replace(GenerateDefault(), "    task.settle:\n      name: \"Trigger settlement and release settlement holds\"\n", "", 1)
	_, err := FromYAML([]byte(raw))
	if err == nil || !strings.Contains(err.Error(), "task.settle") {
		t.Fatalf("expected missing task.settle error, got %v", err)
	}
}

func TestValidateRejectsBadDuration(t *testing.T) {
	raw := strings.Replace(GenerateDefault(), "transfer_timeout: 15s", "transfer_timeout: soon", 1)
	if _, err := FromYAML([]byte(raw)); err == nil {
		t.Fatalf("expected duration error")
	}
}

func TestValidateRejectsMalformedRatePair(t *testing.T) {
	raw := strings.Replace(GenerateDefault(), "XLM/USDC: 0.1", "XLMUSDC: 0.1", 1)
	if _, err := FromYAML([]byte(raw)); err == nil {
		t.Fatalf("expected rate pair error")
	}
}

func TestLoadOptionalFallsBackToDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil {
		t.Fatalf("load optional: %v", err)
	}
	if cfg.Server.BasePath != "/v1" {
		t.Fatalf("base path = %q", cfg.Server.BasePath)
	}
	custom := strings.Replace(GenerateDefault(), "default_asset: USDC", "default_asset: XLM", 1)
	if err := os.WriteFile(filepath.Join(dir, "bountyline.yml"), []byte(custom), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Bounty.DefaultAsset != "XLM" {
		t.Fatalf("expected XLM, got %s", cfg.Bounty.DefaultAsset)
	}
}
