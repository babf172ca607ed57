package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ContainerEngine != "docker" {
		t.Fatalf("expected default engine docker, got %q", cfg.ContainerEngine)
	}
	if cfg.SmokeTestTimeout != 5*time.Second {
		t.Fatalf("unexpected default smoke test timeout %v", cfg.SmokeTestTimeout)
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := Default()
	cfg.Groups = []string{"default", "research"}
	cfg.ContainerEngine = "podman"

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.ContainerEngine != "podman" || len(got.Groups) != 2 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestValidateRejectsBadSmokeTestTimeout(t *testing.T) {
	cfg := Default()
	cfg.SmokeTestTimeout = 30 * time.Second
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for smoke test timeout over cap")
	}
}

func TestValidateRejectsUnknownEngine(t *testing.T) {
	cfg := Default()
	cfg.ContainerEngine = "firecracker"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for unsupported engine")
	}
}

func TestRateLimitForPrefersGroupOverride(t *testing.T) {
	cfg := Default()
	cfg.RateLimits["research:search"] = BucketConfig{Rate: 1, Burst: 1}
	cfg.RateLimits["search"] = BucketConfig{Rate: 9, Burst: 9}

	b, ok := cfg.RateLimitFor("research", "search")
	if !ok || b.Rate != 1 {
		t.Fatalf("expected group override bucket, got %+v ok=%v", b, ok)
	}

	b, ok = cfg.RateLimitFor("other", "search")
	if !ok || b.Rate != 9 {
		t.Fatalf("expected tool-level bucket, got %+v ok=%v", b, ok)
	}

	b, ok = cfg.RateLimitFor("other", "unknown-tool")
	if !ok || b.Rate != 5 {
		t.Fatalf("expected fallback default bucket, got %+v ok=%v", b, ok)
	}
}

func TestImageForResolvesConfiguredGroupImage(t *testing.T) {
	cfg := Default()
	cfg.GroupImages["research"] = "carapace/research-agent:latest"

	image, ok := cfg.ImageFor("research")
	if !ok || image != "carapace/research-agent:latest" {
		t.Fatalf("expected configured image, got %q ok=%v", image, ok)
	}

	if _, ok := cfg.ImageFor("unconfigured"); ok {
		t.Fatalf("expected no image for an unconfigured group")
	}
}
