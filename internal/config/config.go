// Package config loads, validates, and persists the supervisor's on-disk
// JSON configuration, in the teacher's load-normalize-validate-then-save
// shape rather than a flag/env-only setup.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// BucketConfig is a token-bucket rate limit: Rate tokens/sec, Burst capacity.
type BucketConfig struct {
	Rate  float64 `json:"rate"`
	Burst int     `json:"burst"`
}

// APIModeConfig configures the optional HTTP control surface alongside the
// primary NATS transport.
type APIModeConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

// Config is the supervisor's full on-disk configuration.
type Config struct {
	Groups               []string                `json:"groups"`
	PerGroupSessionLimit int                      `json:"perGroupSessionLimit"`
	RateLimits           map[string]BucketConfig  `json:"rateLimits"`
	GracefulStopTimeout  time.Duration            `json:"gracefulStopTimeout"`
	ConfirmationTimeout  time.Duration            `json:"confirmationTimeout"`
	SmokeTestTimeout     time.Duration            `json:"smokeTestTimeout"`
	PluginsDir           string                   `json:"pluginsDir"`
	CredentialsDir       string                   `json:"credentialsDir"`
	ContainerEngine      string                   `json:"containerEngine"`
	ContainerNamePrefix  string                   `json:"containerNamePrefix"`
	Network              string                   `json:"network"`
	NATSURL              string                   `json:"natsUrl"`
	AuditLogPath         string                   `json:"auditLogPath"`
	GroupImages          map[string]string        `json:"groupImages"`
	APIMode              *APIModeConfig           `json:"apiMode,omitempty"`
}

const maxSmokeTestTimeout = 10 * time.Second

// Default returns a Config with the supervisor's documented defaults applied,
// suitable as a starting point for Load when no file exists yet.
func Default() Config {
	return Config{
		Groups:               []string{"default"},
		PerGroupSessionLimit: 4,
		RateLimits:           map[string]BucketConfig{"default": {Rate: 5, Burst: 10}},
		GracefulStopTimeout:  10 * time.Second,
		ConfirmationTimeout:  30 * time.Second,
		SmokeTestTimeout:     5 * time.Second,
		PluginsDir:           "plugins",
		CredentialsDir:       "credentials",
		ContainerEngine:      "docker",
		ContainerNamePrefix:  "carapace",
		Network:              "carapace",
		NATSURL:              "nats://127.0.0.1:4222",
		AuditLogPath:         "audit.jsonl",
		GroupImages:          map[string]string{},
	}
}

// Load reads the JSON configuration at path, applying Default() values for
// any field the file omits, and returns an error if the merged result fails
// Validate. A missing file is not an error: Load returns Default().
func Load(path string) (Config, error) {
	cfg := Default()

	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, cfg.Validate()
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks invariants Load and Save both rely on.
func (c Config) Validate() error {
	if len(c.Groups) == 0 {
		return errors.New("config: at least one group is required")
	}
	if c.PerGroupSessionLimit <= 0 {
		return errors.New("config: perGroupSessionLimit must be positive")
	}
	if c.ContainerEngine != "docker" && c.ContainerEngine != "podman" {
		return fmt.Errorf("config: unsupported containerEngine %q", c.ContainerEngine)
	}
	if c.SmokeTestTimeout <= 0 || c.SmokeTestTimeout > maxSmokeTestTimeout {
		return fmt.Errorf("config: smokeTestTimeout must be in (0, %s]", maxSmokeTestTimeout)
	}
	if c.PluginsDir == "" {
		return errors.New("config: pluginsDir is required")
	}
	if c.CredentialsDir == "" {
		return errors.New("config: credentialsDir is required")
	}
	if c.Network == "" {
		return errors.New("config: network is required")
	}
	return nil
}

// Save writes cfg to path atomically: write to a sibling temp file, then
// rename over the destination, so a crash mid-write never leaves a
// truncated config file behind.
func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".config-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename config into place: %w", err)
	}
	return nil
}

// RateLimitFor resolves the bucket for a tool: the "<group>:<tool>"
// override first, then the tool's own entry, then the "default" bucket.
func (c Config) RateLimitFor(group, tool string) (BucketConfig, bool) {
	if b, ok := c.RateLimits[group+":"+tool]; ok {
		return b, true
	}
	if b, ok := c.RateLimits[tool]; ok {
		return b, true
	}
	b, ok := c.RateLimits["default"]
	return b, ok
}

// ImageFor resolves the container image a group's agents spawn from.
func (c Config) ImageFor(group string) (string, bool) {
	image, ok := c.GroupImages[group]
	return image, ok
}
