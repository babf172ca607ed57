// Package installer implements the PluginInstaller: install, list, remove,
// update, configure, and verify operations for git-backed third-party
// plugin directories, built on gitsanitize for clone hardening and catalog
// for manifest parsing.
package installer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"carapace/internal/catalog"
	"carapace/internal/corelog"
	"carapace/internal/gitsanitize"
	"carapace/internal/pluginarchive"
)

var shellMetaChars = regexp.MustCompile(`[;|&$` + "`" + `(){}\n\r]`)

// Installer owns a plugins directory and a credentials directory; both are
// plain directories on the local filesystem (§6 "Persisted layout on
// disk").
type Installer struct {
	pluginsDir     string
	credentialsDir string
	log            corelog.Logger
}

func New(pluginsDir, credentialsDir string, log corelog.Logger) *Installer {
	if log == nil {
		log = corelog.Discard
	}
	return &Installer{pluginsDir: pluginsDir, credentialsDir: credentialsDir, log: log}
}

// InstallResult is what install() returns on success: the plugin name, the
// checked-out commit, and the credential keys the operator still needs to
// provision.
type InstallResult struct {
	Name                string
	Commit              string
	RequiredCredentials []string
}

// Install installs from a git URL or, as a secondary source, a file://
// path to a pre-fetched .zip/.tar/.tar.gz archive. On any failure after the
// checkout/extraction lands on disk, the plugin directory is removed before
// returning — invariant 4: "the plugin directory exists ⇒ a validated
// manifest.json was present at install time".
func (in *Installer) Install(ctx context.Context, rawURL, nameOverride string) (InstallResult, error) {
	if archivePath, ok := archiveSourcePath(rawURL); ok {
		return in.installFromArchive(archivePath, nameOverride)
	}

	if err := validateCloneURL(rawURL); err != nil {
		return InstallResult{}, err
	}

	name := nameOverride
	if name == "" {
		name = deriveName(rawURL)
	}
	if err := catalog.ValidatePluginName(name); err != nil {
		return InstallResult{}, err
	}

	dest := filepath.Join(in.pluginsDir, name)
	if _, err := os.Stat(dest); err == nil {
		return InstallResult{}, fmt.Errorf("installer: plugin directory %q already exists", name)
	}

	manifest, commit, err := in.cloneSanitizeAndValidate(ctx, rawURL, dest)
	if err != nil {
		return InstallResult{}, err
	}

	in.log.Info("installed plugin", "name", name, "url", rawURL, "commit", commit)
	return InstallResult{Name: name, Commit: commit, RequiredCredentials: manifest.Install.Credentials}, nil
}

// archiveSourcePath reports whether rawURL names a file:// archive Install
// should extract instead of cloning, returning its local filesystem path.
func archiveSourcePath(rawURL string) (string, bool) {
	trimmed := strings.TrimSpace(rawURL)
	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme != "file" {
		return "", false
	}
	path := u.Path
	if path == "" {
		path = u.Opaque
	}
	if pluginarchive.Kind(path) == "" {
		return "", false
	}
	return path, true
}

// installFromArchive extracts archivePath directly into the new plugin's
// directory and validates the resulting manifest, the same
// clone-then-sanitize-then-validate shape as the git path minus the git
// phases (there is no hooks/config/commit concept for an archive install).
func (in *Installer) installFromArchive(archivePath, nameOverride string) (InstallResult, error) {
	if _, err := os.Stat(archivePath); err != nil {
		return InstallResult{}, fmt.Errorf("installer: archive not found: %w", err)
	}

	name := nameOverride
	if name == "" {
		name = deriveArchiveName(archivePath)
	}
	if err := catalog.ValidatePluginName(name); err != nil {
		return InstallResult{}, err
	}

	dest := filepath.Join(in.pluginsDir, name)
	if _, err := os.Stat(dest); err == nil {
		return InstallResult{}, fmt.Errorf("installer: plugin directory %q already exists", name)
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return InstallResult{}, fmt.Errorf("installer: create plugin directory: %w", err)
	}

	if err := pluginarchive.Extract(archivePath, dest); err != nil {
		removeAll(dest, in.log)
		return InstallResult{}, err
	}
	manifest, err := catalog.LoadManifest(dest)
	if err != nil {
		removeAll(dest, in.log)
		return InstallResult{}, err
	}

	in.log.Info("installed plugin from archive", "name", name, "archive", archivePath)
	return InstallResult{Name: name, RequiredCredentials: manifest.Install.Credentials}, nil
}

// cloneSanitizeAndValidate runs the clone, sanitize, and manifest-load
// steps shared by Install, removing dest on any failure after the clone.
// It does not validate rawURL's scheme — that is Install's job before the
// plugin name is even derived.
func (in *Installer) cloneSanitizeAndValidate(ctx context.Context, rawURL, dest string) (catalog.Manifest, string, error) {
	if err := gitsanitize.Clone(ctx, rawURL, dest); err != nil {
		return catalog.Manifest{}, "", err
	}
	root, err := gitsanitize.GitRoot(dest)
	if err != nil {
		removeAll(dest, in.log)
		return catalog.Manifest{}, "", fmt.Errorf("installer: resolve checkout root: %w", err)
	}
	wantRoot, rootErr := filepath.EvalSymlinks(dest)
	if rootErr != nil {
		wantRoot = filepath.Clean(dest)
	}
	gotRoot, gotErr := filepath.EvalSymlinks(root)
	if gotErr != nil {
		gotRoot = filepath.Clean(root)
	}
	if gotRoot != wantRoot {
		removeAll(dest, in.log)
		return catalog.Manifest{}, "", fmt.Errorf("installer: checkout root %q does not match install directory %q", gotRoot, wantRoot)
	}
	if err := in.finishInstall(dest); err != nil {
		removeAll(dest, in.log)
		return catalog.Manifest{}, "", err
	}
	manifest, err := catalog.LoadManifest(dest)
	if err != nil {
		removeAll(dest, in.log)
		return catalog.Manifest{}, "", err
	}
	commit, err := gitsanitize.HeadCommit(dest)
	if err != nil {
		removeAll(dest, in.log)
		return catalog.Manifest{}, "", fmt.Errorf("installer: resolve head commit: %w", err)
	}
	return manifest, commit, nil
}

// finishInstall runs the sanitizer and fails the install if it rejects the
// checkout, so callers uniformly clean up via their own removeAll+return.
func (in *Installer) finishInstall(dest string) error {
	report, err := gitsanitize.Sanitize(dest)
	if err != nil {
		return err
	}
	if report.Rejected {
		return fmt.Errorf("installer: sanitize rejected checkout: %s", strings.Join(report.Reasons, "; "))
	}
	return nil
}

// List enumerates installed plugin directories via catalog.Discover.
// Built-ins have no on-disk directory and are not included.
func (in *Installer) List() ([]catalog.DiscoveredPlugin, error) {
	return catalog.Discover(in.pluginsDir)
}

// RemoveResult reports whether a restart is needed after removal, matching
// spec's "requires_restart: true" on every successful remove.
type RemoveResult struct {
	RequiresRestart bool
}

// Remove deletes name's plugin directory, and optionally its credential
// directory. Built-ins are never removable; a missing plugin is an error.
func (in *Installer) Remove(name string, removeCredentials bool) (RemoveResult, error) {
	if err := catalog.ValidatePluginName(name); err != nil {
		return RemoveResult{}, err
	}
	dir := filepath.Join(in.pluginsDir, name)
	if _, err := os.Stat(dir); err != nil {
		return RemoveResult{}, fmt.Errorf("installer: plugin %q not installed", name)
	}
	if err := os.RemoveAll(dir); err != nil {
		return RemoveResult{}, fmt.Errorf("installer: remove plugin dir: %w", err)
	}
	if removeCredentials {
		credDir := filepath.Join(in.credentialsDir, name)
		if err := os.RemoveAll(credDir); err != nil {
			return RemoveResult{}, fmt.Errorf("installer: remove credentials dir: %w", err)
		}
	}
	in.log.Info("removed plugin", "name", name)
	return RemoveResult{RequiresRestart: true}, nil
}

// UpdateResult reports manifest diffs useful to an operator after a git
// fetch+checkout.
type UpdateResult struct {
	Commit                   string
	NewlyRequiredCredentials []string
}

// Update fetches the latest default-branch tip for a git-backed install,
// re-sanitizes and re-validates the checkout, and reports any newly
// required credential keys relative to the previous manifest.
func (in *Installer) Update(ctx context.Context, name string) (UpdateResult, error) {
	dir := filepath.Join(in.pluginsDir, name)
	if !gitsanitize.IsDir(filepath.Join(dir, ".git")) {
		return UpdateResult{}, fmt.Errorf("installer: plugin %q is not a git-backed install", name)
	}
	oldManifest, err := catalog.LoadManifest(dir)
	if err != nil {
		return UpdateResult{}, fmt.Errorf("installer: read existing manifest: %w", err)
	}

	if err := gitsanitize.Fetch(ctx, dir); err != nil {
		return UpdateResult{}, err
	}
	branch, err := gitsanitize.DefaultBranch(dir)
	if err != nil {
		return UpdateResult{}, err
	}
	if err := gitsanitize.Checkout(ctx, dir, "origin/"+branch); err != nil {
		return UpdateResult{}, err
	}
	if err := in.finishInstall(dir); err != nil {
		return UpdateResult{}, err
	}
	newManifest, err := catalog.LoadManifest(dir)
	if err != nil {
		return UpdateResult{}, err
	}
	commit, err := gitsanitize.HeadCommit(dir)
	if err != nil {
		return UpdateResult{}, fmt.Errorf("installer: resolve head commit: %w", err)
	}

	return UpdateResult{
		Commit:                   commit,
		NewlyRequiredCredentials: diffCredentials(oldManifest.Install.Credentials, newManifest.Install.Credentials),
	}, nil
}

func diffCredentials(old, new []string) []string {
	oldSet := make(map[string]bool, len(old))
	for _, k := range old {
		oldSet[k] = true
	}
	var added []string
	for _, k := range new {
		if !oldSet[k] {
			added = append(added, k)
		}
	}
	return added
}

// Configure merges key=value into a plugin's config.json, type-checking
// value against the manifest's declared config_schema.
func (in *Installer) Configure(name, key string, value any) error {
	dir := filepath.Join(in.pluginsDir, name)
	manifest, err := catalog.LoadManifest(dir)
	if err != nil {
		return err
	}
	if len(manifest.ConfigSchema) == 0 {
		return fmt.Errorf("installer: plugin %q declares no config_schema", name)
	}
	var schema map[string]any
	if err := json.Unmarshal(manifest.ConfigSchema, &schema); err != nil {
		return fmt.Errorf("installer: parse config_schema: %w", err)
	}
	props, _ := schema["properties"].(map[string]any)
	propSchema, ok := props[key]
	if !ok {
		return fmt.Errorf("installer: unknown config key %q", key)
	}
	if err := typeCheck(propSchema, value); err != nil {
		return fmt.Errorf("installer: config key %q: %w", key, err)
	}

	configPath := filepath.Join(dir, "config.json")
	cfg := map[string]any{}
	if b, err := os.ReadFile(configPath); err == nil {
		_ = json.Unmarshal(b, &cfg)
	}
	cfg[key] = value
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("installer: marshal config: %w", err)
	}
	if err := os.WriteFile(configPath, b, 0o644); err != nil {
		return fmt.Errorf("installer: write config: %w", err)
	}
	return nil
}

func typeCheck(propSchema any, value any) error {
	m, ok := propSchema.(map[string]any)
	if !ok {
		return nil
	}
	want, _ := m["type"].(string)
	switch want {
	case "string":
		if _, ok := value.(string); !ok {
			return fmt.Errorf("expected string")
		}
	case "number":
		if _, ok := value.(float64); !ok {
			return fmt.Errorf("expected number")
		}
	case "integer":
		f, ok := value.(float64)
		if !ok || f != float64(int64(f)) {
			return fmt.Errorf("expected integer")
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("expected boolean")
		}
	case "array":
		if _, ok := value.([]any); !ok {
			return fmt.Errorf("expected array")
		}
	case "object":
		if _, ok := value.(map[string]any); !ok {
			return fmt.Errorf("expected object")
		}
	}
	return nil
}

func validateCloneURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("installer: url required")
	}
	if shellMetaChars.MatchString(raw) {
		return fmt.Errorf("installer: url contains disallowed characters")
	}
	if strings.HasPrefix(raw, "git@") {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "https" {
		return fmt.Errorf("installer: url must start with https:// or git@")
	}
	return nil
}

func deriveName(rawURL string) string {
	trimmed := strings.TrimSuffix(strings.TrimRight(rawURL, "/"), ".git")
	idx := strings.LastIndexAny(trimmed, "/:")
	if idx == -1 {
		return trimmed
	}
	return trimmed[idx+1:]
}

// deriveArchiveName strips the archive's directory and extension, so
// "/tmp/acme-plugin.tar.gz" derives the plugin name "acme-plugin".
func deriveArchiveName(archivePath string) string {
	base := filepath.Base(archivePath)
	for _, suffix := range []string{".tar.gz", ".tgz", ".tar", ".zip"} {
		if strings.HasSuffix(strings.ToLower(base), suffix) {
			return base[:len(base)-len(suffix)]
		}
	}
	return base
}

func removeAll(path string, log corelog.Logger) {
	if err := os.RemoveAll(path); err != nil {
		log.Error("cleanup after failed install", "path", path, "err", err)
	}
}
