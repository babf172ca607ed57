// Package gitsanitize clones plugin source repositories and hardens them
// against the standard git-based attack surface (hook execution, dangerous
// local config, submodules, symlink escapes) before anything else touches
// the checkout.
package gitsanitize

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Clone performs a shallow, single-branch clone with hook execution and
// symlink checkout disabled at clone time, so the working tree that lands on
// disk never ran an untrusted hook even for an instant.
func Clone(ctx context.Context, url, dest string) error {
	url = strings.TrimSpace(url)
	dest = strings.TrimSpace(dest)
	if url == "" || dest == "" {
		return fmt.Errorf("gitsanitize: clone url and dest required")
	}
	if _, err := exec.LookPath("git"); err != nil {
		return fmt.Errorf("gitsanitize: git not found in PATH")
	}
	args := []string{
		"clone",
		"--depth", "1",
		"--single-branch",
		"--no-tags",
		"-c", "core.hooksPath=/dev/null",
		"-c", "core.symlinks=false",
		url, dest,
	}
	cmd := exec.CommandContext(ctx, "git", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("gitsanitize: clone failed: %w: %s", err, msg)
		}
		return fmt.Errorf("gitsanitize: clone failed: %w", err)
	}
	return nil
}

// Report is the outcome of running all sanitization phases against a
// checkout. Rejected is true if any phase found a problem; every phase runs
// regardless of earlier phases' outcome, so Reasons can name more than one
// violation per checkout.
type Report struct {
	Rejected bool
	Reasons  []string
}

func (r *Report) reject(format string, args ...any) {
	r.Rejected = true
	r.Reasons = append(r.Reasons, fmt.Sprintf(format, args...))
}

// Sanitize runs the four hardening phases against repoDir in a fixed order.
// No phase short-circuits the others: a repository can be rejected for
// several independent reasons at once, which gives the audit trail (and the
// operator) the full picture in a single pass.
func Sanitize(repoDir string) (Report, error) {
	var report Report
	repoDir = strings.TrimSpace(repoDir)
	if repoDir == "" {
		return report, fmt.Errorf("gitsanitize: repo dir required")
	}

	if err := stripHooks(repoDir); err != nil {
		return report, fmt.Errorf("gitsanitize: hook removal: %w", err)
	}

	strippedKeys, err := stripDangerousConfig(repoDir)
	if err != nil {
		return report, fmt.Errorf("gitsanitize: config stripping: %w", err)
	}
	if len(strippedKeys) > 0 {
		report.reject("stripped dangerous local config: %s", strings.Join(strippedKeys, ", "))
	}

	if paths, err := gitmodulesPaths(repoDir); err != nil {
		return report, fmt.Errorf("gitsanitize: gitmodules check: %w", err)
	} else if len(paths) > 0 {
		report.reject("repository declares submodules: %s", strings.Join(paths, ", "))
	}

	if links, err := findSymlinks(repoDir); err != nil {
		return report, fmt.Errorf("gitsanitize: symlink scan: %w", err)
	} else if len(links) > 0 {
		report.reject("repository contains symlinks: %s", strings.Join(links, ", "))
	}

	return report, nil
}

// stripHooks deletes every file under .git/hooks except the *.sample
// templates git itself ships, regardless of what core.hooksPath was set to
// during clone.
func stripHooks(repoDir string) error {
	hooksDir := filepath.Join(repoDir, ".git", "hooks")
	entries, err := os.ReadDir(hooksDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasSuffix(entry.Name(), ".sample") {
			continue
		}
		if err := os.Remove(filepath.Join(hooksDir, entry.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

// dangerousConfigKeys are local git config keys capable of executing
// arbitrary commands or redirecting fetches/pushes when later git
// operations run against this checkout. filter.*.{clean,smudge,process} is
// a wildcard: any filter subsection's driver commands are dangerous,
// regardless of the filter's name.
var dangerousConfigKeys = []string{
	"core.fsmonitor",
	"core.hookspath",
	"core.sshcommand",
	"core.pager",
	"core.editor",
	"diff.external",
	"credential.helper",
}

// isDangerousConfigKey reports whether name (already lowercased) matches the
// deny list, handling the filter.*.{clean,smudge,process} wildcard.
func isDangerousConfigKey(name string) bool {
	for _, key := range dangerousConfigKeys {
		if name == key {
			return true
		}
	}
	if !strings.HasPrefix(name, "filter.") {
		return false
	}
	switch {
	case strings.HasSuffix(name, ".clean"), strings.HasSuffix(name, ".smudge"), strings.HasSuffix(name, ".process"):
		return true
	}
	return false
}

// stripDangerousConfig enumerates every key actually present in the
// checkout's local config (not a fixed probe list) and unsets any that
// matches the deny list case-insensitively, so a key this list never
// anticipated by name still gets caught as long as it falls under one of
// the denied sections.
func stripDangerousConfig(repoDir string) ([]string, error) {
	list := exec.Command("git", "config", "--local", "--name-only", "--list")
	list.Dir = repoDir
	out, err := list.Output()
	if err != nil {
		// An empty or missing local config is not an error: there is
		// simply nothing to strip.
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return nil, nil
		}
		return nil, fmt.Errorf("listing local config: %w", err)
	}

	var stripped []string
	for _, name := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if !isDangerousConfigKey(strings.ToLower(name)) {
			continue
		}
		unset := exec.Command("git", "config", "--local", "--unset-all", name)
		unset.Dir = repoDir
		if err := unset.Run(); err != nil {
			return stripped, fmt.Errorf("unsetting %s: %w", name, err)
		}
		stripped = append(stripped, name)
	}
	return stripped, nil
}

func findSymlinks(repoDir string) ([]string, error) {
	var links []string
	err := filepath.Walk(repoDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Name() == ".git" && info.IsDir() {
			return filepath.SkipDir
		}
		if info.Mode()&os.ModeSymlink != 0 {
			rel, relErr := filepath.Rel(repoDir, path)
			if relErr != nil {
				rel = path
			}
			links = append(links, rel)
		}
		return nil
	})
	return links, err
}

// GitRoot reports the top-level directory of the git repository containing
// dir, used by the installer to confirm a freshly cloned checkout is really
// its own repository root and not nested inside another one.
func GitRoot(dir string) (string, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return "", fmt.Errorf("git root: dir required")
	}
	if _, err := exec.LookPath("git"); err != nil {
		return "", fmt.Errorf("git not found in PATH")
	}
	cmd := exec.Command("git", "rev-parse", "--show-toplevel")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git root not found (run inside a git repo): %w", err)
	}
	root := strings.TrimSpace(string(out))
	if root == "" {
		return "", fmt.Errorf("git root not found")
	}
	return filepath.Clean(root), nil
}

// HeadCommit returns the checked-out commit hash, which the installer
// reports in its install and update results.
func HeadCommit(repoDir string) (string, error) {
	repoDir = strings.TrimSpace(repoDir)
	if repoDir == "" {
		return "", fmt.Errorf("repo dir required")
	}
	cmd := exec.Command("git", "rev-parse", "HEAD")
	cmd.Dir = repoDir
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func IsDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// Fetch runs a shallow fetch of origin, used by update() before resolving
// the default branch and checking out its tip.
func Fetch(ctx context.Context, repoDir string) error {
	cmd := exec.CommandContext(ctx, "git", "fetch", "--depth", "1", "origin")
	cmd.Dir = repoDir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("gitsanitize: fetch failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// DefaultBranch resolves origin/HEAD, the branch update() checks out.
func DefaultBranch(repoDir string) (string, error) {
	cmd := exec.Command("git", "symbolic-ref", "refs/remotes/origin/HEAD")
	cmd.Dir = repoDir
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("gitsanitize: resolve default branch: %w", err)
	}
	ref := strings.TrimSpace(string(out))
	return strings.TrimPrefix(ref, "refs/remotes/origin/"), nil
}

// Checkout checks out ref in repoDir.
func Checkout(ctx context.Context, repoDir, ref string) error {
	cmd := exec.CommandContext(ctx, "git", "checkout", ref)
	cmd.Dir = repoDir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("gitsanitize: checkout %s failed: %w: %s", ref, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
