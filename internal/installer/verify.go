package installer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"carapace/internal/catalog"
)

// SmokeTestFunc is the optional Phase 2 handler capability: a plugin that
// exposes "verify" gets raced against a hard 10-second cap.
type SmokeTestFunc func(ctx context.Context) (detail any, ok bool, err error)

// maxSmokeTestTimeout is the hard cap spec §5 mandates regardless of
// configuration.
const maxSmokeTestTimeout = 10 * time.Second

// CredentialStatus is one declared credential's Phase 1 stat-only result.
type CredentialStatus struct {
	Key string
	OK  bool
	Reason string
}

// VerifyResult is verify()'s full report.
type VerifyResult struct {
	Credentials []CredentialStatus
	SmokeTestOK *bool
	SmokeDetail any
	Ready       bool
}

// Verify runs Phase 1 (always: stat every declared credential file) and,
// if smokeTest is non-nil, Phase 2 (run it with a 10s timeout race). Phase
// 1 never reads file contents, only metadata (mode, size, symlink-ness).
func (in *Installer) Verify(ctx context.Context, name string, smokeTest SmokeTestFunc, sanitize func(any) any) (VerifyResult, error) {
	manifest, err := catalog.LoadManifest(filepath.Join(in.pluginsDir, name))
	if err != nil {
		return VerifyResult{}, err
	}

	var result VerifyResult
	allOK := true
	for _, key := range manifest.Install.Credentials {
		status := in.verifyCredential(name, key)
		if !status.OK {
			allOK = false
		}
		result.Credentials = append(result.Credentials, status)
	}

	if smokeTest != nil {
		smokeCtx, cancel := context.WithTimeout(ctx, maxSmokeTestTimeout)
		defer cancel()
		detail, ok, err := runSmokeTest(smokeCtx, smokeTest)
		if sanitize != nil {
			detail = sanitize(detail)
		}
		result.SmokeDetail = detail
		smokeOK := ok && err == nil
		result.SmokeTestOK = &smokeOK
	}

	result.Ready = allOK && (result.SmokeTestOK == nil || *result.SmokeTestOK)
	return result, nil
}

func runSmokeTest(ctx context.Context, fn SmokeTestFunc) (any, bool, error) {
	type res struct {
		detail any
		ok     bool
		err    error
	}
	done := make(chan res, 1)
	go func() {
		detail, ok, err := fn(ctx)
		done <- res{detail, ok, err}
	}()
	select {
	case r := <-done:
		return r.detail, r.ok, r.err
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

func (in *Installer) verifyCredential(plugin, key string) CredentialStatus {
	path := filepath.Join(in.credentialsDir, plugin, key)
	info, err := os.Lstat(path)
	if err != nil {
		return CredentialStatus{Key: key, Reason: "missing"}
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return CredentialStatus{Key: key, Reason: "is a symlink"}
	}
	perm := info.Mode().Perm()
	if perm != 0o600 && perm != 0o400 {
		return CredentialStatus{Key: key, Reason: fmt.Sprintf("mode %o not in {0600,0400}", perm)}
	}
	if info.Size() == 0 {
		return CredentialStatus{Key: key, Reason: "empty file"}
	}
	return CredentialStatus{Key: key, OK: true}
}
