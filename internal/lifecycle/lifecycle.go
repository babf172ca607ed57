// Package lifecycle implements the ContainerLifecycleManager: spawn,
// graceful-then-forced shutdown, orphan cleanup, and status queries on
// top of the containerrt.Runtime driver contract.
package lifecycle

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"carapace/internal/containerrt"
	"carapace/internal/corelog"
	"carapace/internal/registry"
)

// SpawnRequest is the caller-supplied intent for a new session.
type SpawnRequest struct {
	Group string
	Tag   string
	Image string
	Env   map[string]string

	WorkspaceHost string
	Network       string
	DockerSocket  bool
	SkillsMount   bool
}

// SpawnResult pairs the container handle with the session recorded for it.
type SpawnResult struct {
	Handle  containerrt.Handle
	Session registry.Session
}

// EnvConnectionIdentity is the environment variable name the container
// receives the hex-encoded connection identity under, so the agent inside
// can address its own request-channel frames.
const EnvConnectionIdentity = "CARAPACE_CONNECTION_IDENTITY"

// Manager is the ContainerLifecycleManager. One instance owns every
// Session and ContainerHandle created through it; every other component
// holds only lookup keys and consults Registry.
type Manager struct {
	runtime  containerrt.Runtime
	registry *registry.Registry
	log      corelog.Logger

	mu           sync.Mutex
	shutdownSeen map[string]bool
}

func New(runtime containerrt.Runtime, reg *registry.Registry, log corelog.Logger) *Manager {
	if log == nil {
		log = corelog.Discard
	}
	return &Manager{runtime: runtime, registry: reg, log: log, shutdownSeen: make(map[string]bool)}
}

// Spawn builds run options from req, generates a random connection
// identity, starts the container via the runtime, and records the
// session. Runtime errors propagate without creating a session.
func (m *Manager) Spawn(ctx context.Context, req SpawnRequest) (SpawnResult, error) {
	if req.Group == "" {
		return SpawnResult{}, fmt.Errorf("lifecycle: spawn requires a group")
	}
	identity, err := randomIdentity()
	if err != nil {
		return SpawnResult{}, fmt.Errorf("lifecycle: generate connection identity: %w", err)
	}

	env := make(map[string]string, len(req.Env)+1)
	for k, v := range req.Env {
		env[k] = v
	}
	env[EnvConnectionIdentity] = identity

	opts := containerrt.SpawnOptions{
		Tag:           req.Tag,
		Group:         req.Group,
		Image:         req.Image,
		Env:           env,
		WorkspaceHost: req.WorkspaceHost,
		Network:       req.Network,
		DockerSocket:  req.DockerSocket,
		SkillsMount:   req.SkillsMount,
	}

	if err := m.runtime.Pull(ctx, req.Image); err != nil {
		m.log.Warn("image pull failed, attempting run against local cache", "image", req.Image, "err", err)
	}

	handle, err := m.runtime.Run(ctx, containerrt.RunOptions{SpawnOptions: opts})
	if err != nil {
		return SpawnResult{}, fmt.Errorf("lifecycle: run container: %w", err)
	}

	now := time.Now()
	sess := registry.Session{
		SessionID:          handle.ID,
		Group:              req.Group,
		ContainerID:        handle.ID,
		ConnectionIdentity: identity,
		StartedAt:          now,
		LastActivityAt:     now,
		State:              registry.StateRunning,
	}
	m.registry.Put(sess)
	m.log.Info("spawned session", "sessionId", sess.SessionID, "group", sess.Group, "container", handle.Name)

	return SpawnResult{Handle: handle, Session: sess}, nil
}

// Shutdown runs the graceful-then-forced protocol: stop with a timeout,
// kill on timeout, always attempt remove, always remove the session. A
// second concurrent call for the same session observes false.
func (m *Manager) Shutdown(ctx context.Context, sessionID string, timeout time.Duration) bool {
	m.mu.Lock()
	if m.shutdownSeen[sessionID] {
		m.mu.Unlock()
		return false
	}
	m.shutdownSeen[sessionID] = true
	m.mu.Unlock()

	sess, ok := m.registry.BySessionID(sessionID)
	if !ok {
		return false
	}

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	stopErr := m.runtime.Stop(stopCtx, sess.ContainerID, timeout)
	cancel()

	if stopErr != nil {
		if err := m.runtime.Kill(ctx, sess.ContainerID); err != nil {
			m.log.Error("kill after failed stop", "sessionId", sessionID, "err", err)
		}
	}

	if err := m.runtime.Remove(ctx, sess.ContainerID); err != nil {
		m.log.Error("remove container during shutdown", "sessionId", sessionID, "err", err)
	}

	m.registry.Remove(sessionID)
	m.log.Info("shutdown session", "sessionId", sessionID)
	return true
}

// ShutdownAll shuts down every tracked session concurrently. It never
// returns an error: individual failures are logged and do not block the
// remaining sessions from being torn down.
func (m *Manager) ShutdownAll(ctx context.Context, timeout time.Duration) {
	sessions := m.registry.All()
	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(sessionID string) {
			defer wg.Done()
			m.Shutdown(ctx, sessionID, timeout)
		}(s.SessionID)
	}
	wg.Wait()
}

// CleanupOrphans inspects handles left over from a previous process run.
// Running containers are killed then removed; any other observed state is
// just removed; handles the engine reports missing are skipped. Handles
// belonging to currently-managed sessions are never touched.
func (m *Manager) CleanupOrphans(ctx context.Context, handles []containerrt.Handle) {
	managed := make(map[string]bool)
	for _, s := range m.registry.All() {
		managed[s.ContainerID] = true
	}

	for _, h := range handles {
		if managed[h.ID] {
			continue
		}
		state, err := m.runtime.Inspect(ctx, h.ID)
		if err != nil {
			m.log.Warn("orphan inspect failed, skipping", "container", h.ID, "err", err)
			continue
		}
		if state.ID == "" {
			continue
		}
		if state.State == containerrt.StateRunning {
			if err := m.runtime.Kill(ctx, h.ID); err != nil {
				m.log.Error("orphan kill failed", "container", h.ID, "err", err)
			}
		}
		if err := m.runtime.Remove(ctx, h.ID); err != nil {
			m.log.Error("orphan remove failed", "container", h.ID, "err", err)
		}
	}
}

// GetStatus returns the live ContainerState for a session, or ok=false if
// the session is not tracked.
func (m *Manager) GetStatus(ctx context.Context, sessionID string) (containerrt.Handle, bool) {
	sess, ok := m.registry.BySessionID(sessionID)
	if !ok {
		return containerrt.Handle{}, false
	}
	h, err := m.runtime.Inspect(ctx, sess.ContainerID)
	if err != nil {
		return containerrt.Handle{}, false
	}
	return h, true
}

// GetAll returns every tracked session.
func (m *Manager) GetAll() []registry.Session {
	return m.registry.All()
}

func randomIdentity() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
