package containerrt

import (
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types/mount"
)

// ContainerCoreMountPlan defines the workspace + host-state mounts of a
// spawned container.
type ContainerCoreMountPlan struct {
	WorkspaceHost          string
	WorkspacePrimaryTarget string
	WorkspaceMirrorTarget  string
	ContainerHome          string
	IncludeHostSi          bool
	HostVaultEnvFile       string
}

// BuildContainerCoreMounts builds the normalized workspace + host-state
// mount set that BuildSpawnSpec attaches to a spawned container.
func BuildContainerCoreMounts(plan ContainerCoreMountPlan) []mount.Mount {
	workspaceHost := filepath.Clean(strings.TrimSpace(plan.WorkspaceHost))
	if workspaceHost == "" || !strings.HasPrefix(workspaceHost, "/") {
		return nil
	}
	primary := filepath.ToSlash(strings.TrimSpace(plan.WorkspacePrimaryTarget))
	if primary == "" || !strings.HasPrefix(primary, "/") {
		primary = "/workspace"
	}
	mirror := filepath.ToSlash(strings.TrimSpace(plan.WorkspaceMirrorTarget))

	mounts := make([]mount.Mount, 0, 3)
	appendUniqueMount(&mounts, mount.Mount{
		Type:   mount.TypeBind,
		Source: workspaceHost,
		Target: primary,
	})
	if mirror != "" && mirror != primary && strings.HasPrefix(mirror, "/") {
		appendUniqueMount(&mounts, mount.Mount{
			Type:   mount.TypeBind,
			Source: workspaceHost,
			Target: mirror,
		})
	}
	if plan.IncludeHostSi {
		if skillMounts, ok := HostSkillsMount(plan.ContainerHome); ok {
			for _, m := range skillMounts {
				appendUniqueMount(&mounts, m)
			}
		}
	}
	if m, ok := hostCredentialFileMount(plan.HostVaultEnvFile); ok {
		appendUniqueMount(&mounts, m)
	}
	return mounts
}

// hostCredentialFileMount bind-mounts a single host credential file into the
// container at the identical path, read-only. The supervisor never reads the
// file's contents itself (Credential file verification is stat-only, per
// §4.7 Phase 1); the mount exists purely so the sandboxed process can read
// the secret the operator placed there.
func hostCredentialFileMount(hostPath string) (mount.Mount, bool) {
	hostPath = filepath.Clean(strings.TrimSpace(hostPath))
	if hostPath == "" || !strings.HasPrefix(hostPath, "/") {
		return mount.Mount{}, false
	}
	return mount.Mount{
		Type:     mount.TypeBind,
		Source:   hostPath,
		Target:   filepath.ToSlash(hostPath),
		ReadOnly: true,
	}, true
}

func appendUniqueMount(dst *[]mount.Mount, next mount.Mount) {
	if dst == nil {
		return
	}
	src := filepath.Clean(strings.TrimSpace(next.Source))
	target := filepath.ToSlash(strings.TrimSpace(next.Target))
	mType := strings.TrimSpace(string(next.Type))
	if src == "" || target == "" || mType == "" {
		return
	}
	next.Source = src
	next.Target = target
	for _, existing := range *dst {
		if filepath.Clean(strings.TrimSpace(existing.Source)) == src &&
			filepath.ToSlash(strings.TrimSpace(existing.Target)) == target &&
			strings.EqualFold(strings.TrimSpace(string(existing.Type)), mType) {
			return
		}
	}
	*dst = append(*dst, next)
}
