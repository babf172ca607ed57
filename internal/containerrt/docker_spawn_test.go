package containerrt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/docker/docker/api/types/mount"
)

func mountExists(mounts []mount.Mount, source string, target string) bool {
	for _, m := range mounts {
		if filepath.Clean(m.Source) == filepath.Clean(source) && filepath.ToSlash(m.Target) == target {
			return true
		}
	}
	return false
}

func TestBuildSpawnSpecIncludesWorkspaceMount(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	workspace := t.TempDir()

	spec, err := BuildSpawnSpec(SpawnOptions{
		Group:         "default",
		SessionID:     "sess-1",
		Image:         "carapace/sandbox:local",
		WorkspaceHost: workspace,
		Network:       DefaultNetwork,
	})
	if err != nil {
		t.Fatalf("build spec: %v", err)
	}
	if !mountExists(spec.HostConfig.Mounts, workspace, "/workspace") {
		t.Fatalf("spec missing workspace mount: %+v", spec.HostConfig.Mounts)
	}
	if spec.Config.Labels[LabelGroup] != "default" {
		t.Fatalf("expected group label, got %+v", spec.Config.Labels)
	}
	if spec.Config.Labels[LabelSession] != "sess-1" {
		t.Fatalf("expected session label, got %+v", spec.Config.Labels)
	}
}

func TestBuildSpawnSpecIncludesSkillsMount(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	if err := os.MkdirAll(filepath.Join(home, ".carapace"), 0o700); err != nil {
		t.Fatalf("mkdir .carapace: %v", err)
	}
	workspace := t.TempDir()

	spec, err := BuildSpawnSpec(SpawnOptions{
		Group:         "default",
		SessionID:     "sess-2",
		Image:         "carapace/sandbox:local",
		WorkspaceHost: workspace,
		Network:       DefaultNetwork,
		SkillsMount:   true,
	})
	if err != nil {
		t.Fatalf("build spec: %v", err)
	}
	if !mountExists(spec.HostConfig.Mounts, filepath.Join(home, ".carapace"), "/root/.carapace") {
		t.Fatalf("spec missing host ~/.carapace mount: %+v", spec.HostConfig.Mounts)
	}
}

func TestBuildSpawnSpecRejectsMissingImage(t *testing.T) {
	if _, err := BuildSpawnSpec(SpawnOptions{Group: "default", WorkspaceHost: t.TempDir()}); err == nil {
		t.Fatalf("expected error for missing image")
	}
}

func TestBuildSpawnSpecRejectsMissingGroup(t *testing.T) {
	if _, err := BuildSpawnSpec(SpawnOptions{Image: "x", WorkspaceHost: t.TempDir()}); err == nil {
		t.Fatalf("expected error for missing group")
	}
}

func TestContainerNameIncludesGroup(t *testing.T) {
	name, err := ContainerName("carapace", "default")
	if err != nil {
		t.Fatalf("container name: %v", err)
	}
	if !strings.HasPrefix(name, "carapace-default-") {
		t.Fatalf("expected name to start with tag and group, got %q", name)
	}
}
