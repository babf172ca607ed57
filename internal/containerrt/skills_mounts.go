package containerrt

import (
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/mount"
)

// HostSkillsMount returns a read-only bind mount exposing the host's
// ~/.carapace directory inside a spawned container's home, the shared
// "skills volume" a group's sandboxes read reference material from; the
// mount is read-only, so the sandbox never writes to it.
func HostSkillsMount(containerHome string) ([]mount.Mount, bool) {
	containerHome = strings.TrimSpace(containerHome)
	if containerHome == "" {
		return nil, false
	}
	source, ok := hostSkillsDirSource()
	if !ok {
		return nil, false
	}
	return []mount.Mount{{
		Type:     mount.TypeBind,
		Source:   source,
		Target:   path.Join(containerHome, ".carapace"),
		ReadOnly: true,
	}}, true
}

// HasHostSkillsMount reports whether info includes the host ~/.carapace bind
// mount at <containerHome>/.carapace. When the host has no ~/.carapace
// directory there is nothing to mount and it reports true.
func HasHostSkillsMount(info *types.ContainerJSON, containerHome string) bool {
	source, required := hostSkillsDirSource()
	if !required {
		return true
	}
	containerHome = strings.TrimSpace(containerHome)
	if info == nil || containerHome == "" {
		return false
	}
	target := path.Join(containerHome, ".carapace")
	for _, point := range info.Mounts {
		if !strings.EqualFold(strings.TrimSpace(string(point.Type)), "bind") {
			continue
		}
		pointSource := filepath.Clean(strings.TrimSpace(point.Source))
		pointTarget := filepath.ToSlash(strings.TrimSpace(point.Destination))
		if pointSource == source && pointTarget == target {
			return true
		}
	}
	return false
}

func hostSkillsDirSource() (string, bool) {
	hostHome, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(hostHome) == "" {
		return "", false
	}
	dir := filepath.Clean(filepath.Join(hostHome, ".carapace"))
	if !isDir(dir) {
		return "", false
	}
	return dir, true
}

func isDir(p string) bool {
	info, err := os.Stat(p)
	if err != nil {
		return false
	}
	return info.IsDir()
}
