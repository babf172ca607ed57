package containerrt

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"
)

const (
	LabelApp     = "carapace.app"
	LabelGroup   = "carapace.group"
	LabelSession = "carapace.session"
)

const AppLabelValue = "carapace-session"

// ContainerName builds the supervisor's naming convention for a spawned
// sandbox: <tag>-<group>-<rand>. tag identifies the deployment (defaults to
// "carapace"); rand is a short hex suffix unique to this spawn attempt.
func ContainerName(tag, group string) (string, error) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		tag = "carapace"
	}
	group = strings.TrimSpace(group)
	if group == "" {
		return "", errors.New("group required")
	}
	suffix, err := randomSuffix(4)
	if err != nil {
		return "", err
	}
	return tag + "-" + group + "-" + suffix, nil
}

func randomSuffix(nBytes int) (string, error) {
	buf := make([]byte, nBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// SpawnOptions is the concrete shape the Docker and Podman drivers read from
// RunOptions, which embeds it: the abstract "run(options)" contract from the runtime
// interface, translated into container.Config/HostConfig/NetworkingConfig.
type SpawnOptions struct {
	Tag            string
	Group          string
	SessionID      string
	Image          string
	Command        []string
	Env            map[string]string
	WorkspaceHost  string
	ConfigsHost    string
	Network        string
	ForwardPorts   string
	DockerSocket   bool
	ReadOnlyRootFS bool
	CPUQuota       int64
	MemoryBytes    int64
	SkillsMount    bool
}

func BuildSpawnSpec(opts SpawnOptions) (ContainerSpec, error) {
	if strings.TrimSpace(opts.Image) == "" {
		return ContainerSpec{}, errors.New("image required")
	}
	if strings.TrimSpace(opts.Group) == "" {
		return ContainerSpec{}, errors.New("group required")
	}
	if strings.TrimSpace(opts.WorkspaceHost) == "" {
		return ContainerSpec{}, errors.New("workspace host path required")
	}
	name, err := ContainerName(opts.Tag, opts.Group)
	if err != nil {
		return ContainerSpec{}, err
	}

	labels := map[string]string{
		LabelApp:   AppLabelValue,
		LabelGroup: opts.Group,
	}
	if strings.TrimSpace(opts.SessionID) != "" {
		labels[LabelSession] = opts.SessionID
	}

	env := []string{
		"HOME=/root",
		"CARAPACE_GROUP=" + opts.Group,
		"CARAPACE_SESSION=" + opts.SessionID,
		"LANG=C.UTF-8",
		"LC_ALL=C.UTF-8",
	}
	for k, v := range opts.Env {
		env = appendOptionalEnv(env, k, v)
	}

	var exposed nat.PortSet
	var bindings map[nat.Port][]nat.PortBinding
	if strings.TrimSpace(opts.ForwardPorts) != "" {
		exposed, bindings, err = parseForwardPorts(opts.ForwardPorts)
		if err != nil {
			return ContainerSpec{}, err
		}
	}

	cfg := &container.Config{
		Image:        opts.Image,
		WorkingDir:   "/workspace",
		Env:          env,
		Labels:       labels,
		Cmd:          opts.Command,
		ExposedPorts: exposed,
		User:         "root",
	}

	mounts := BuildContainerCoreMounts(ContainerCoreMountPlan{
		WorkspaceHost:          opts.WorkspaceHost,
		WorkspacePrimaryTarget: "/workspace",
		ContainerHome:          "/root",
		IncludeHostSi:          opts.SkillsMount,
	})
	if opts.DockerSocket {
		if socketMount, ok := DockerSocketMount(); ok {
			mounts = append(mounts, socketMount)
		}
	}

	hostCfg := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: "no"},
		Mounts:        mounts,
		PortBindings:  bindings,
		ReadonlyRootfs: opts.ReadOnlyRootFS,
	}
	if opts.CPUQuota > 0 {
		hostCfg.Resources.CPUQuota = opts.CPUQuota
		hostCfg.Resources.CPUPeriod = 100000
	}
	if opts.MemoryBytes > 0 {
		hostCfg.Resources.Memory = opts.MemoryBytes
	}

	netName := opts.Network
	if strings.TrimSpace(netName) == "" {
		netName = DefaultNetwork
	}
	netCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			netName: {Aliases: []string{name}},
		},
	}

	return ContainerSpec{
		Name:          name,
		Config:        cfg,
		HostConfig:    hostCfg,
		NetworkConfig: netCfg,
	}, nil
}

func appendOptionalEnv(env []string, key, val string) []string {
	if strings.TrimSpace(key) == "" || strings.TrimSpace(val) == "" {
		return env
	}
	return append(env, key+"="+val)
}

func parseForwardPorts(raw string) (nat.PortSet, map[nat.Port][]nat.PortBinding, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil, nil
	}
	ports := []int{}
	parts := strings.Split(raw, ",")
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "-") {
			rangeParts := strings.SplitN(part, "-", 2)
			if len(rangeParts) != 2 {
				return nil, nil, fmt.Errorf("invalid port range %q", part)
			}
			start, end, err := parsePortRange(rangeParts[0], rangeParts[1])
			if err != nil {
				return nil, nil, err
			}
			for p := start; p <= end; p++ {
				ports = append(ports, p)
			}
			continue
		}
		p, err := parsePort(part)
		if err != nil {
			return nil, nil, err
		}
		ports = append(ports, p)
	}
	if len(ports) == 0 {
		return nil, nil, errors.New("no forward ports")
	}
	exposed := nat.PortSet{}
	bindings := map[nat.Port][]nat.PortBinding{}
	for _, port := range ports {
		key := nat.Port(fmt.Sprintf("%d/tcp", port))
		exposed[key] = struct{}{}
		bindings[key] = []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: ""}}
	}
	return exposed, bindings, nil
}

func parsePortRange(startRaw, endRaw string) (int, int, error) {
	start, err := parsePort(startRaw)
	if err != nil {
		return 0, 0, err
	}
	end, err := parsePort(endRaw)
	if err != nil {
		return 0, 0, err
	}
	if end < start {
		return 0, 0, fmt.Errorf("invalid port range %d-%d", start, end)
	}
	return start, end, nil
}

func parsePort(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, errors.New("port required")
	}
	port, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", raw)
	}
	if port <= 0 || port > 65535 {
		return 0, fmt.Errorf("invalid port %d", port)
	}
	return port, nil
}

// ContainerSpec is the driver-neutral container creation payload: a name
// plus the three Docker Engine API structs a create call needs. Podman's
// Docker-API-compatible socket accepts the identical shape.
type ContainerSpec struct {
	Name          string
	Config        *container.Config
	HostConfig    *container.HostConfig
	NetworkConfig *network.NetworkingConfig
}

const DefaultNetwork = "carapace"
