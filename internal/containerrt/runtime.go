package containerrt

import (
	"context"
	"strings"
	"time"

	"github.com/docker/docker/api/types"

	"carapace/internal/retrypolicy"
)

// State is the runtime's canonical container lifecycle state, independent
// of which engine produced it.
type State string

const (
	StatePending State = "pending"
	StateRunning State = "running"
	StateStopped State = "stopped"
	StateExited  State = "exited"
	StateUnknown State = "unknown"
)

// Handle identifies a container the runtime created, carrying enough state
// for ContainerLifecycleManager to reconcile it without going back to the
// engine for every field.
type Handle struct {
	ID      string
	Name    string
	Engine  string
	State   State
	Labels  map[string]string
	Started time.Time
}

// RunOptions is the engine-neutral spawn request. Drivers translate this
// into their own create/start call; SpawnOptions (Docker/Podman) is the
// concrete shape both drivers currently share.
type RunOptions struct {
	SpawnOptions
}

// Runtime is the uniform contract ContainerLifecycleManager drives. Exactly
// one concrete implementation is active per supervisor process, selected by
// config.Config.ContainerEngine.
type Runtime interface {
	Run(ctx context.Context, opts RunOptions) (Handle, error)
	Stop(ctx context.Context, id string, timeout time.Duration) error
	Kill(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
	Inspect(ctx context.Context, id string) (Handle, error)
	FindByLabels(ctx context.Context, labels map[string]string) ([]Handle, error)
	Pull(ctx context.Context, image string) error
}

// DockerRuntime implements Runtime against the Docker Engine API.
type DockerRuntime struct {
	client *Client
}

func NewDockerRuntime(c *Client) *DockerRuntime {
	return &DockerRuntime{client: c}
}

func (r *DockerRuntime) engineName() string { return "docker" }

func (r *DockerRuntime) Run(ctx context.Context, opts RunOptions) (Handle, error) {
	spec, err := BuildSpawnSpec(opts.SpawnOptions)
	if err != nil {
		return Handle{}, err
	}
	if netName := firstNetworkName(spec); netName != "" {
		if _, err := r.client.EnsureNetwork(ctx, netName, nil); err != nil {
			return Handle{}, err
		}
	}
	id, err := r.client.CreateContainer(ctx, spec.Config, spec.HostConfig, spec.NetworkConfig, spec.Name)
	if err != nil {
		return Handle{}, err
	}
	if err := r.client.StartContainer(ctx, id); err != nil {
		return Handle{}, err
	}
	return Handle{ID: id, Name: spec.Name, Engine: r.engineName(), State: StateRunning, Labels: spec.Config.Labels, Started: time.Now()}, nil
}

func (r *DockerRuntime) Stop(ctx context.Context, id string, timeout time.Duration) error {
	return r.client.StopContainer(ctx, id, timeout)
}

func (r *DockerRuntime) Kill(ctx context.Context, id string) error {
	return r.client.KillContainer(ctx, id)
}

func (r *DockerRuntime) Remove(ctx context.Context, id string) error {
	return r.client.RemoveContainer(ctx, id, true)
}

func (r *DockerRuntime) Inspect(ctx context.Context, id string) (Handle, error) {
	return r.inspect(ctx, id, mapInspectState)
}

func (r *DockerRuntime) inspect(ctx context.Context, id string, stateMap func(*types.ContainerState) State) (Handle, error) {
	containerID, info, err := r.client.ContainerByName(ctx, id)
	if err != nil {
		return Handle{}, err
	}
	if containerID == "" {
		return Handle{}, nil
	}
	h := Handle{ID: containerID, Engine: r.engineName(), State: StateUnknown}
	if info != nil {
		h.Name = strings.TrimPrefix(info.Name, "/")
		if info.Config != nil {
			h.Labels = info.Config.Labels
		}
		if info.State != nil {
			h.State = stateMap(info.State)
		}
	}
	return h, nil
}

// mapInspectState is DockerRuntime's collapse of the engine's inspected
// container state: "paused" has no dedicated State value and falls into
// StateStopped alongside any other non-running, non-dead, non-created
// status.
func mapInspectState(s *types.ContainerState) State {
	switch {
	case s.Running:
		return StateRunning
	case s.Dead:
		return StateExited
	case s.Status == "created":
		return StatePending
	default:
		return StateStopped
	}
}

// mapInspectStatePodman overrides mapInspectState's collapse for the one
// case Podman's state machine distinguishes and Docker's doesn't: a
// genuinely paused (not stopped) container.
func mapInspectStatePodman(s *types.ContainerState) State {
	if s.Paused {
		return StateRunning
	}
	return mapInspectState(s)
}

func (r *DockerRuntime) FindByLabels(ctx context.Context, labels map[string]string) ([]Handle, error) {
	return r.findByLabels(ctx, labels, mapDockerState)
}

// findByLabels is shared by both drivers; stateMap is applied to each
// container's raw engine-reported status string before it is collapsed
// into the canonical State enum, so a driver-specific override (Podman's
// "paused") sees the original string, not an already-lossy Docker mapping.
func (r *DockerRuntime) findByLabels(ctx context.Context, labels map[string]string, stateMap func(string) State) ([]Handle, error) {
	containers, err := r.client.ListContainers(ctx, true, labels)
	if err != nil {
		return nil, err
	}
	out := make([]Handle, 0, len(containers))
	for _, c := range containers {
		out = append(out, Handle{
			ID:     c.ID,
			Name:   strings.TrimPrefix(firstOrEmpty(c.Names), "/"),
			Engine: r.engineName(),
			State:  stateMap(c.State),
			Labels: c.Labels,
		})
	}
	return out, nil
}

// maxPullAttempts bounds the image pull retry loop; registries under load
// return transient 429s that a single bare attempt would surface as a
// spawn failure.
const maxPullAttempts = 3

func (r *DockerRuntime) Pull(ctx context.Context, image string) error {
	var err error
	for attempt := 1; attempt <= maxPullAttempts; attempt++ {
		err = r.client.PullImage(ctx, image)
		if err == nil {
			return nil
		}
		if attempt == maxPullAttempts {
			break
		}
		if waitErr := retrypolicy.SleepForRetry(ctx, attempt, nil); waitErr != nil {
			return waitErr
		}
	}
	return err
}

// PodmanRuntime reuses the Docker Engine API client against Podman's
// Docker-API-compatible socket. Podman's "paused" container status has no
// equivalent in the canonical State enum and is folded into StateRunning;
// this is a known lossy mapping, flagged rather than silently masked (see
// DESIGN.md Open Questions). mapPodmanState runs against the raw status
// string from the engine, before DockerRuntime's own mapping would collapse
// "paused" into StateStopped.
type PodmanRuntime struct {
	DockerRuntime
}

func NewPodmanRuntime(c *Client) *PodmanRuntime {
	return &PodmanRuntime{DockerRuntime: DockerRuntime{client: c}}
}

func (r *PodmanRuntime) engineName() string { return "podman" }

func (r *PodmanRuntime) Run(ctx context.Context, opts RunOptions) (Handle, error) {
	h, err := r.DockerRuntime.Run(ctx, opts)
	h.Engine = r.engineName()
	return h, err
}

func (r *PodmanRuntime) Inspect(ctx context.Context, id string) (Handle, error) {
	h, err := r.DockerRuntime.inspect(ctx, id, mapInspectStatePodman)
	h.Engine = r.engineName()
	return h, err
}

func (r *PodmanRuntime) FindByLabels(ctx context.Context, labels map[string]string) ([]Handle, error) {
	handles, err := r.DockerRuntime.findByLabels(ctx, labels, mapPodmanState)
	for i := range handles {
		handles[i].Engine = r.engineName()
	}
	return handles, err
}

func firstNetworkName(spec ContainerSpec) string {
	if spec.NetworkConfig == nil {
		return ""
	}
	for name := range spec.NetworkConfig.EndpointsConfig {
		return name
	}
	return ""
}

func firstOrEmpty(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

func mapDockerState(raw string) State {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "running":
		return StateRunning
	case "created":
		return StatePending
	case "exited", "dead":
		return StateExited
	case "paused", "restarting":
		return StateStopped
	default:
		return StateUnknown
	}
}

// mapPodmanState overrides mapDockerState's collapse of the one status
// Podman's engine reports that Docker's state machine has no equivalent
// for: "paused", which isn't stopped. It runs against the raw status
// string, before any collapse into the canonical State enum happens.
func mapPodmanState(raw string) State {
	if strings.ToLower(strings.TrimSpace(raw)) == "paused" {
		return StateRunning
	}
	return mapDockerState(raw)
}

