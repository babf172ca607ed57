package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"carapace/internal/audit"
	"carapace/internal/catalog"
	"carapace/internal/config"
	"carapace/internal/containerrt"
	"carapace/internal/coreerr"
	"carapace/internal/corelog"
	"carapace/internal/dispatch"
	"carapace/internal/lifecycle"
	"carapace/internal/pipeline"
	"carapace/internal/pluginexec"
	"carapace/internal/preapproval"
	"carapace/internal/registry"
	"carapace/internal/sanitize"
	"carapace/internal/transport"
)

func startCommand() *cli.Command {
	return &cli.Command{
		Name:  "start",
		Usage: "run the supervisor in the foreground until stopped",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			return runSupervisor(cfg)
		},
	}
}

func stopCommand() *cli.Command {
	return &cli.Command{
		Name:  "stop",
		Usage: "ask a running supervisor (API mode) to shut down gracefully",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			return controlPost(cfg, "/shutdown", nil)
		},
	}
}

func confirmCommand() *cli.Command {
	return &cli.Command{
		Name:      "confirm",
		Usage:     "grant a one-shot pre-approval for a pending high-risk tool call",
		ArgsUsage: "<correlationId>",
		Action: func(c *cli.Context) error {
			if c.Args().Len() != 1 {
				return cli.Exit("confirm requires exactly one <correlationId> argument", 2)
			}
			cfg, err := loadConfig(c)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			return controlPost(cfg, "/confirm", map[string]string{"correlationId": c.Args().First()})
		},
	}
}

// controlPost is the CLI side of the API-mode control surface: stop and
// confirm are meaningless without a second process to talk to, so they
// reach the running supervisor over its optional HTTP control listener
// rather than by touching its in-memory state directly.
func controlPost(cfg config.Config, path string, body any) error {
	if cfg.APIMode == nil || !cfg.APIMode.Enabled {
		return cli.Exit("apiMode is not enabled in this config; send SIGTERM to the running process instead", 4)
	}
	b, err := json.Marshal(body)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+cfg.APIMode.Addr+path, bytes.NewReader(b))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return cli.Exit(err.Error(), 4)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return cli.Exit(fmt.Sprintf("control request failed: %s", resp.Status), 4)
	}
	return nil
}

// runSupervisor wires every core component and blocks until SIGTERM,
// SIGINT, or (in API mode) a /shutdown request, then tears everything
// down gracefully, mirroring the teacher's own startup/signal/shutdown
// sequencing.
func runSupervisor(cfg config.Config) error {
	log := corelog.New(os.Stdout, false)

	client, err := containerrt.NewClient()
	if err != nil {
		return fmt.Errorf("connect to %s: %w", cfg.ContainerEngine, err)
	}
	var runtime containerrt.Runtime
	switch cfg.ContainerEngine {
	case "podman":
		runtime = containerrt.NewPodmanRuntime(client)
	default:
		runtime = containerrt.NewDockerRuntime(client)
	}

	reg := registry.New()
	lifecycleMgr := lifecycle.New(runtime, reg, log.With("component", "lifecycle"))

	auditLog, err := audit.Open(cfg.AuditLogPath)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer auditLog.Close()

	discovered, err := catalog.Discover(cfg.PluginsDir)
	if err != nil {
		return fmt.Errorf("discover plugins: %w", err)
	}
	cat, err := catalog.Build(discovered)
	if err != nil {
		return fmt.Errorf("build tool catalog: %w", err)
	}
	catalogFn := func() *catalog.ToolCatalog { return cat }

	bridge := pluginexec.New(cfg.PluginsDir, catalogFn)
	approvals := preapproval.New()

	pipe := pipeline.New(pipeline.Options{
		Registry:       reg,
		Catalog:        catalogFn,
		Handler:        bridge.Handle,
		Sanitizer:      func(v any) any { return sanitize.Sanitize(v).Value },
		PreApprovals:   approvals,
		Audit:          auditLog,
		Log:            log.With("component", "pipeline"),
		ConfirmTimeout: cfg.ConfirmationTimeout,
		BucketConfig: func(group, tool string) (float64, int) {
			b, _ := cfg.RateLimitFor(group, tool)
			return b.Rate, b.Burst
		},
	})

	bus, err := transport.Connect(cfg.NATSURL, log.With("component", "transport"))
	if err != nil {
		return fmt.Errorf("connect transport: %w", err)
	}
	defer bus.Close()
	reqChannel := transport.NewRequestChannel(bus)

	dispatcher := dispatch.New(dispatch.Options{
		ConfiguredGroups: cfg.Groups,
		PerGroupLimit:    cfg.PerGroupSessionLimit,
		CountForGroup:    reg.CountForGroup,
		Spawn:            spawnFunc(lifecycleMgr, reqChannel, pipe, cfg, log),
		Audit:            auditLog,
		Log:              log.With("component", "dispatch"),
	})

	sub, err := bus.Subscribe("message.inbound", inboundHandler(dispatcher))
	if err != nil {
		return fmt.Errorf("subscribe message.inbound: %w", err)
	}
	defer sub.Unsubscribe()
	taskSub, err := bus.Subscribe("task.triggered", inboundHandler(dispatcher))
	if err != nil {
		return fmt.Errorf("subscribe task.triggered: %w", err)
	}
	defer taskSub.Unsubscribe()

	existing, err := runtime.FindByLabels(context.Background(), map[string]string{containerrt.LabelApp: containerrt.AppLabelValue})
	if err != nil {
		log.Warn("orphan discovery failed, continuing without cleanup", "err", err)
	} else {
		lifecycleMgr.CleanupOrphans(context.Background(), existing)
	}

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)

	var controlSrv *http.Server
	if cfg.APIMode != nil && cfg.APIMode.Enabled {
		controlSrv = &http.Server{
			Addr:              cfg.APIMode.Addr,
			Handler:           controlMux(approvals, lifecycleMgr, stop, cfg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info("control surface listening", "addr", cfg.APIMode.Addr)
			if err := controlSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("control surface failed", "err", err)
			}
		}()
	}

	log.Info("supervisor started", "groups", cfg.Groups, "engine", cfg.ContainerEngine)
	<-stop
	log.Info("shutting down")

	if controlSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulStopTimeout)
		_ = controlSrv.Shutdown(shutdownCtx)
		cancel()
	}
	lifecycleMgr.ShutdownAll(context.Background(), cfg.GracefulStopTimeout)
	return nil
}

// spawnFunc adapts lifecycle.Manager.Spawn to dispatch.SpawnFunc, and on a
// successful spawn starts serving that session's request subject against
// the shared pipeline, matching the spec's request-path data flow: spawn
// first, then the agent's own DEALER channel opens against it.
func spawnFunc(mgr *lifecycle.Manager, reqChannel *transport.RequestChannel, pipe *pipeline.Pipeline, cfg config.Config, log corelog.Logger) dispatch.SpawnFunc {
	return func(ctx context.Context, group string, env map[string]string) error {
		image, ok := cfg.ImageFor(group)
		if !ok {
			return fmt.Errorf("no image configured for group %q", group)
		}
		result, err := mgr.Spawn(ctx, lifecycle.SpawnRequest{
			Group:   group,
			Tag:     cfg.ContainerNamePrefix,
			Image:   image,
			Env:     env,
			Network: cfg.Network,
		})
		if err != nil {
			return err
		}
		_, err = reqChannel.Serve(result.Session.ConnectionIdentity, func(ctx context.Context, connectionIdentity string, payload []byte) []byte {
			return handleRequestFrame(ctx, pipe, connectionIdentity, payload)
		})
		if err != nil {
			log.Error("serve request channel failed", "sessionId", result.Session.SessionID, "err", err)
		}
		return err
	}
}

func handleRequestFrame(ctx context.Context, pipe *pipeline.Pipeline, connectionIdentity string, payload []byte) []byte {
	var req pipeline.RequestEnvelope
	if err := json.Unmarshal(payload, &req); err != nil {
		resp := pipeline.ResponseEnvelope{OK: false, Error: &pipeline.ResponseError{
			Code:    coreerr.CodeValidationFailed,
			Message: "malformed request envelope",
		}}
		b, _ := json.Marshal(resp)
		return b
	}
	resp := pipe.Handle(ctx, connectionIdentity, req)
	b, err := json.Marshal(resp)
	if err != nil {
		return []byte(`{"ok":false,"error":{"code":"HANDLER_ERROR","message":"failed to encode response"}}`)
	}
	return b
}

// inboundWireEvent is the JSON shape events carry over the PUB/SUB bus;
// identity fields travel on the wire here since, unlike requests, the bus
// has no per-subject connection identity to rewrite them from.
type inboundWireEvent struct {
	Group       string         `json:"group"`
	Source      string         `json:"source"`
	Correlation string         `json:"correlation"`
	Payload     map[string]any `json:"payload"`
}

func inboundHandler(dispatcher *dispatch.Dispatcher) transport.EventHandler {
	return func(ctx context.Context, topic string, payload []byte) error {
		var wire inboundWireEvent
		if err := json.Unmarshal(payload, &wire); err != nil {
			return fmt.Errorf("malformed event payload: %w", err)
		}
		result := dispatcher.Dispatch(ctx, dispatch.EventEnvelope{
			Topic:       topic,
			Group:       wire.Group,
			Source:      wire.Source,
			Correlation: wire.Correlation,
			Payload:     wire.Payload,
		})
		if result.Outcome == coreerr.OutcomeError {
			return result.Err
		}
		return nil
	}
}

