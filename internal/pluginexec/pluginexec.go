// Package pluginexec implements the PluginHandler contract: each plugin
// ships a single executable at the root of its install directory named
// "handler", invoked once per tool call with the request JSON on stdin and
// its JSON reply read back from stdout — the "runtime injection of
// exec/filesystem callables" the contract calls for, without specifying
// anything about what a plugin's handler actually does internally.
package pluginexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"carapace/internal/catalog"
)

// HandlerFileName is the executable every plugin directory may provide at
// its root to receive dispatched tool invocations.
const HandlerFileName = "handler"

// request is the JSON frame piped to a plugin handler's stdin.
type request struct {
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments"`
}

// response is the JSON frame read back from a plugin handler's stdout.
type response struct {
	Result any    `json:"result"`
	Error  string `json:"error,omitempty"`
}

// Bridge dispatches pipeline.Handler calls to a tool's owning plugin by
// resolving its handler executable through catalog lookups.
type Bridge struct {
	pluginsDir string
	catalog    func() *catalog.ToolCatalog
}

func New(pluginsDir string, cat func() *catalog.ToolCatalog) *Bridge {
	return &Bridge{pluginsDir: pluginsDir, catalog: cat}
}

// Handle satisfies pipeline.Handler: it resolves tool's plugin, execs that
// plugin's handler with the request on stdin, and parses its stdout as a
// response frame. Any failure, including a plugin with no handler
// executable, is returned as an error, which the pipeline reports as
// HANDLER_ERROR.
func (b *Bridge) Handle(ctx context.Context, tool string, arguments json.RawMessage) (any, error) {
	entry, ok := b.catalog().Lookup(tool)
	if !ok {
		return nil, fmt.Errorf("pluginexec: unknown tool %q", tool)
	}

	handlerPath := filepath.Join(b.pluginsDir, entry.PluginName, HandlerFileName)
	req, err := json.Marshal(request{Tool: tool, Arguments: arguments})
	if err != nil {
		return nil, fmt.Errorf("pluginexec: marshal request: %w", err)
	}

	cmd := exec.CommandContext(ctx, handlerPath)
	cmd.Stdin = bytes.NewReader(req)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("pluginexec: %s: %w: %s", entry.PluginName, err, stderr.String())
	}

	var resp response
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("pluginexec: parse response from %s: %w", entry.PluginName, err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("pluginexec: %s: %s", entry.PluginName, resp.Error)
	}
	return resp.Result, nil
}

// SmokeTest builds an installer.SmokeTestFunc for name's plugin handler,
// run by verify()'s Phase 2 when the plugin ships a handler executable.
func SmokeTest(pluginsDir, name string) func(ctx context.Context) (any, bool, error) {
	handlerPath := filepath.Join(pluginsDir, name, HandlerFileName)
	return func(ctx context.Context) (any, bool, error) {
		req, err := json.Marshal(request{Tool: "verify"})
		if err != nil {
			return nil, false, err
		}
		cmd := exec.CommandContext(ctx, handlerPath)
		cmd.Stdin = bytes.NewReader(req)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return nil, false, fmt.Errorf("pluginexec: smoke test: %w: %s", err, stderr.String())
		}
		var resp response
		if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
			return nil, false, fmt.Errorf("pluginexec: parse smoke test response: %w", err)
		}
		if resp.Error != "" {
			return resp.Result, false, nil
		}
		return resp.Result, true, nil
	}
}

// HasHandler reports whether name's plugin ships a handler executable,
// used by verify() to decide whether Phase 2 runs at all.
func HasHandler(pluginsDir, name string) bool {
	path := filepath.Join(pluginsDir, name, HandlerFileName)
	info, err := os.Stat(path)
	return err == nil && !info.IsDir() && info.Mode()&0o111 != 0
}
