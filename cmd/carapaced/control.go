package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"syscall"
	"time"

	"carapace/internal/config"
	"carapace/internal/installer"
	"carapace/internal/lifecycle"
	"carapace/internal/pluginexec"
	"carapace/internal/preapproval"
	"carapace/internal/sanitize"
)

// controlMux is the optional API-mode HTTP control surface: a small,
// stdlib net/http handler set in the teacher's own plain-JSON-API style,
// giving the CLI's stop/confirm commands (and an operator's own curl) a
// way to reach a running supervisor from a second process.
func controlMux(approvals *preapproval.Store, mgr *lifecycle.Manager, stop chan<- os.Signal, cfg config.Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	})

	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(mgr.GetAll())
	})

	mux.HandleFunc("/confirm", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var body struct {
			CorrelationID string `json:"correlationId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.CorrelationID == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		ttl := cfg.ConfirmationTimeout
		if ttl <= 0 {
			ttl = 30 * time.Second
		}
		approvals.Grant(body.CorrelationID, ttl)
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("/shutdown", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		go func() { stop <- syscall.SIGTERM }()
	})

	return mux
}

// smokeTestFor builds verify()'s optional Phase 2 capability for name,
// only when its plugin ships an executable handler.
func smokeTestFor(cfg config.Config, name string) installer.SmokeTestFunc {
	if !pluginexec.HasHandler(cfg.PluginsDir, name) {
		return nil
	}
	fn := pluginexec.SmokeTest(cfg.PluginsDir, name)
	return func(ctx context.Context) (any, bool, error) { return fn(ctx) }
}

func sanitizeAny(v any) any {
	return sanitize.Sanitize(v).Value
}
