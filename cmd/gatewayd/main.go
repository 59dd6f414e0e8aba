package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/execgw/gateway/internal/config"
	"github.com/execgw/gateway/internal/healthhttp"
	"github.com/execgw/gateway/internal/history"
	"github.com/execgw/gateway/internal/hooks"
	"github.com/execgw/gateway/internal/resource"
	"github.com/execgw/gateway/internal/rpc"
	"github.com/execgw/gateway/internal/session"
	"github.com/execgw/gateway/internal/supervisor"
)

// idleSweepInterval is how often idle sessions are checked for eviction.
const idleSweepInterval = 30 * time.Second

func main() {
	rootCmd := &cobra.Command{
		Use:   "gatewayd",
		Short: "Remote command-execution gateway for long-lived CLI processes",
		RunE:  run,
	}

	f := rootCmd.Flags()
	f.Int("port", 8003, "listening port for the RPC and health endpoints")
	f.Int("max-sessions", 100, "maximum concurrent client sessions")
	f.Int("session-timeout", 3600, "seconds of inbound silence before an idle session is closed")
	f.Int("stream-timeout", 600, "hard ceiling on the per-execution stall timeout, seconds")
	f.Int("cleanup-timeout", 10, "seconds to wait for a killed process group to reap")
	f.Int("max-buffer-size", 8388608, "per-session outbound backlog cap, bytes")
	f.String("log-level", "INFO", "log verbosity")
	f.String("history-backend-url", "", "SQLite path for the execution history store (empty disables history)")
	f.String("hooks-config", "", "path to the hook spec JSON file (empty disables hooks)")

	// Bind flags to viper. Viper keys use underscores (max_sessions) so they
	// match the env var suffix after stripping the GATEWAY_ prefix.
	bindFlag := func(viperKey, flagName string) {
		_ = viper.BindPFlag(viperKey, f.Lookup(flagName))
	}
	bindFlag("port", "port")
	bindFlag("max_sessions", "max-sessions")
	bindFlag("session_timeout", "session-timeout")
	bindFlag("stream_timeout", "stream-timeout")
	bindFlag("cleanup_timeout", "cleanup-timeout")
	bindFlag("max_buffer_size", "max-buffer-size")
	bindFlag("log_level", "log-level")
	bindFlag("history_backend_url", "history-backend-url")
	bindFlag("hooks_config", "hooks-config")

	// Bind GATEWAY_* environment variables. AutomaticEnv with the prefix
	// maps GATEWAY_PORT -> "port", GATEWAY_MAX_SESSIONS -> "max_sessions", etc.
	viper.SetEnvPrefix("GATEWAY")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.Load()

	fmt.Printf("gatewayd %s starting\n", config.Version)
	fmt.Printf("  Port: %d\n", cfg.Port)
	fmt.Printf("  Max sessions: %d\n", cfg.MaxSessions)
	fmt.Printf("  Session timeout: %ds\n", cfg.SessionTimeout)
	fmt.Printf("  Stream timeout: %ds\n", cfg.StreamTimeout)
	fmt.Printf("  History backend: %s\n", orUnset(cfg.HistoryBackendURL))
	fmt.Printf("  Hooks config: %s\n", orUnset(cfg.HooksConfig))
	fmt.Println()

	// History store: a configured backend gets SQLite, otherwise the
	// estimator runs on defaults alone.
	var store history.Store = history.NoopStore{}
	if cfg.HistoryBackendURL != "" {
		sqlStore, err := history.Open(cfg.HistoryBackendURL)
		if err != nil {
			log.Printf("history backend unavailable, continuing without it: %v", err)
		} else {
			store = sqlStore
			defer sqlStore.Close() //nolint:errcheck
		}
	}

	specs, err := hooks.LoadSpecs(cfg.HooksConfig)
	if err != nil {
		return fmt.Errorf("load hooks config: %w", err)
	}
	dispatcher := hooks.NewDispatcher(specs)

	monitor := resource.NewMonitor()
	sessions := session.NewManager(cfg.MaxSessions, time.Duration(cfg.SessionTimeout)*time.Second, cfg.MaxBufferSize)

	controller := supervisor.New(monitor, store, dispatcher)
	controller.MaxStall = time.Duration(cfg.StreamTimeout) * time.Second
	controller.ReapTimeout = time.Duration(cfg.CleanupTimeout) * time.Second

	handler := rpc.New(sessions, controller, rpc.Config{Addr: fmt.Sprintf(":%d", cfg.Port)})
	healthhttp.New(sessions).Register(handler.Mux())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		log.Printf("received %s, shutting down...", sig)
		cancel()
	}()

	// Evict sessions that have been idle past the session timeout. A
	// session with an execution in flight is never Idle, so this only
	// removes truly quiescent connections.
	go func() {
		ticker := time.NewTicker(idleSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, id := range sessions.IdleExpired() {
					log.Printf("session %s idle past %ds, closing", id, cfg.SessionTimeout)
					sessions.Remove(id)
				}
			}
		}
	}()

	serveErr := make(chan error, 1)
	go func() { serveErr <- handler.Start() }()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	// Clean shutdown: cancel every in-flight execution through the normal
	// cancellation path, then close sessions and stop the listener.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := controller.Shutdown(shutdownCtx); err != nil {
		log.Printf("controller shutdown: %v", err)
	}
	for _, s := range sessions.All() {
		s.Close()
	}
	if err := handler.Shutdown(shutdownCtx); err != nil {
		log.Printf("rpc shutdown: %v", err)
	}

	return nil
}

func orUnset(s string) string {
	if s == "" {
		return "(unset)"
	}
	return s
}
