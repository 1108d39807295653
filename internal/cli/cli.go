// Package cli defines the cc_session_hub commands.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"cc_session_hub/internal/config"
	"cc_session_hub/internal/eventlog"
	"cc_session_hub/internal/metrics"
	"cc_session_hub/internal/session"
)

// options are the flags shared by every command.
type options struct {
	configPath string
	listen     string
	debug      bool
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	o := &options{}
	root := &cobra.Command{
		Use:   "cc_session_hub",
		Short: "Run and watch long-lived Claude Code sessions",
		Long: `cc_session_hub keeps Claude Code agents running behind an HTTP and
WebSocket API, records every session to an append-only log, and routes
tool permission requests to whoever is watching.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&o.configPath, "config", "c", "", "config file (default: search the standard locations)")
	root.PersistentFlags().BoolVarP(&o.debug, "debug", "d", false, "debug logging and gin debug mode")

	root.AddCommand(newServeCommand(o))
	root.AddCommand(newMonitorCommand(o))
	root.AddCommand(newListCommand(o))
	return root
}

// Execute runs the root command with signal handling.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func (o *options) loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if o.configPath != "" {
		cfg, err = config.Load(o.configPath)
	} else {
		cfg, err = config.LoadFromDefaultPath()
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.listen != "" {
		cfg.Listen = o.listen
	}
	if o.debug {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

// hub is the storage and session layer every command runs on.
type hub struct {
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	store    *eventlog.Store
	manager  *session.Manager
}

func openHub(cfg *config.Config, log *zap.Logger) (*hub, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.MustNewMetrics(registry)

	store, err := eventlog.Open(eventlog.Options{
		Root:    cfg.DataDir,
		Sources: cfg.SourceDirs,
		Logger:  log.Named("eventlog"),
	})
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	manager, err := session.NewManager(session.Options{
		Config:  cfg,
		Store:   store,
		Metrics: m,
		Logger:  log,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("session manager: %w", err)
	}
	return &hub{registry: registry, metrics: m, store: store, manager: manager}, nil
}

// close stops every agent and then the store.
func (h *hub) close(ctx context.Context) error {
	err := h.manager.Shutdown(ctx)
	if cerr := h.store.Close(); err == nil {
		err = cerr
	}
	return err
}

// shutdownTimeout bounds how long stopping may take once a signal arrived.
func shutdownTimeout(cfg *config.Config) time.Duration {
	return cfg.Session.ShutdownGrace + 5*time.Second
}
