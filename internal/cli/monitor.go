package cli

import (
	"context"
	"errors"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"cc_session_hub/internal/logging"
	"cc_session_hub/internal/notify"
	"cc_session_hub/internal/tui"
)

func newMonitorCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Browse sessions and follow one live in the terminal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.monitor(cmd.Context())
		},
	}
}

func (o *options) monitor(ctx context.Context) error {
	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}
	// stderr belongs to the terminal UI
	log, err := logging.FileOnly(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	h, err := openHub(cfg, log)
	if err != nil {
		return err
	}
	notifier := notify.New(notify.Options{
		Buffer:   cfg.Session.SubscriberBuffer,
		Observer: h.metrics,
		Logger:   log,
	})
	notifier.Attach(h.manager)
	defer func() {
		notifier.Close()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
		defer cancel()
		if err := h.close(sctx); err != nil {
			log.Warn("shutdown", zap.Error(err))
		}
	}()

	if err := h.manager.Start(ctx); err != nil {
		return err
	}

	model := tui.NewModel(tui.ModelOptions{
		Source:        tui.ManagerSource{Manager: h.manager},
		Notifications: notifier.Subscribe(),
		Config:        cfg,
		PageSize:      cfg.Session.PageSize,
	})
	_, err = tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
