package cli

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"cc_session_hub/internal/logging"
	"cc_session_hub/internal/notify"
	"cc_session_hub/internal/server"
)

func newServeCommand(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the session API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.serve(cmd.Context())
		},
	}
	cmd.Flags().StringVarP(&o.listen, "listen", "l", "", "listen address (overrides the config)")
	return cmd
}

func (o *options) serve(ctx context.Context) error {
	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Log)
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

	if err := h.manager.Start(ctx); err != nil {
		_ = h.close(context.Background())
		return err
	}

	srv := server.New(server.Options{
		Addr:     cfg.Listen,
		Manager:  h.manager,
		Notifier: notifier,
		Gatherer: h.registry,
		Metrics:  h.metrics,
		Logger:   log,
		Debug:    o.debug,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Warn("server shutdown", zap.Error(err))
		}
		notifier.Close()
		return h.close(sctx)
	})
	return g.Wait()
}
