package cmd

import (
	"context"
	"errors"
	"net/http"

	"github.com/ChristopherHX/gh-runner-broker/config"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func runServe(ctx context.Context, envFile *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(*envFile)
		if err != nil {
			return err
		}
		if err := initLogging(cfg); err != nil {
			return err
		}
		return serve(ctx, cfg)
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	log.WithField("version", version).Infoln("starting runner broker")

	b, err := newBroker(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	httpServer := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: b.server.Handler(),
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.WithField("addr", cfg.Server.ListenAddr).
			WithField("org", cfg.GitHub.Org).
			Infoln("listening")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return b.reconciler.Run(ctx)
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Infoln("shutting down the http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if err != nil {
		log.WithError(err).
			Errorln("shutting down the broker")
	}
	return err
}
