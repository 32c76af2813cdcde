package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"gennotes/internal/api"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(a *app) error {
				return serve(cmd.Context(), a)
			})
		},
	}
}

func serve(ctx context.Context, a *app) error {
	worker, err := a.archiveWorker(ctx)
	if err != nil {
		return err
	}
	serverOpts := []api.Option{
		api.WithVerifier(a.verifier()),
		api.WithArchive(worker),
		api.WithLogger(a.logger),
		api.WithGatherer(a.registry),
	}
	if a.cfg.Metrics.Exporter == "expvar" {
		serverOpts = append(serverOpts, api.WithDebugVars())
	}
	server := api.NewServer(a.svc, serverOpts...)
	httpServer := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: a.cfg.Server.ReadTimeout,
		ReadTimeout:       a.cfg.Server.ReadTimeout,
		WriteTimeout:      a.cfg.Server.WriteTimeout,
	}
	if a.cfg.Auth.JWTSecret == "" {
		a.logger.Warn("auth.jwt_secret is empty; all writes will be rejected")
	}

	worker.Start()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		a.logger.Info("shutting down")
		return errors.Join(httpServer.Shutdown(shutdownCtx), worker.Stop(shutdownCtx))
	})
	return g.Wait()
}
