package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"gennotes/internal/archive"
	"gennotes/internal/auth"
	"gennotes/internal/blob"
	"gennotes/internal/config"
	"gennotes/internal/core"
)

// app bundles the wired dependencies shared by every subcommand.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	store    core.PersistentStore
	svc      *core.Service
	registry *prometheus.Registry
	tracer   *sdktrace.TracerProvider
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func newApp(cfg config.Config, stderr io.Writer) (*app, error) {
	a := &app{cfg: cfg, logger: newLogger(cfg.Log, stderr), registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := []core.ServiceOption{core.WithLogger(a.logger)}
	switch cfg.Metrics.Exporter {
	case "expvar":
		opts = append(opts, core.WithMetricsRecorder(core.NewExpvarMetricsRecorder("")))
	default:
		metrics, err := core.NewPrometheusMetricsRecorder(a.registry)
		if err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		opts = append(opts, core.WithMetricsRecorder(metrics))
	}

	switch cfg.Tracing.Exporter {
	case "stdout":
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(stderr))
		if err != nil {
			return nil, fmt.Errorf("trace exporter: %w", err)
		}
		a.tracer = sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
		otel.SetTracerProvider(a.tracer)
		opts = append(opts, core.WithTracer(core.NewOTelTracer(a.tracer)))
	case "json":
		opts = append(opts, core.WithTracer(core.NewJSONTracer(stderr)))
	}

	store, err := core.OpenPersistentStore(core.StorageConfig{
		Driver:      core.StorageDriver(cfg.Storage.Driver),
		SQLitePath:  cfg.Storage.SQLitePath,
		PostgresDSN: cfg.Storage.PostgresDSN,
		BadgerPath:  cfg.Storage.BadgerPath,
	})
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a.store = store
	a.svc = core.NewService(store, opts...)
	a.logger.Debug("storage opened", "driver", cfg.Storage.Driver)
	return a, nil
}

func (a *app) verifier() *auth.Verifier {
	return auth.NewVerifier(a.cfg.Auth.JWTSecret, a.cfg.Auth.Issuer, a.cfg.Auth.RequiredScope)
}

func (a *app) archiveWorker(ctx context.Context) (*archive.Worker, error) {
	store, err := blob.Open(ctx, a.cfg.Blob)
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	return archive.NewWorker(a.store, store, archive.WithLogger(a.logger)), nil
}

func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.tracer != nil {
		errs = append(errs, a.tracer.Shutdown(ctx))
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
