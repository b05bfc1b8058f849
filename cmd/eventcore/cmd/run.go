package cmd

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	es "github.com/terraskye/eventcore"
	"github.com/terraskye/eventcore/audit"
	"github.com/terraskye/eventcore/config"
	"github.com/terraskye/eventcore/factory"
	"github.com/terraskye/eventcore/metrics"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func newRunCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the bus with the security audit log attached",
		Long: `Starts the configured bus, subscribes the audit log to the auth topic and
serves broker metrics when metrics.addr is set. Runs until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := flags.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, logger)
		},
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	stack, err := factory.New(ctx, cfg, factory.WithLogger(logger), factory.WithSerializer(serializer()))
	if err != nil {
		return err
	}
	if err := stack.Bus.Start(ctx); err != nil {
		return multierr.Combine(err, stack.Close(context.Background()))
	}

	trail := audit.New(audit.WithLogger(logger.Named("audit")))
	if err := trail.Subscribe(ctx, stack.Bus, es.WithRetryPolicy(stack.Retry)); err != nil {
		return multierr.Combine(err, stack.Close(context.Background()))
	}

	var server *http.Server
	if cfg.Metrics.Addr != "" {
		server = metricsServer(cfg.Metrics, stack.Collector)
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server", zap.Error(err))
			}
		}()
		logger.Info("serving metrics", zap.String("addr", cfg.Metrics.Addr), zap.String("path", cfg.Metrics.Path))
	}

	logger.Info("eventcore running",
		zap.String("broker", cfg.Broker.Type),
		zap.String("store", cfg.Store.Type),
		zap.Bool("hybrid", cfg.Hybrid.Enabled))

	for done := false; !done; {
		select {
		case <-ctx.Done():
			done = true
		case err := <-stack.Bus.Errors():
			if err != nil {
				logger.Warn("handler error", zap.Error(err))
			}
		}
	}
	logger.Info("shutting down", zap.Int("audit_entries", trail.Len()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	if server != nil {
		shutdownErr = server.Shutdown(shutdownCtx)
	}
	return multierr.Combine(shutdownErr, stack.Close(shutdownCtx))
}

func metricsServer(cfg config.MetricsConfig, collector prometheus.Collector) *http.Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collector,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, metrics.Handler(reg))

	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
