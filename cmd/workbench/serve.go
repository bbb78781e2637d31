package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"workbench/internal/chatstream"
	"workbench/internal/config"
	"workbench/internal/eventhub"
	"workbench/internal/history"
	"workbench/internal/logging"
	"workbench/internal/observability"
	"workbench/internal/runner"
	"workbench/internal/sandbox"
	"workbench/internal/server"
	"workbench/internal/telemetry"
	"workbench/internal/workbench"
)

func newServeCommand(c *cli) *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the workbench API and event feed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, meta, err := c.loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, meta.Path(), debug)
		},
	}
	cmd.Flags().String(flagAddr, "", "Listen address")
	cmd.Flags().BoolVar(&debug, "debug", false, "Run gin in debug mode")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, configPath string, debug bool) error {
	logger := logging.NewComponentLogger("serve")

	tp, err := observability.NewTracerProvider(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown: %v", err)
		}
	}()
	tracer := tp.Tracer()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	runnerMetrics := runner.MustNewMetrics(reg)

	// The remote sandbox boots in the background; actions queue until it answers.
	sb := sandbox.Boot(ctx, logger, func(ctx context.Context) (sandbox.Sandbox, error) {
		return openSandbox(ctx, cfg, logging.NewComponentLogger("sandbox"))
	})

	store, err := history.NewFileStore(cfg.History.Dir, cfg.History.CacheSize)
	if err != nil {
		return err
	}

	var (
		uploader workbench.Uploader
		logs     *runner.LogBatcher
		coord    *workbench.Coordinator
	)
	if cfg.Telemetry.BaseURL != "" {
		client := telemetry.New(telemetry.Config{
			BaseURL:      cfg.Telemetry.BaseURL,
			Timeout:      cfg.Telemetry.Timeout,
			Stream:       cfg.Telemetry.Stream,
			UseReasoning: cfg.Telemetry.UseReasoning,
			Logger:       logging.NewComponentLogger("telemetry"),
			Metrics:      telemetry.MustNewMetrics(reg),
			Tracer:       tracer,
		})
		uploader = client
		logs = runner.NewLogBatcher(client, runner.BatcherConfig{
			BatchDelay:         cfg.Telemetry.BatchDelay,
			ProcessingDebounce: cfg.Telemetry.ProcessingDebounce,
			Context: func(ctx context.Context) runner.BatchContext {
				return coord.BatchContext(ctx)
			},
			Metrics: runnerMetrics,
			Tracer:  tracer,
		})
	} else {
		logger.Info("telemetry base URL not set; command logs and file uploads are disabled")
	}

	wbCfg := workbench.Config{
		Sandbox:        sb,
		Hub:            eventhub.New(),
		Uploader:       uploader,
		History:        store,
		RunnerMetrics:  runnerMetrics,
		Tracer:         tracer,
		StartupGrace:   cfg.Runner.StartupGrace,
		Env:            cfg.Runner.Env,
		UploadAttempts: cfg.Telemetry.UploadAttempts,
		UploadInterval: cfg.Telemetry.UploadInterval,
	}
	if logs != nil {
		wbCfg.Logs = logs
	}
	coord = workbench.New(wbCfg)
	defer func() {
		coord.Close()
		if logs != nil {
			closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			logs.Close(closeCtx)
		}
	}()

	srv := server.New(server.Config{
		Addr:            cfg.Server.Addr,
		Coordinator:     coord,
		Chat:            chatstream.NewClient(chatstream.ClientConfig{URL: cfg.Chat.URL, SSE: cfg.Chat.SSE}),
		History:         store,
		Gatherer:        reg,
		EventBuffer:     cfg.Server.EventBuffer,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		CORSOrigins:     cfg.Server.CORSOrigins,
		SandboxReady:    sb.Ready,
		Debug:           debug,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if _, err := sb.Get(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("sandbox boot failed: %v", err)
			return nil
		}
		return coord.WatchFiles(ctx)
	})
	if configPath != "" {
		g.Go(func() error {
			return config.Watch(ctx, configPath, func(next config.Config) {
				observability.SetDefault(observability.NewLogger(next.Log))
				logger.Info("config reloaded; log level %s", next.Log.Level)
			}, config.WithWatchLogger(logging.NewComponentLogger("config")))
		})
	}
	g.Go(func() error {
		logger.Info("listening on %s (sandbox %s, workdir %s)", cfg.Server.Addr, cfg.Sandbox.Mode, cfg.Sandbox.Workdir)
		return srv.Run(ctx)
	})
	return g.Wait()
}
