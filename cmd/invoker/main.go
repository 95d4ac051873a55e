package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"sandbox-invoker/internal/config"
	"sandbox-invoker/internal/invoker"
	"sandbox-invoker/internal/monitor"
	"sandbox-invoker/internal/queue"
	"sandbox-invoker/internal/sandbox"
	"sandbox-invoker/internal/storage"
)

var configPath string

func main() {
	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	root := &cobra.Command{
		Use:   "invoker",
		Short: "Sandboxed submission execution engine",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "configs/config.yaml", "Path to config file")

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Drain the request queue and execute submissions",
		RunE:  runInvoker,
	})
	root.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Remove orphaned cgroup leaves and scratch directories, then exit",
		RunE:  runSweep,
	})
	root.AddCommand(&cobra.Command{
		Use:   "enqueue [request.json]",
		Short: "Insert an execution request into the queue",
		Args:  cobra.ExactArgs(1),
		RunE:  runEnqueue,
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() *config.Config {
	if _, err := os.Stat(configPath); err == nil {
		cfg, err := config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
		return cfg
	}
	log.Info().Msg("no config file found, using defaults")
	return config.DefaultConfig()
}

func runInvoker(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := monitor.NewMetrics()

	// Delegate cpu/memory/pids to the parent's children once; hosts that
	// pre-enable them in deployment tooling make this a no-op.
	if err := sandbox.EnableControllers(cfg.Sandbox.CgroupParent); err != nil {
		log.Warn().Err(err).Msg("controller delegation failed, relying on host setup")
	}

	// Reconcile before accepting work: leftovers from a crashed run pin
	// subordinate IDs and cgroup budget.
	swept, err := sandbox.SweepOrphans(ctx, cfg.Sandbox.CgroupParent, cfg.Sandbox.WorkRoot)
	if err != nil {
		log.Warn().Err(err).Msg("startup sweep incomplete")
	}
	metrics.OrphansSwept.Add(float64(swept))

	alloc, err := sandbox.NewIDAllocator(
		cfg.Sandbox.SubordinateUIDBase,
		cfg.Sandbox.SubordinateGIDBase,
		cfg.Sandbox.SubordinateCount,
	)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid subordinate ID range")
	}

	builder, err := sandbox.NewBuilder(sandbox.BuilderConfig{
		CgroupParent:     cfg.Sandbox.CgroupParent,
		TemplateDir:      cfg.Sandbox.TemplateDir,
		WorkRoot:         cfg.Sandbox.WorkRoot,
		Mode:             sandbox.ScratchMode(cfg.Sandbox.ScratchMode),
		TeardownRetries:  cfg.Sandbox.TeardownRetries,
		TeardownInterval: cfg.Sandbox.TeardownInterval,
	}, alloc)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid sandbox configuration")
	}

	if cfg.Database.DSN == "" {
		log.Fatal().Msg("database.dsn is required: the queue lives in Postgres")
	}
	q, err := queue.NewPostgres(ctx, cfg.Database.DSN, cfg.Invoker.LeaseTTL)
	if err != nil {
		log.Fatal().Err(err).Msg("queue unavailable")
	}
	defer q.Close()

	// Result persistence shares the DSN but stays optional: the engine
	// keeps executing when the result store is down.
	var results invoker.ResultSink
	db, err := storage.New(ctx, cfg.Database.DSN)
	if err != nil {
		log.Warn().Err(err).Msg("result store unavailable, persistence disabled")
	} else {
		defer db.Close()
		writer := storage.NewResultWriter(db, cfg.Database.ResultBuffer)
		writer.Start()
		defer writer.Flush(10 * time.Second)
		results = writer
	}

	if cfg.Metrics.Enabled {
		go serveMetrics(cfg, metrics)
	}

	inv, err := invoker.New(invoker.Config{
		Workers:            cfg.Invoker.Workers,
		PollInterval:       cfg.Invoker.PollInterval,
		PollJitter:         cfg.Invoker.PollJitter,
		LeasePing:          cfg.Invoker.LeasePing,
		SeparateCompileEnv: cfg.Sandbox.SeparateCompileEnv,
	}, q, builder, &sandbox.ProcessExecutor{CaptureBytes: cfg.Sandbox.CaptureBytes}, results, metrics, monitor.NewTracer())
	if err != nil {
		log.Fatal().Err(err).Msg("invoker setup failed")
	}

	log.Info().
		Int("workers", cfg.Invoker.Workers).
		Str("cgroup_parent", cfg.Sandbox.CgroupParent).
		Str("scratch_mode", cfg.Sandbox.ScratchMode).
		Int("orphans_swept", swept).
		Msg("invoker starting")

	return inv.Run(ctx)
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	swept, err := sandbox.SweepOrphans(ctx, cfg.Sandbox.CgroupParent, cfg.Sandbox.WorkRoot)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	log.Info().Int("orphans_swept", swept).Msg("sweep complete")
	return nil
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading request file: %w", err)
	}
	var req sandbox.ExecutionRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("parsing request: %w", err)
	}
	if req.Limits == (sandbox.ResourceLimits{}) {
		req.Limits = cfg.Limits()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	q, err := queue.NewPostgres(ctx, cfg.Database.DSN, cfg.Invoker.LeaseTTL)
	if err != nil {
		return err
	}
	defer q.Close()

	id, err := q.Enqueue(ctx, &req)
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func serveMetrics(cfg *config.Config, metrics *monitor.Metrics) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Info().Str("addr", cfg.Metrics.Addr).Msg("metrics server listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("metrics server failed")
	}
}
