package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nubi-sh/nubi/internal/accesslog"
	"github.com/nubi-sh/nubi/internal/acmeagent"
	"github.com/nubi-sh/nubi/internal/api"
	"github.com/nubi-sh/nubi/internal/config"
	"github.com/nubi-sh/nubi/internal/logging"
	"github.com/nubi-sh/nubi/internal/nginxctl"
	"github.com/nubi-sh/nubi/internal/orchestrator"
	"github.com/nubi-sh/nubi/internal/reconcile"
	"github.com/nubi-sh/nubi/internal/render"
	"github.com/nubi-sh/nubi/internal/store"
	"github.com/nubi-sh/nubi/internal/telemetry"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	addr := flag.String("addr", "", "Listen address (overrides config)")
	staticDir := flag.String("static", "", "Static UI directory (overrides config)")
	nginxBin := flag.String("nginx-bin", "", "Path to the nginx binary (overrides config)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("nubid %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.NewLoader().Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
			os.Exit(1)
		}
	} else {
		cfg = config.DefaultConfig()
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *staticDir != "" {
		cfg.Server.StaticDir = *staticDir
	}
	if *nginxBin != "" {
		cfg.Nginx.Binary = *nginxBin
	}

	logger, err := logging.New(logging.Options{Level: cfg.Logging.Level, File: cfg.Logging.File})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	logging.Info("Starting nubid",
		zap.String("version", version),
		zap.String("addr", cfg.Server.Addr),
		zap.String("data", cfg.Data.Dir),
	)

	if err := run(cfg, logger); err != nil {
		logging.Error("Daemon error", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	st, err := store.New(cfg.Data.Dir, logger.Named("store"))
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}

	files := reconcile.New(cfg.Nginx.AvailableDir, cfg.Nginx.EnabledDir, cfg.Data.HTMLDir())
	renderer := render.New(cfg.Data.HTMLDir())
	controller := nginxctl.NewController(cfg.Nginx.Binary, cfg.Nginx.PIDFile)

	var agent *acmeagent.Agent
	if cfg.ACME.Email != "" {
		agent = acmeagent.New(st, cfg.Data.CertsDir(), cfg.ACME.Email, cfg.ACME.Staging, logger.Named("acme"))
	} else {
		logger.Warn("acme.email not set, certificate issuance disabled")
	}

	orc := orchestrator.New(st, renderer, files, controller, agent, logger.Named("orchestrator"))

	metrics := telemetry.NewMetrics()
	fanout := telemetry.New(
		st,
		nginxctl.NewStatusClient(cfg.Nginx.StubStatusURL),
		nginxctl.NewSystem(cfg.Nginx.PIDFile),
		metrics,
		cfg.Telemetry.Interval,
		cfg.Telemetry.Interface,
		logger.Named("telemetry"),
	)
	fanout.SetCommander(orc)
	orc.SetEmitter(fanout)

	logs, err := accesslog.NewAggregator()
	if err != nil {
		return fmt.Errorf("failed to build log aggregator: %w", err)
	}
	tailer := accesslog.NewTailer(cfg.Nginx.AccessLog, logs, logger.Named("accesslog"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Bring the fragment tree in line with persisted state before serving.
	if err := orc.Startup(ctx); err != nil {
		return fmt.Errorf("startup reconciliation failed: %w", err)
	}

	server := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: api.New(api.Options{
			Store:     st,
			Orc:       orc,
			Fanout:    fanout,
			Metrics:   metrics,
			Logs:      logs,
			StaticDir: cfg.Server.StaticDir,
			Logger:    logger.Named("api"),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("API listening", zap.String("addr", cfg.Server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		if err := fanout.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := tailer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("access log tailer stopped", zap.Error(err))
		}
		return nil
	})

	err = g.Wait()
	logger.Info("nubid stopped")
	return err
}
