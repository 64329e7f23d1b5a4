package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"reviver/internal/api"
	"reviver/internal/config"
	"reviver/internal/db"
	"reviver/internal/engine"
	"reviver/internal/journal"
	"reviver/internal/manager"
	"reviver/internal/metrics"
	"reviver/internal/monitor"
	"reviver/internal/notify"
	"reviver/internal/restart"
	"reviver/internal/store"
	"reviver/pkg/logging"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "reviver:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		envFile    string
		addr       string
		dockerHost string
		dbPath     string
		logLevel   string
		logFormat  string
	)

	cmd := &cobra.Command{
		Use:          "reviver",
		Short:        "Restart containers that stop unexpectedly",
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if envFile == "" {
				envFile = config.EnvFilePath()
			}
			envErr := config.LoadEnvFile(envFile)

			cfg := config.Load()
			flags := cmd.Flags()
			if flags.Changed("addr") {
				cfg.HTTPAddr = addr
			}
			if flags.Changed("docker-host") {
				cfg.DockerHost = dockerHost
			}
			if flags.Changed("db") {
				cfg.DBPath = dbPath
			}
			if flags.Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			if flags.Changed("log-format") {
				cfg.LogFormat = logFormat
			}

			log := logging.New(cfg.LogLevel, cfg.LogFormat)
			if envErr != nil {
				log.Warn("env file not loaded", "path", envFile, "error", envErr)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, log)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&envFile, "env-file", "", "Environment file to load (default $RV_ENV_FILE or .env)")
	flags.StringVar(&addr, "addr", "", "HTTP listen address (overrides RV_HTTP_ADDR)")
	flags.StringVar(&dockerHost, "docker-host", "", "Engine endpoint (overrides RV_DOCKER_HOST)")
	flags.StringVar(&dbPath, "db", "", "Restart journal database path (overrides RV_DB_PATH)")
	flags.StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides RV_LOG_LEVEL)")
	flags.StringVar(&logFormat, "log-format", "", "json or text (overrides RV_LOG_FORMAT)")
	return cmd
}

func run(ctx context.Context, cfg config.Config, log *logging.Logger) error {
	host := cfg.DockerHost
	if host == "" {
		host = engine.DiscoverHost(ctx)
	}
	eng, err := engine.Connect(ctx, host, cfg.ConnectRetries, log)
	if err != nil {
		return err
	}
	defer eng.Close()

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer database.Close()
	if err := database.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate db: %w", err)
	}

	st := store.New()
	jr := journal.New(database.SQL)
	collector := metrics.NewCollector()
	collector.SetEngineUp(true)
	broadcaster := api.NewBroadcaster()
	telegram := notify.NewTelegram(cfg.TelegramToken, cfg.TelegramChatID)
	if telegram.Enabled() {
		log.Info("telegram notifications enabled")
	}

	restarter := restart.New(eng, st, log, restart.Options{
		StopTimeout: cfg.StopTimeout(),
		SettleDelay: cfg.SettleDelay(),
		VerifyDelay: cfg.VerifyDelay(),
		Journal:     jr,
		Metrics:     collector,
		Notifier:    telegram,
		Publisher:   broadcaster,
	})
	mon := monitor.New(eng, st, restarter, log, monitor.Options{
		RestartWindow:  cfg.RestartWindow(),
		HealthInterval: cfg.HealthInterval(),
		Metrics:        collector,
		Publisher:      broadcaster,
	})
	mgr := manager.New(eng, st, collector, log)
	server := api.NewServer(mgr, jr, broadcaster, collector, eng, log)

	ln, err := api.Listen(cfg.HTTPAddr, cfg.HTTPPortAttempts)
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Handler:           server.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return mon.Start(gctx)
	})
	g.Go(func() error {
		log.Info("reviver listening", "addr", ln.Addr().String(), "version", version)
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	runErr := g.Wait()

	log.Info("waiting for in-flight restarts")
	waitCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()
	if err := restarter.Wait(waitCtx); err != nil {
		log.Warn("restarts still running at shutdown", "error", err)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	log.Info("reviver stopped")
	return nil
}
