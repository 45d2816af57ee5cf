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

	"github.com/goccy/go-yaml"
	"go.uber.org/zap"

	"github.com/wudi/imagecache/internal/api"
	"github.com/wudi/imagecache/internal/config"
	"github.com/wudi/imagecache/internal/fetch"
	"github.com/wudi/imagecache/internal/imagecache"
	"github.com/wudi/imagecache/internal/logging"
	"github.com/wudi/imagecache/internal/metrics"
	"github.com/wudi/imagecache/internal/tracing"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/imagecache.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("imagecache %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.NewLoader().Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		redacted, err := config.RedactConfig(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to redact configuration: %v\n", err)
			os.Exit(1)
		}
		out, _ := yaml.Marshal(redacted)
		fmt.Printf("%s\nConfiguration is valid\n", out)
		os.Exit(0)
	}

	logger, err := logging.New(logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	logging.Info("Starting imagecache",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.String("store", cfg.Store.Type),
		zap.String("listen", cfg.Listen),
	)

	if err := run(*configPath, cfg); err != nil {
		logging.Error("Server error", zap.Error(err))
		os.Exit(1)
	}
}

func run(configPath string, cfg *config.Config) error {
	tracer, err := tracing.New(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	m := metrics.NewCollector()
	strategy := fetch.New(cfg.Fetch, fetch.WithMetrics(m))

	cache, err := imagecache.New(imagecache.OptionsFromConfig(cfg, strategy, m))
	if err != nil {
		return err
	}

	initCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := cache.Init(initCtx); err != nil {
		logging.Warn("Starting without persistent image cache", zap.Error(err))
	}
	cancel()

	apiServer := api.NewFromConfig(cfg, cache, m, api.WithTracer(tracer))

	watcher, err := config.NewWatcher(configPath)
	if err != nil {
		logging.Warn("Config watcher disabled", zap.Error(err))
	} else {
		watcher.OnChange(func(next *config.Config) {
			logging.SetLevel(next.Logging.Level)
			strategy.SetOrigins(next.Fetch.DirectOrigins, next.Fetch.ProxyOrigins)
			if p := apiServer.ImageProxy(); p != nil {
				p.SetAllowedOrigins(next.Proxy.AllowedOrigins)
			}
			logging.Info("Config reloaded")
		})
		if err := watcher.Start(); err != nil {
			logging.Warn("Config watcher failed to start", zap.Error(err))
		}
		defer watcher.Stop()
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("Listening", zap.String("addr", cfg.Listen))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-quit:
	}

	logging.Info("Shutting down gracefully...")
	ctx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if err := srv.Shutdown(ctx); err != nil {
		logging.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := cache.Close(); err != nil {
		logging.Error("Image cache close error", zap.Error(err))
	}
	if err := tracer.Close(ctx); err != nil {
		logging.Error("Tracer shutdown error", zap.Error(err))
	}
	logging.Info("Server shutdown complete")
	return nil
}
