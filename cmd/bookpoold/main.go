// Command bookpoold runs the browser session pool daemon behind the
// book price tracker. It keeps a warm set of headless Chrome sessions,
// one general pool plus a small dedicated pool per bookseller, and
// exposes a localhost admin surface for health, stats, and restarts.
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

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jthomasson/bookpool/internal/browser"
	"github.com/jthomasson/bookpool/internal/config"
	"github.com/jthomasson/bookpool/internal/metrics"
	"github.com/jthomasson/bookpool/internal/pool"
	"github.com/jthomasson/bookpool/internal/server"
	"github.com/jthomasson/bookpool/internal/sources"
	"github.com/jthomasson/bookpool/pkg/version"
)

const (
	shutdownTimeout   = 10 * time.Second
	collectorInterval = 10 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)
	cfg.Validate()

	log.Info().
		Str("version", version.Full()).
		Str("go_version", version.GoVersion()).
		Msg("Starting bookpoold")

	srcMgr, err := sources.NewManager(cfg.SourcesPath)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load source profiles")
		return 1
	}
	defer srcMgr.Stop()

	if cfg.SourcesHotReload {
		if err := srcMgr.Watch(); err != nil {
			log.Warn().Err(err).Msg("Source profile hot-reload unavailable")
		}
	}

	launcher := browser.NewRodLauncher()
	baseOpts := browser.Options{
		Headless:        cfg.Headless,
		BrowserPath:     cfg.BrowserPath,
		UserAgent:       cfg.UserAgent,
		WindowWidth:     cfg.WindowWidth,
		WindowHeight:    cfg.WindowHeight,
		PageLoadTimeout: cfg.PageLoadTimeout,
	}.WithDefaults()

	mgr, err := pool.NewManager(launcher, pool.ManagerConfig{
		PoolSize:             cfg.PoolSize,
		SourcePoolSize:       cfg.SourcePoolSize,
		AcquireTimeout:       cfg.AcquireTimeout,
		SourceAcquireTimeout: cfg.SourceAcquireTimeout,
		SessionMaxAge:        cfg.SessionMaxAge,
		SessionMaxIdle:       cfg.SessionMaxIdle,
		Options:              baseOpts,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to create pool manager")
		return 1
	}
	defer mgr.Shutdown()

	for name, profile := range srcMgr.All() {
		opts := baseOpts
		opts.LoadImages = profile.LoadImages
		if err := mgr.InitSource(name, opts, profile.PoolSize); err != nil {
			log.Warn().
				Err(err).
				Str("source", name).
				Msg("Source pool unavailable, acquires will use the general pool")
		}
	}

	stopCh := make(chan struct{})
	defer close(stopCh)

	var metricsHandler http.Handler
	if cfg.MetricsEnabled {
		metrics.SetBuildInfo(version.Version, version.GoVersion())
		metrics.StartPoolCollector(mgr.Stats, collectorInterval, stopCh)
		metricsHandler = metrics.Handler()
	}

	admin := server.New(mgr, metricsHandler)
	httpSrv := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.AdminHost, cfg.AdminPort),
		Handler:     admin.Routes(),
		ReadTimeout: 10 * time.Second,
		// Long enough for POST /restart to relaunch every browser.
		WriteTimeout: 3 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", httpSrv.Addr).Msg("Admin server listening")
		errCh <- httpSrv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Admin server failed")
			return 1
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Admin server shutdown incomplete")
	}

	return 0
}

func setupLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	switch level {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "fatal":
		zerolog.SetGlobalLevel(zerolog.FatalLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}
