package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/trafficsim/internal/api"
	"github.com/shehryarbajwa/trafficsim/internal/behavior"
	"github.com/shehryarbajwa/trafficsim/internal/browser"
	"github.com/shehryarbajwa/trafficsim/internal/config"
	"github.com/shehryarbajwa/trafficsim/internal/device"
	"github.com/shehryarbajwa/trafficsim/internal/events"
	"github.com/shehryarbajwa/trafficsim/internal/logging"
	"github.com/shehryarbajwa/trafficsim/internal/orchestrator"
	"github.com/shehryarbajwa/trafficsim/internal/rotation"
	"github.com/shehryarbajwa/trafficsim/internal/simulator"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config file (default: ./config.yaml if present)")
	flag.Parse()

	// .env is optional; it feeds TRAFFICSIM_* overrides.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	log := logging.New(cfg.Logging)
	defer log.Sync()

	log.Info("starting trafficsim",
		zap.String("browser_mode", cfg.Browser.Mode),
		zap.Int("proxy_pool", len(cfg.Proxies)))

	store, err := events.OpenStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	broadcaster := events.NewBroadcaster(64)
	defer broadcaster.Close()
	sink := events.MultiSink{store, broadcaster}

	devices, err := device.NewGenerator(device.DefaultProfiles())
	if err != nil {
		return err
	}

	seed := cfg.Browser.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	model, err := behavior.NewModel(cfg.Behavior, rand.New(rand.NewSource(seed)))
	if err != nil {
		return err
	}

	pool := rotation.NewManager(cfg.Rotation, rand.New(rand.NewSource(seed+1)))
	if err := pool.AddAll(cfg.Proxies); err != nil {
		return err
	}

	factory, cleanup, err := buildFactory(cfg, seed, log)
	if err != nil {
		return err
	}
	defer cleanup()

	sim := simulator.New(cfg.Simulator, devices, model, pool, factory, sink, log.Named("simulator"))
	orch := orchestrator.New(cfg.Orchestrator, sim, store, log.Named("orchestrator"))
	defer orch.Close()

	handler := api.NewHandler(orch, pool, store, log.Named("api"))
	stream := api.NewStream(broadcaster, log.Named("stream"))
	srv := api.NewServer(api.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		RateLimitRPS:   cfg.Server.RateLimitRPS,
		RateLimitBurst: cfg.Server.RateLimitBurst,
	}, handler, stream, log.Named("http"))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	log.Info("stopped cleanly")
	return nil
}

// buildFactory selects the driver implementation. Docker mode pulls the
// Chrome image up front so the first session does not pay for it.
func buildFactory(cfg config.Config, seed int64, log *zap.Logger) (browser.Factory, func(), error) {
	switch cfg.Browser.Mode {
	case "docker":
		pool, err := browser.NewChromePool()
		if err != nil {
			return nil, nil, err
		}
		pullCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		log.Info("ensuring chrome image is available")
		if err := pool.EnsureImage(pullCtx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return browser.DockerFactory(pool), func() { pool.Close() }, nil
	default:
		return browser.SimulatedFactory(cfg.Browser.Simulated, seed), func() {}, nil
	}
}
