// Bastion - browser-to-game-server admin gateway.
//
// Bastion bridges browser dashboards and Source engine game servers:
// each WebSocket session drives an RCON connection, A2S status queries,
// and an optional live log stream, while a background monitor watches a
// configured server list and publishes telemetry via MQTT.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bastion-project/bastion/internal/api"
	"github.com/bastion-project/bastion/internal/cli"
	"github.com/bastion-project/bastion/internal/config"
	"github.com/bastion-project/bastion/internal/events"
	"github.com/bastion-project/bastion/internal/gateway"
	"github.com/bastion-project/bastion/internal/logparse"
	"github.com/bastion-project/bastion/internal/monitor"
	"github.com/bastion-project/bastion/internal/telemetry"
	"github.com/bastion-project/bastion/internal/util"
)

const (
	AppName    = "Bastion"
	AppVersion = "1.0.0"
	Banner     = `
  ____            _   _
 | __ )  __ _ ___| |_(_) ___  _ __
 |  _ \ / _' / __| __| |/ _ \| '_ \
 | |_) | (_| \__ \ |_| | (_) | | | |
 |____/ \__,_|___/\__|_|\___/|_| |_|  v%s
 Game Server Admin Gateway
`
)

func main() {
	fmt.Printf(Banner, AppVersion)
	fmt.Println()

	// Initialize logger with defaults first (reconfigured after config load)
	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting Bastion")

	cfg, err := config.Load(config.DefaultConfigDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Re-initialize logger with config-based settings
	logCfg := util.LogConfig{
		Level:      cfg.ApplicationData.Logging.Level,
		Directory:  cfg.ApplicationData.Logging.Directory,
		MaxSizeMB:  cfg.ApplicationData.Logging.MaxSizeMB,
		MaxBackups: cfg.ApplicationData.Logging.MaxBackups,
		Console:    true,
	}
	if err := util.InitLogger(logCfg); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		log.Fatal().Msg("configuration validation failed, please fix the errors above")
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Core components
	eventBus := events.NewEventBus()

	gw := cfg.GetGateway()
	receiver := logparse.NewReceiver(gw.LogPort)
	receiver.SetErrorHandler(func(err error) {
		eventBus.Emit(context.Background(), events.Event{
			Type:    events.EventReceiverError,
			Source:  "logparse",
			Payload: events.ReceiverErrorPayload{Error: err.Error()},
		})
	})

	registry := gateway.NewRegistry(cfg, eventBus, receiver)
	mon := monitor.New(cfg, eventBus)
	apiServer := api.NewServer(cfg, eventBus, registry, mon)

	var mqttHandler *telemetry.MQTTHandler
	if cfg.ApplicationData.MQTT.Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(cfg, eventBus)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
	}

	cliHandler := cli.NewCLI(cfg, eventBus, registry, mon)

	// ---------------------------------------------------------------
	// Launch the concurrent tasks
	// ---------------------------------------------------------------
	var wg sync.WaitGroup
	errCh := make(chan error, 10)

	// Task 1: UDP log receiver (with retry for port binding)
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Int("port", gw.LogPort).Msg("starting UDP log receiver")
		if err := startWithRetry(ctx, "log receiver", receiver.Start, 15); err != nil {
			log.Warn().Err(err).Msg("log receiver failed after retries (non-fatal, log streaming disabled)")
		}
	}()

	// Task 2: HTTP API + WebSocket server (with retry for port binding)
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Int("port", gw.APIPort).Msg("starting API server")
		if err := startWithRetry(ctx, "API server", apiServer.Start, 15); err != nil {
			log.Error().Err(err).Msg("API server failed after retries")
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	// Task 3: watch list monitor
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := mon.Start(ctx); err != nil {
			log.Warn().Err(err).Msg("monitor stopped with error")
		}
	}()

	// Task 4: MQTT telemetry
	if mqttHandler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("starting MQTT telemetry")
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		}()
	}

	// Task 5: interactive CLI
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Msg("starting interactive CLI")
		cliHandler.Start(ctx)
	}()

	// ---------------------------------------------------------------
	// Graceful shutdown handling
	// ---------------------------------------------------------------
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	shutdownCh := make(chan struct{})
	var shutdownOnce sync.Once
	eventBus.Subscribe(events.EventShutdown, "main.shutdown", func(ctx context.Context, e events.Event) error {
		shutdownOnce.Do(func() { close(shutdownCh) })
		return nil
	})

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-shutdownCh:
		log.Info().Msg("shutdown requested via CLI")
	case err := <-errCh:
		log.Error().Err(err).Msg("critical error, initiating shutdown")
	}

	log.Info().Msg("initiating graceful shutdown...")

	cancel()

	// Close every browser session before tearing down the listeners.
	registry.CloseAll()
	receiver.Stop()
	apiServer.Stop()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	eventBus.Stop()

	log.Info().Msg("Bastion stopped")
}

// startWithRetry attempts to start a listener/server with retry on bind
// errors, giving the OS time to release sockets after a restart.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = startFn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("bind failed, retrying in 3s...")
			time.Sleep(3 * time.Second)
		}
	}
	return lastErr
}
