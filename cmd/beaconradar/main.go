package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chaz8081/beacon-radar/internal/ble"
	"github.com/chaz8081/beacon-radar/internal/bridge"
	"github.com/chaz8081/beacon-radar/internal/config"
	"github.com/chaz8081/beacon-radar/internal/events"
	"github.com/chaz8081/beacon-radar/internal/metrics"
	"github.com/chaz8081/beacon-radar/internal/notify"
	"github.com/chaz8081/beacon-radar/internal/proximity"
	"github.com/chaz8081/beacon-radar/internal/radar"
	"github.com/chaz8081/beacon-radar/internal/ranging"
	"github.com/chaz8081/beacon-radar/internal/settings"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/beacon-radar/config.yaml)")
	initConfig := flag.Bool("init", false, "write the default config file and exit")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(1)
		}
		if path == "" {
			fmt.Println("Config already exists at", config.DefaultConfigPath())
		} else {
			fmt.Println("Wrote default config to", path)
		}
		return
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal("config", err)
	}
	if err := cfg.Validate(); err != nil {
		fatal("config validation", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))

	printBanner(cfg)

	if err := run(cfg); err != nil && !errors.Is(err, context.Canceled) {
		fatal("beacon-radar", err)
	}
	slog.Info("Goodbye!")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Init(nil)
	if cfg.Metrics.Listen != "" {
		go serveMetrics(ctx, cfg.Metrics.Listen)
	}

	store, err := settings.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	driver := ble.NewTinygoDriver()
	if err := driver.Enable(); err != nil {
		return fmt.Errorf("%w\n\nEnsure Bluetooth is powered on and this process may use it", err)
	}
	slog.Info("[BLE] adapter enabled")

	// Host event stream and alert delivery
	bus := events.NewBus(events.DefaultBufferSize)
	defer bus.Close()

	notifiers := notify.Multi{notify.LogNotifier{}}
	var publisher *bridge.Publisher
	if cfg.MQTT.Enabled {
		publisher, err = bridge.Connect(ctx, bridge.Config{
			Broker:         cfg.MQTT.Broker,
			ClientID:       cfg.MQTT.ClientID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			TopicPrefix:    cfg.MQTT.TopicPrefix,
			QoS:            cfg.MQTT.QoS,
			ConnectRetries: cfg.MQTT.Retries,

			BreakerFailures: cfg.MQTT.BreakerFailures,
			BreakerCooldown: cfg.MQTT.BreakerCooldown,
		})
		if err != nil {
			return err
		}
		defer publisher.Close()
		notifiers = append(notifiers, publisher)
	}

	var promoter notify.Promoter = notify.NopPromoter{}
	if len(cfg.Proximity.LaunchCommand) > 0 {
		promoter = notify.NewCommandLauncher(cfg.Proximity.LaunchCommand, 0)
	}

	// Fast-connect state machine
	connector := ble.NewConnector(driver, store, ble.Options{
		ScanServiceUUID:   cfg.Throne.ScanServiceUUID,
		ServiceUUID:       cfg.Throne.ServiceUUID,
		DeviceID:          cfg.Throne.DeviceID,
		ScanTimeout:       cfg.Throne.ScanTimeout,
		ConnectionTimeout: cfg.Throne.ConnectionTimeout,
	})

	// Ranging, monitoring and proximity
	manager := ranging.NewManager(driver, ranging.Options{
		ScanPeriod:                  cfg.Ranging.ScanPeriod,
		BetweenScanPeriod:           cfg.Ranging.BetweenScanPeriod,
		BackgroundScanPeriod:        cfg.Ranging.BackgroundScanPeriod,
		BackgroundBetweenScanPeriod: cfg.Ranging.BackgroundBetweenScanPeriod,
		ExitPeriod:                  cfg.Ranging.ExitPeriod,
	})
	svc := radar.New(radar.Deps{
		Ranging:   manager,
		Store:     store,
		Connector: connector,
		Bus:       bus,
		Notifier:  notifiers,
		Promoter:  promoter,
		Proximity: proximity.Options{
			StaleAfter:     cfg.Proximity.StaleAfter,
			MaxDistance:    cfg.Proximity.MaxDistance,
			NotifyInterval: cfg.Proximity.NotifyInterval,
		},
	})

	errCh := make(chan error, 2)
	go func() { errCh <- connector.Run(ctx) }()
	go func() { errCh <- manager.Run(ctx) }()
	go logOutcomes(ctx, connector.Outcomes())

	if publisher != nil {
		go publisher.Forward(ctx, svc.Events())
	} else {
		go logEvents(ctx, svc.Events())
	}

	if err := svc.StartScanning(cfg.Proximity.RegionUUID); err != nil {
		return err
	}

	// SIGUSR1 triggers a fast connect; SIGUSR2 toggles background mode.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigCh)

	slog.Info("Ready! Send SIGUSR1 to fast-connect, SIGUSR2 to toggle background mode. Ctrl+C to quit.", "pid", os.Getpid())

	for {
		select {
		case <-ctx.Done():
			slog.Info("Shutting down...")
			svc.StopScanning()
			return ctx.Err()

		case err := <-errCh:
			svc.StopScanning()
			return err

		case sig := <-sigCh:
			switch sig {
			case syscall.SIGUSR1:
				svc.FastConnect()
			case syscall.SIGUSR2:
				current, err := svc.BackgroundMode()
				if err != nil {
					slog.Error("[RADAR] read background mode", "error", err)
					continue
				}
				if _, err := svc.EnableBackgroundMode(!current); err != nil {
					slog.Error("[RADAR] toggle background mode", "error", err)
				}
			}
		}
	}
}

// serveMetrics exposes the default Prometheus registry until ctx ends.
func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("[METRICS] listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("[METRICS] server stopped", "error", err)
	}
}

func logOutcomes(ctx context.Context, outcomes <-chan ble.Outcome) {
	for {
		select {
		case <-ctx.Done():
			return
		case o := <-outcomes:
			if o.Reason == ble.ReasonCompleted {
				slog.Info("[BLE] fast connect succeeded", "address", o.Address, "response_len", len(o.Response), "elapsed", o.Duration.Round(time.Millisecond))
				continue
			}
			slog.Warn("[BLE] fast connect ended", "reason", o.Reason, "phase", o.Phase, "elapsed", o.Duration.Round(time.Millisecond))
		}
	}
}

// logEvents drains the host event stream when no bridge is configured.
func logEvents(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			slog.Debug("[EVENTS] host event", "type", ev.Type())
		}
	}
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		slog.Info("Config loaded", "path", defaultPath)
		return cfg, nil
	}

	// No config file, use defaults
	slog.Info("No config file found, using defaults")
	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	region := cfg.Proximity.RegionUUID
	if region == "" {
		region = "all beacons"
	}
	mqttTarget := "disabled"
	if cfg.MQTT.Enabled {
		mqttTarget = cfg.MQTT.Broker
	}
	fmt.Println("=== beacon-radar ===")
	fmt.Printf("  Region:   %s\n", region)
	fmt.Printf("  Max dist: %.2fm\n", cfg.Proximity.MaxDistance)
	fmt.Printf("  Scan:     %s (between %s)\n", cfg.Ranging.ScanPeriod, cfg.Ranging.BetweenScanPeriod)
	fmt.Printf("  Throne:   %s timeout %s/%s\n", cfg.Throne.ServiceUUID, cfg.Throne.ScanTimeout, cfg.Throne.ConnectionTimeout)
	fmt.Printf("  Store:    %s\n", cfg.Store.Path)
	fmt.Printf("  MQTT:     %s\n", mqttTarget)
	fmt.Printf("  Log:      %s\n", cfg.LogLevel)
	fmt.Println("====================")
}

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}
