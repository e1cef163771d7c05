// wattpilot-bridge connects to a Wattpilot charger and exposes it over HTTP
// and MQTT.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/markus-barta/wattpilot"
	"github.com/markus-barta/wattpilot/internal/cloud"
	"github.com/markus-barta/wattpilot/internal/config"
	"github.com/markus-barta/wattpilot/internal/httpapi"
	"github.com/markus-barta/wattpilot/internal/mqttbridge"
)

const checkTimeout = 30 * time.Second

func main() {
	// CLI flags
	configPath := flag.String("config", os.Getenv("WATTPILOT_CONFIG"), "path to the TOML config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	showHelp := flag.Bool("help", false, "show usage")
	runCheck := flag.Bool("check", false, "validate config and test the charger connection")

	// Short flags
	flag.BoolVar(showVersion, "v", false, "print version and exit")
	flag.BoolVar(showHelp, "h", false, "show usage")

	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Printf("wattpilot-bridge %s\n", wattpilot.Version)
		os.Exit(0)
	}

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	if *runCheck {
		os.Exit(runConfigCheck(*configPath))
	}

	// Set up logging
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().
		Timestamp().
		Logger()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	setLogLevel(cfg.LogLevel)

	log.Info().
		Str("version", wattpilot.Version).
		Str("mode", cfg.Charger.Mode).
		Msg("Wattpilot bridge starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("bridge failed")
	}
	log.Info().Msg("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	client, closeStore, err := newClient(cfg, reg, log)
	if err != nil {
		return err
	}
	defer closeStore()
	defer client.Close()

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	if cfg.HTTP.Listen != "" {
		api := httpapi.New(httpapi.Config{Listen: cfg.HTTP.Listen, Token: cfg.HTTP.Token, Gatherer: reg}, client, log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := api.Run(ctx); err != nil {
				log.Error().Err(err).Msg("http api stopped")
			}
		}()
	}

	if err := client.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	id := client.Identity()
	log.Info().Str("serial", id.Serial).Str("name", id.Name).Str("firmware", id.Firmware).Msg("charger connected")

	if cfg.MQTT.Broker != "" {
		bridge := mqttbridge.New(mqttbridge.Config{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			Prefix:   cfg.MQTT.Prefix,
			Serial:   cfg.Charger.Serial,
			QoS:      cfg.MQTT.QoS,
			Retain:   cfg.MQTT.Retain,
		}, client, log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := bridge.Run(ctx); err != nil {
				log.Error().Err(err).Msg("mqtt bridge stopped")
			}
		}()
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")
	return nil
}

// newClient builds the charger client, with a persistent token store in
// cloud mode when configured.
func newClient(cfg *config.Config, reg prometheus.Registerer, log zerolog.Logger) (*wattpilot.Client, func(), error) {
	clientCfg, err := cfg.Client()
	if err != nil {
		return nil, nil, err
	}

	opts := []wattpilot.Option{
		wattpilot.WithLogger(log),
		wattpilot.WithRegisterer(reg),
		wattpilot.WithStateHandler(func(s wattpilot.State) {
			log.Debug().Str("state", s.String()).Msg("connection state")
		}),
	}
	closeStore := func() {}
	if clientCfg.Mode == wattpilot.ModeCloud && cfg.Cloud.TokenDB != "" {
		store, err := cloud.OpenSQLite(cfg.Cloud.TokenDB)
		if err != nil {
			return nil, nil, fmt.Errorf("open token store: %w", err)
		}
		opts = append(opts, wattpilot.WithTokenStore(store))
		closeStore = func() { _ = store.Close() }
	}

	client, err := wattpilot.New(clientCfg, opts...)
	if err != nil {
		closeStore()
		return nil, nil, err
	}
	return client, closeStore, nil
}

func setLogLevel(level string) {
	switch strings.ToLower(level) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func printUsage() {
	fmt.Printf(`Usage: wattpilot-bridge [options]

Wattpilot bridge %s - exposes a Wattpilot charger over HTTP and MQTT.

Options:
  -config PATH    TOML config file (default: $WATTPILOT_CONFIG)
  -v, --version   Print version and exit
  -h, --help      Print this help and exit
  --check         Validate config and test the charger connection

Environment variables (override the config file):
  WATTPILOT_MODE            local or cloud
  WATTPILOT_HOST            Charger host or ws:// URL (local mode)
  WATTPILOT_PASSWORD        Charger password
  WATTPILOT_SERIAL          Charger serial (required in cloud mode)
  WATTPILOT_TOKEN_URL       Relay token endpoint (cloud mode)
  WATTPILOT_TOKEN_DB        SQLite file for relay session tokens
  WATTPILOT_HTTP_LISTEN     HTTP API address (default: 127.0.0.1:8080)
  WATTPILOT_HTTP_TOKEN      Bearer token required for writes
  WATTPILOT_MQTT_BROKER     MQTT broker URL, e.g. tcp://localhost:1883
  WATTPILOT_MQTT_PREFIX     MQTT topic prefix (default: wattpilot)
  WATTPILOT_COMMAND_TIMEOUT Write confirmation timeout (default: 10s)
  WATTPILOT_LOG_LEVEL       Log level: debug, info, warn, error
`, wattpilot.Version)
}

func runConfigCheck(path string) int {
	fmt.Println("Checking configuration...")
	fmt.Println()

	cfg, err := config.Load(path)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Printf("❌ Config error: %v\n", err)
		return 1
	}

	fmt.Println("✓ Config OK")
	fmt.Printf("  Mode:        %s\n", cfg.Charger.Mode)
	if cfg.Charger.Host != "" {
		fmt.Printf("  Host:        %s\n", cfg.Charger.Host)
	}
	if cfg.Charger.Serial != "" {
		fmt.Printf("  Serial:      %s\n", cfg.Charger.Serial)
	}
	fmt.Printf("  HTTP:        %s\n", orNone(cfg.HTTP.Listen))
	fmt.Printf("  MQTT:        %s\n", orNone(cfg.MQTT.Broker))
	fmt.Println()

	fmt.Print("Testing charger connection... ")

	clientCfg, _ := cfg.Client()
	clientCfg.Reconnect.Enabled = false
	client, err := wattpilot.New(clientCfg)
	if err != nil {
		fmt.Printf("❌ Failed\n  Error: %v\n", err)
		return 1
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()
	start := time.Now()
	err = client.Connect(ctx)
	latency := time.Since(start)
	if err != nil {
		fmt.Printf("❌ Failed\n")
		if errors.Is(err, wattpilot.ErrAuthenticationFailed) {
			fmt.Println("  Error: the charger rejected the password")
		} else {
			fmt.Printf("  Error: %v\n", err)
		}
		return 1
	}

	id := client.Identity()
	fmt.Printf("✓ OK (ready in %dms)\n", latency.Milliseconds())
	fmt.Printf("  Serial:      %s\n", id.Serial)
	fmt.Printf("  Name:        %s\n", id.Name)
	fmt.Printf("  Firmware:    %s\n", id.Firmware)
	fmt.Printf("  Properties:  %d\n", len(client.Snapshot().Properties))
	return 0
}

func orNone(s string) string {
	if s == "" {
		return "(disabled)"
	}
	return s
}
