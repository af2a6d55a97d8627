// ABOUTME: Entry point for the relay that bridges bus traffic to the fleet server's HTTP API
// ABOUTME: Subscribes to heartbeats, device status, command responses, and presence

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/Davery92/sara-jarvis/internal/bus"
	"github.com/Davery92/sara-jarvis/internal/client"
	"github.com/Davery92/sara-jarvis/internal/config"
	"github.com/Davery92/sara-jarvis/internal/dedupe"
	"github.com/Davery92/sara-jarvis/internal/logging"
	"github.com/Davery92/sara-jarvis/internal/relay"
)

// Version is set at build time.
var version = "dev"

func main() {
	configPath := pflag.StringP("config", "c", "", "config file (default $FLEET_CONFIG or ~/.config/fleet/fleet.yaml)")
	serverURL := pflag.String("server", "", "fleet server base URL (overrides relay.server_url)")
	broker := pflag.String("broker", "", "MQTT broker URL (overrides mqtt.broker)")
	showVersion := pflag.BoolP("version", "v", false, "print version and exit")
	pflag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath, *serverURL, *broker); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, serverURL, broker string) error {
	cfg, resolvedPath, err := config.Resolve(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if serverURL != "" {
		cfg.Relay.ServerURL = serverURL
	}
	if broker != "" {
		cfg.MQTT.Broker = broker
	}
	if err := cfg.ValidateRelay(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := logging.New(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	green.Print("▶ ")
	fmt.Printf("fleet-relay %s  %s -> %s\n", version, cfg.MQTT.Broker, cfg.Relay.ServerURL)

	logger.Info("starting fleet-relay",
		"config", resolvedPath,
		"broker", cfg.MQTT.Broker,
		"server_url", cfg.Relay.ServerURL,
		"dedupe_ttl", cfg.Relay.DedupeTTL,
	)

	seen := dedupe.New(cfg.Relay.DedupeTTL, cfg.Relay.DedupeSize, nil)
	defer seen.Close()

	r := relay.New(relay.Config{
		Forwarder:      client.New(cfg.Relay.ServerURL, cfg.Relay.ForwardTimeout),
		Dedupe:         seen,
		ForwardTimeout: cfg.Relay.ForwardTimeout,
		Logger:         logger,
	})

	busClient := bus.NewClient(bus.Options{
		Broker:         cfg.MQTT.Broker,
		Username:       cfg.MQTT.Username,
		Password:       cfg.MQTT.Password,
		ClientID:       cfg.ClientID("relay"),
		KeepAlive:      cfg.MQTT.KeepAlive,
		ConnectTimeout: cfg.MQTT.ConnectTimeout,
	}, logger)
	r.Register(busClient)

	if err := busClient.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := busClient.Disconnect(shutdownCtx); err != nil {
		logger.Warn("disconnect failed", "error", err)
	}

	stats := r.Stats()
	logger.Info("fleet-relay stopped",
		"forwarded", stats.Forwarded,
		"malformed", stats.Malformed,
		"duplicates", stats.Duplicates,
		"failed", stats.Failed,
	)
	return nil
}
