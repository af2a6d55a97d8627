// ABOUTME: Entry point for the fleet agent that runs on each monitored host
// ABOUTME: Publishes heartbeats and input activity to the bus and answers server commands

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/Davery92/sara-jarvis/internal/agent"
	"github.com/Davery92/sara-jarvis/internal/bus"
	"github.com/Davery92/sara-jarvis/internal/clock"
	"github.com/Davery92/sara-jarvis/internal/config"
	"github.com/Davery92/sara-jarvis/internal/logging"
)

// Version is set at build time.
var version = "dev"

func main() {
	configPath := pflag.StringP("config", "c", "", "config file (default $FLEET_CONFIG or ~/.config/fleet/fleet.yaml)")
	agentID := pflag.String("id", "", "agent id (overrides agent.id)")
	broker := pflag.String("broker", "", "MQTT broker URL (overrides mqtt.broker)")
	showVersion := pflag.BoolP("version", "v", false, "print version and exit")
	pflag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath, *agentID, *broker); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, agentID, broker string) error {
	cfg, resolvedPath, err := config.Resolve(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if agentID != "" {
		cfg.Agent.ID = agentID
	}
	if broker != "" {
		cfg.MQTT.Broker = broker
	}
	if err := cfg.ValidateAgent(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := logging.New(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	green.Print("▶ ")
	fmt.Printf("fleet-agent %s  agent=%s  broker=%s\n", version, cfg.Agent.ID, cfg.MQTT.Broker)

	logger.Info("starting fleet-agent",
		"config", resolvedPath,
		"agent_id", cfg.Agent.ID,
		"device_id", cfg.Agent.DeviceID,
		"input", cfg.Agent.Input.Source,
	)

	source, err := agent.NewSource(cfg.Agent.Input, logger)
	if err != nil {
		return fmt.Errorf("creating input source: %w", err)
	}

	clk := clock.Real()
	var runtime *agent.Runtime
	busClient := bus.NewClient(bus.Options{
		Broker:         cfg.MQTT.Broker,
		Username:       cfg.MQTT.Username,
		Password:       cfg.MQTT.Password,
		ClientID:       cfg.ClientID("agent"),
		KeepAlive:      cfg.MQTT.KeepAlive,
		ConnectTimeout: cfg.MQTT.ConnectTimeout,
		Will:           agent.PresenceMessage(cfg.Agent.ID, false, time.Time{}),
		Birth:          func() *bus.Message { return runtime.Presence(true) },
	}, logger)

	activity := agent.NewActivity()
	runtime = agent.New(agent.Config{
		AgentID:           cfg.Agent.ID,
		DeviceID:          cfg.Agent.DeviceID,
		DeviceName:        cfg.Agent.DeviceName,
		HeartbeatInterval: cfg.Agent.HeartbeatInterval,
		HeartbeatCheck:    cfg.Agent.HeartbeatCheck,
		StatusInterval:    cfg.Agent.StatusInterval,
	}, busClient, activity, clk, logger)
	runtime.Register(busClient)

	if err := busClient.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}

	inputCtx, stopInput := context.WithCancel(ctx)
	inputDone := make(chan struct{})
	go func() {
		defer close(inputDone)
		if err := source.Run(inputCtx, activity); err != nil && !errors.Is(err, context.Canceled) {
			// Keep heartbeating without activity data.
			logger.Warn("input capture stopped", "error", err)
		}
	}()

	runErr := runtime.Run(ctx)
	stopInput()
	<-inputDone

	shutdown(busClient, runtime, logger)

	if errors.Is(runErr, agent.ErrShutdownRequested) {
		logger.Info("stopped by shutdown command")
		return nil
	}
	return runErr
}

// shutdown announces departure and leaves the bus. A clean disconnect does
// not trigger the broker's last-will, so the offline presence is sent here.
func shutdown(busClient *bus.Client, runtime *agent.Runtime, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	offline := runtime.Presence(false)
	if err := busClient.Publish(ctx, offline.Topic, offline.Payload); err != nil {
		logger.Warn("failed to publish offline presence", "error", err)
	}
	if err := busClient.Disconnect(ctx); err != nil {
		logger.Warn("disconnect failed", "error", err)
	}
	logger.Info("fleet-agent stopped")
}
