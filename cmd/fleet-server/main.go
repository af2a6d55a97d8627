// ABOUTME: Entry point for the fleet server and its operator commands
// ABOUTME: serve runs ingestion, monitoring, and dispatch; the rest query a running server over HTTP

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/Davery92/sara-jarvis/internal/bus"
	"github.com/Davery92/sara-jarvis/internal/client"
	"github.com/Davery92/sara-jarvis/internal/config"
	"github.com/Davery92/sara-jarvis/internal/fleet"
	"github.com/Davery92/sara-jarvis/internal/logging"
	"github.com/Davery92/sara-jarvis/internal/server"
)

// Version is set at build time.
var version = "dev"

const banner = `
  __ _           _
 / _| | ___  ___| |_      ___  ___ _ ____   _____ _ __
| |_| |/ _ \/ _ \ __|____/ __|/ _ \ '__\ \ / / _ \ '__|
|  _| |  __/  __/ ||_____\__ \  __/ |   \ V /  __/ |
|_| |_|\___|\___|\__|    |___/\___|_|    \_/ \___|_|
`

func usage() {
	fmt.Println("Usage: fleet-server <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                              Start the fleet server")
	fmt.Println("  init                               Create a new config file interactively")
	fmt.Println("  health                             Check server health")
	fmt.Println("  agents                             List known agents")
	fmt.Println("  devices                            List device status")
	fmt.Println("  history AGENT DEVICE               Show a device's status log")
	fmt.Println("  command AGENT ACTION [key=value]   Dispatch a command to an agent")
	fmt.Println("  command-status COMMAND_ID          Show a dispatched command")
	fmt.Println()
	fmt.Println("Every command accepts --config PATH; query commands accept --server URL.")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, args)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx, args)
	case "agents":
		err = runAgents(ctx, args)
	case "devices":
		err = runDevices(ctx, args)
	case "history":
		err = runHistory(ctx, args)
	case "command":
		err = runCommand(ctx, args)
	case "command-status":
		err = runCommandStatus(ctx, args)
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// commonFlags are shared by every subcommand.
type commonFlags struct {
	configPath string
	serverURL  string
	timeout    time.Duration
}

func newFlagSet(name string, common *commonFlags) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringVarP(&common.configPath, "config", "c", "", "config file (default $FLEET_CONFIG or ~/.config/fleet/fleet.yaml)")
	fs.StringVar(&common.serverURL, "server", "", "server base URL (default derived from server.http_addr)")
	fs.DurationVar(&common.timeout, "timeout", 10*time.Second, "HTTP request timeout")
	return fs
}

func runServe(ctx context.Context, args []string) error {
	var common commonFlags
	fs := newFlagSet("serve", &common)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := config.Resolve(common.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if configPath == "" {
		configPath = "(defaults)"
	}

	logger := logging.New(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Broker:    %s\n", cfg.MQTT.Broker)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Liveness:  offline after %s, checked every %s\n", cfg.Fleet.HeartbeatTimeout, cfg.Fleet.CheckInterval)
	if len(cfg.Notify.URLs) > 0 {
		green.Print("    ▶ ")
		fmt.Print("Notify:    ")
		yellow.Printf("%d target(s)\n", len(cfg.Notify.URLs))
	}
	if cfg.Tracing.Endpoint != "" {
		green.Print("    ▶ ")
		fmt.Print("Tracing:   ")
		cyan.Println(cfg.Tracing.Endpoint)
	}
	fmt.Println()

	logger.Info("starting fleet-server",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"broker", cfg.MQTT.Broker,
	)

	srv, err := server.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	return srv.Run(ctx)
}

// newClient builds an API client from the common flags, deriving the server
// URL from the config when --server is not given.
func newClient(common commonFlags) (*client.Client, error) {
	if common.serverURL != "" {
		return client.New(common.serverURL, common.timeout), nil
	}

	cfg, _, err := config.Resolve(common.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return client.New(serverURL(cfg.Server.HTTPAddr), common.timeout), nil
}

// serverURL turns a listen address into a URL a local client can reach.
func serverURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func runHealth(ctx context.Context, args []string) error {
	var common commonFlags
	fs := newFlagSet("health", &common)
	if err := fs.Parse(args); err != nil {
		return err
	}

	c, err := newClient(common)
	if err != nil {
		return err
	}

	health, err := c.Health(ctx)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	color.Green("healthy")
	fmt.Printf("  agents:        %v\n", health["agents"])
	fmt.Printf("  agents online: %v\n", health["agents_online"])
	fmt.Printf("  uptime:        %v\n", health["uptime"])
	return nil
}

func runAgents(ctx context.Context, args []string) error {
	var common commonFlags
	fs := newFlagSet("agents", &common)
	if err := fs.Parse(args); err != nil {
		return err
	}

	c, err := newClient(common)
	if err != nil {
		return err
	}

	agents, err := c.Agents(ctx)
	if err != nil {
		return fmt.Errorf("listing agents: %w", err)
	}
	if len(agents) == 0 {
		fmt.Println("No agents have reported yet.")
		return nil
	}

	sort.Slice(agents, func(i, j int) bool { return agents[i].AgentID < agents[j].AgentID })

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AGENT\tSTATE\tLAST HEARTBEAT")
	for _, a := range agents {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", a.AgentID, onlineLabel(a.Online), formatTime(a.LastHeartbeat))
	}
	return tw.Flush()
}

func onlineLabel(online bool) string {
	if online {
		return color.GreenString("online")
	}
	return color.RedString("offline")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return fmt.Sprintf("%s (%s ago)", t.Local().Format(time.DateTime), time.Since(t).Round(time.Second))
}

func statusLabel(status string) string {
	switch status {
	case "active":
		return color.GreenString(status)
	case "inactive":
		return color.YellowString(status)
	default:
		return status
	}
}

func printDevices(devices []fleet.DeviceView, showAgent bool) error {
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if showAgent {
		fmt.Fprint(tw, "AGENT\tDEVICE\t")
	}
	fmt.Fprintln(tw, "NAME\tSTATUS\tKEYS\tCLICKS\tLAST ACTIVITY")
	for _, d := range devices {
		if showAgent {
			fmt.Fprintf(tw, "%s\t%s\t", d.AgentID, d.DeviceID)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n",
			d.DeviceName, statusLabel(d.Status), d.KeyboardEvents, d.MouseClicks, formatTime(d.LastActivity))
	}
	return tw.Flush()
}

func runDevices(ctx context.Context, args []string) error {
	var common commonFlags
	fs := newFlagSet("devices", &common)
	if err := fs.Parse(args); err != nil {
		return err
	}

	c, err := newClient(common)
	if err != nil {
		return err
	}

	devices, err := c.Devices(ctx)
	if err != nil {
		return fmt.Errorf("listing devices: %w", err)
	}
	if len(devices) == 0 {
		fmt.Println("No device status has been reported yet.")
		return nil
	}

	sort.Slice(devices, func(i, j int) bool {
		if devices[i].AgentID != devices[j].AgentID {
			return devices[i].AgentID < devices[j].AgentID
		}
		return devices[i].DeviceID < devices[j].DeviceID
	})
	return printDevices(devices, true)
}

func runHistory(ctx context.Context, args []string) error {
	var common commonFlags
	fs := newFlagSet("history", &common)
	limit := fs.IntP("limit", "n", 20, "maximum entries to show (0 for all)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return errors.New("usage: fleet-server history AGENT DEVICE [--limit N]")
	}

	c, err := newClient(common)
	if err != nil {
		return err
	}

	history, err := c.DeviceHistory(ctx, fs.Arg(0), fs.Arg(1), *limit)
	if err != nil {
		return fmt.Errorf("reading history: %w", err)
	}
	if len(history) == 0 {
		fmt.Println("No history for this device.")
		return nil
	}
	return printDevices(history, false)
}

// parseArgs turns key=value pairs into command arguments. Values that parse
// as JSON keep their type; anything else is a string.
func parseArgs(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid argument %q: want key=value", pair)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		out[key] = v
	}
	return out, nil
}

func runCommand(ctx context.Context, args []string) error {
	var common commonFlags
	fs := newFlagSet("command", &common)
	wait := fs.DurationP("wait", "w", 10*time.Second, "how long to wait for the agent's response (0 to return immediately)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 2 {
		return errors.New("usage: fleet-server command AGENT ACTION [key=value ...] [--wait 10s]")
	}

	cmdArgs, err := parseArgs(fs.Args()[2:])
	if err != nil {
		return err
	}

	// The request timeout must outlive the server-side wait.
	if *wait > 0 && common.timeout < *wait+5*time.Second {
		common.timeout = *wait + 5*time.Second
	}
	c, err := newClient(common)
	if err != nil {
		return err
	}

	agentID, action := fs.Arg(0), fs.Arg(1)
	commandID, err := c.DispatchCommand(ctx, agentID, bus.Command{Action: action, Args: cmdArgs})
	if err != nil {
		return fmt.Errorf("dispatching command: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Print("▶ ")
	fmt.Printf("dispatched %s to %s (command %s)\n", action, agentID, commandID)

	if *wait <= 0 {
		return nil
	}

	rec, err := c.Command(ctx, commandID, *wait)
	if err != nil {
		return fmt.Errorf("waiting for response: %w", err)
	}
	return printCommand(rec)
}

func runCommandStatus(ctx context.Context, args []string) error {
	var common commonFlags
	fs := newFlagSet("command-status", &common)
	wait := fs.DurationP("wait", "w", 0, "block up to this long for a pending command")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: fleet-server command-status COMMAND_ID [--wait 10s]")
	}

	if *wait > 0 && common.timeout < *wait+5*time.Second {
		common.timeout = *wait + 5*time.Second
	}
	c, err := newClient(common)
	if err != nil {
		return err
	}

	rec, err := c.Command(ctx, fs.Arg(0), *wait)
	if err != nil {
		return fmt.Errorf("reading command: %w", err)
	}
	return printCommand(rec)
}

func printCommand(rec fleet.CommandRecord) error {
	switch rec.State {
	case fleet.CommandCompleted:
		color.Green("%s: %s", rec.CommandID, rec.State)
	case fleet.CommandPending:
		color.Yellow("%s: %s (no response yet)", rec.CommandID, rec.State)
	default:
		color.Red("%s: %s", rec.CommandID, rec.State)
	}
	if rec.Error != "" {
		fmt.Printf("error: %s\n", rec.Error)
	}
	if len(rec.Result) > 0 {
		out, err := json.MarshalIndent(rec.Result, "", "  ")
		if err != nil {
			return fmt.Errorf("formatting result: %w", err)
		}
		fmt.Println(string(out))
	}
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("fleet configuration setup")
	fmt.Println("=========================")
	fmt.Println()

	outputFile := prompt(reader, "Config file path", config.DefaultPath())

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := strings.ToLower(prompt(reader, "File exists. Overwrite?", "no"))
		if overwrite != "yes" && overwrite != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	defaults := config.Default()

	fmt.Println("\n--- Server ---")
	httpAddr := prompt(reader, "HTTP address", defaults.Server.HTTPAddr)
	dbPath := prompt(reader, "SQLite database path", defaults.Database.Path)
	heartbeatTimeout := prompt(reader, "Mark agents offline after", defaults.Fleet.HeartbeatTimeout.String())

	fmt.Println("\n--- MQTT ---")
	broker := prompt(reader, "Broker URL", defaults.MQTT.Broker)
	username := prompt(reader, "Username (leave empty for none)", "")

	fmt.Println("\n--- Agent ---")
	agentID := prompt(reader, "Agent id", defaults.Agent.ID)
	inputSource := prompt(reader, "Input source (none/evdev)", defaults.Agent.Input.Source)

	fmt.Println("\n--- Logging ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", defaults.Logging.Level)
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var b strings.Builder
	b.WriteString("# fleet configuration\n")
	b.WriteString("# Generated by fleet-server init\n\n")

	fmt.Fprintf(&b, "server:\n  http_addr: %q\n\n", httpAddr)
	fmt.Fprintf(&b, "database:\n  path: %q\n\n", dbPath)

	b.WriteString("mqtt:\n")
	fmt.Fprintf(&b, "  broker: %q\n", broker)
	if username != "" {
		fmt.Fprintf(&b, "  username: %q\n", username)
		b.WriteString("  password: \"${FLEET_MQTT_PASSWORD}\"\n")
	}
	b.WriteString("\n")

	b.WriteString("fleet:\n")
	fmt.Fprintf(&b, "  heartbeat_timeout: %q\n", heartbeatTimeout)
	fmt.Fprintf(&b, "  check_interval: %q\n\n", defaults.Fleet.CheckInterval.String())

	b.WriteString("agent:\n")
	fmt.Fprintf(&b, "  id: %q\n", agentID)
	fmt.Fprintf(&b, "  device_id: %q\n", defaults.Agent.DeviceID)
	fmt.Fprintf(&b, "  input:\n    source: %q\n\n", inputSource)

	b.WriteString("relay:\n")
	fmt.Fprintf(&b, "  server_url: %q\n\n", serverURL(httpAddr))

	fmt.Fprintf(&b, "logging:\n  level: %q\n  format: %q\n", logLevel, logFormat)

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the fleet:")
	fmt.Println("  fleet-server serve")
	fmt.Println("  fleet-relay")
	fmt.Println("  fleet-agent")
	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}
