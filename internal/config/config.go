// ABOUTME: Configuration loading and parsing for the fleet server, relay, and agent
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/Davery92/sara-jarvis/internal/bus"
)

// Config represents the complete fleet configuration. Every binary reads the
// same file and validates only the sections it uses.
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	MQTT     MQTTConfig     `yaml:"mqtt" toml:"mqtt"`
	Fleet    FleetConfig    `yaml:"fleet" toml:"fleet"`
	Agent    AgentConfig    `yaml:"agent" toml:"agent"`
	Relay    RelayConfig    `yaml:"relay" toml:"relay"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
	Tracing  TracingConfig  `yaml:"tracing" toml:"tracing"`
	Notify   NotifyConfig   `yaml:"notify" toml:"notify"`
}

// ServerConfig holds the central server's listen address
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// MQTTConfig holds broker connection settings shared by every process on the bus
type MQTTConfig struct {
	Broker   string `yaml:"broker" toml:"broker"`
	Username string `yaml:"username" toml:"username"`
	Password string `yaml:"password" toml:"password"`
	ClientID string `yaml:"client_id" toml:"client_id"`

	KeepAlive      time.Duration `yaml:"-" toml:"-"`
	ConnectTimeout time.Duration `yaml:"-" toml:"-"`

	KeepAliveRaw      string `yaml:"keep_alive" toml:"keep_alive"`
	ConnectTimeoutRaw string `yaml:"connect_timeout" toml:"connect_timeout"`
}

// FleetConfig holds the central server's liveness and command timing
type FleetConfig struct {
	HeartbeatTimeout time.Duration `yaml:"-" toml:"-"`
	CheckInterval    time.Duration `yaml:"-" toml:"-"`
	CommandTimeout   time.Duration `yaml:"-" toml:"-"`
	CommandRetention time.Duration `yaml:"-" toml:"-"`

	HeartbeatTimeoutRaw string `yaml:"heartbeat_timeout" toml:"heartbeat_timeout"`
	CheckIntervalRaw    string `yaml:"check_interval" toml:"check_interval"`
	CommandTimeoutRaw   string `yaml:"command_timeout" toml:"command_timeout"`
	CommandRetentionRaw string `yaml:"command_retention" toml:"command_retention"`
}

// AgentConfig holds settings for one monitored host
type AgentConfig struct {
	ID         string      `yaml:"id" toml:"id"`
	DeviceID   string      `yaml:"device_id" toml:"device_id"`
	DeviceName string      `yaml:"device_name" toml:"device_name"`
	Input      InputConfig `yaml:"input" toml:"input"`

	HeartbeatInterval time.Duration `yaml:"-" toml:"-"`
	HeartbeatCheck    time.Duration `yaml:"-" toml:"-"`
	StatusInterval    time.Duration `yaml:"-" toml:"-"`

	HeartbeatIntervalRaw string `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	HeartbeatCheckRaw    string `yaml:"heartbeat_check" toml:"heartbeat_check"`
	StatusIntervalRaw    string `yaml:"status_interval" toml:"status_interval"`
}

// InputConfig selects where keyboard and pointer activity is captured from
type InputConfig struct {
	Source  string   `yaml:"source" toml:"source"` // "none" or "evdev"
	Devices []string `yaml:"devices" toml:"devices"`
}

// RelayConfig holds the bus-to-server bridge settings
type RelayConfig struct {
	ServerURL  string `yaml:"server_url" toml:"server_url"`
	DedupeSize int    `yaml:"dedupe_size" toml:"dedupe_size"`

	ForwardTimeout time.Duration `yaml:"-" toml:"-"`
	DedupeTTL      time.Duration `yaml:"-" toml:"-"`

	ForwardTimeoutRaw string `yaml:"forward_timeout" toml:"forward_timeout"`
	DedupeTTLRaw      string `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// TracingConfig holds the optional OTLP trace exporter settings
type TracingConfig struct {
	Endpoint    string `yaml:"endpoint" toml:"endpoint"`
	Insecure    bool   `yaml:"insecure" toml:"insecure"`
	ServiceName string `yaml:"service_name" toml:"service_name"`
}

// NotifyConfig lists shoutrrr service URLs that receive offline alerts
type NotifyConfig struct {
	URLs []string `yaml:"urls" toml:"urls"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values and unset fields get defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// DefaultPath returns the implicit config location:
// FLEET_CONFIG env var > XDG_CONFIG_HOME/fleet/fleet.yaml > ~/.config/fleet/fleet.yaml
func DefaultPath() string {
	if envPath := os.Getenv("FLEET_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "fleet.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "fleet", "fleet.yaml")
}

// Resolve loads the config named by an explicit --config flag value, or the
// implicit default path. A missing file at the implicit path yields Default();
// a missing explicit file is an error.
func Resolve(flagPath string) (*Config, string, error) {
	if flagPath != "" {
		cfg, err := Load(flagPath)
		return cfg, flagPath, err
	}

	path := DefaultPath()
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), "", nil
	}
	return cfg, path, err
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"mqtt.keep_alive", cfg.MQTT.KeepAliveRaw, &cfg.MQTT.KeepAlive},
		{"mqtt.connect_timeout", cfg.MQTT.ConnectTimeoutRaw, &cfg.MQTT.ConnectTimeout},
		{"fleet.heartbeat_timeout", cfg.Fleet.HeartbeatTimeoutRaw, &cfg.Fleet.HeartbeatTimeout},
		{"fleet.check_interval", cfg.Fleet.CheckIntervalRaw, &cfg.Fleet.CheckInterval},
		{"fleet.command_timeout", cfg.Fleet.CommandTimeoutRaw, &cfg.Fleet.CommandTimeout},
		{"fleet.command_retention", cfg.Fleet.CommandRetentionRaw, &cfg.Fleet.CommandRetention},
		{"agent.heartbeat_interval", cfg.Agent.HeartbeatIntervalRaw, &cfg.Agent.HeartbeatInterval},
		{"agent.heartbeat_check", cfg.Agent.HeartbeatCheckRaw, &cfg.Agent.HeartbeatCheck},
		{"agent.status_interval", cfg.Agent.StatusIntervalRaw, &cfg.Agent.StatusInterval},
		{"relay.forward_timeout", cfg.Relay.ForwardTimeoutRaw, &cfg.Relay.ForwardTimeout},
		{"relay.dedupe_ttl", cfg.Relay.DedupeTTLRaw, &cfg.Relay.DedupeTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}

func applyDefaults(cfg *Config) {
	setString(&cfg.Server.HTTPAddr, ":7000")
	setString(&cfg.Database.Path, "agent_data.db")

	setString(&cfg.MQTT.Broker, "tcp://localhost:1883")
	setDuration(&cfg.MQTT.KeepAlive, 60*time.Second)
	setDuration(&cfg.MQTT.ConnectTimeout, 10*time.Second)

	setDuration(&cfg.Fleet.HeartbeatTimeout, 300*time.Second)
	setDuration(&cfg.Fleet.CheckInterval, 60*time.Second)
	setDuration(&cfg.Fleet.CommandTimeout, 5*time.Minute)
	setDuration(&cfg.Fleet.CommandRetention, time.Hour)

	if cfg.Agent.ID == "" {
		cfg.Agent.ID = DefaultAgentID()
	}
	setString(&cfg.Agent.DeviceID, "input")
	setString(&cfg.Agent.DeviceName, "Keyboard/Mouse")
	setString(&cfg.Agent.Input.Source, "none")
	setDuration(&cfg.Agent.HeartbeatInterval, 60*time.Second)
	setDuration(&cfg.Agent.HeartbeatCheck, 10*time.Second)
	setDuration(&cfg.Agent.StatusInterval, 60*time.Second)

	setString(&cfg.Relay.ServerURL, "http://localhost:7000")
	setDuration(&cfg.Relay.ForwardTimeout, 10*time.Second)
	setDuration(&cfg.Relay.DedupeTTL, 10*time.Minute)
	if cfg.Relay.DedupeSize <= 0 {
		cfg.Relay.DedupeSize = 10000
	}

	setString(&cfg.Logging.Level, "info")
	setString(&cfg.Logging.Format, "text")
	setString(&cfg.Tracing.ServiceName, "fleet-server")
}

// DefaultAgentID derives a stable agent identifier from the host name.
func DefaultAgentID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "unknown"
	}
	return "agent_" + hostname
}

// ClientID returns the MQTT client id for a role ("server", "relay", "agent").
// An explicit mqtt.client_id wins; otherwise the id is derived from the role
// and host so several roles can share one config file and one broker.
func (c *Config) ClientID(role string) string {
	if c.MQTT.ClientID != "" {
		return c.MQTT.ClientID
	}
	if role == "agent" && c.Agent.ID != "" {
		return "fleet-agent-" + c.Agent.ID
	}
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "unknown"
	}
	return "fleet-" + role + "-" + hostname
}

func setString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func setDuration(dst *time.Duration, def time.Duration) {
	if *dst == 0 {
		*dst = def
	}
}

// ValidateServer checks the sections the central server depends on.
func (c *Config) ValidateServer() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Fleet.CheckInterval > c.Fleet.HeartbeatTimeout {
		return fmt.Errorf("fleet.check_interval (%s) must not exceed fleet.heartbeat_timeout (%s)",
			c.Fleet.CheckInterval, c.Fleet.HeartbeatTimeout)
	}
	return c.validateBroker()
}

// ValidateAgent checks the sections the agent runtime depends on.
func (c *Config) ValidateAgent() error {
	if c.Agent.ID == "" {
		return fmt.Errorf("agent.id is required")
	}
	if !bus.ValidAgentID(c.Agent.ID) {
		return fmt.Errorf("agent.id %q must not contain MQTT topic characters", c.Agent.ID)
	}
	if c.Agent.DeviceID == "" {
		return fmt.Errorf("agent.device_id is required")
	}
	switch c.Agent.Input.Source {
	case "none", "evdev":
	default:
		return fmt.Errorf("agent.input.source must be \"none\" or \"evdev\", got %q", c.Agent.Input.Source)
	}
	return c.validateBroker()
}

// ValidateRelay checks the sections the relay depends on.
func (c *Config) ValidateRelay() error {
	u, err := url.Parse(c.Relay.ServerURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("relay.server_url %q is not an absolute URL", c.Relay.ServerURL)
	}
	return c.validateBroker()
}

func (c *Config) validateBroker() error {
	u, err := url.Parse(c.MQTT.Broker)
	if err != nil || u.Host == "" {
		return fmt.Errorf("mqtt.broker %q must look like tcp://host:port", c.MQTT.Broker)
	}
	switch u.Scheme {
	case "tcp", "mqtt", "ssl", "tls", "mqtts", "ws", "wss":
	default:
		return fmt.Errorf("mqtt.broker scheme %q is not supported", u.Scheme)
	}
	return nil
}
