// Package config handles configuration loading for the fleet binaries.
//
// # Overview
//
// The server, relay, and agent share one configuration file. Each binary
// validates only the sections it uses, so a single file can be deployed to
// every host.
//
// # Configuration File
//
// Locations (in order):
//
//  1. --config flag
//  2. Path from FLEET_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/fleet/fleet.yaml (or ~/.config/fleet/fleet.yaml)
//
// A missing file at an implicit location falls back to Default().
// Files ending in .toml are decoded as TOML; everything else is YAML.
//
// # Environment Variable Expansion
//
//	mqtt:
//	  password: "${MQTT_PASSWORD}"
//
// Unset variables expand to the empty string.
//
// # Durations
//
// Duration values use time.ParseDuration syntax and must be positive:
//
//	fleet:
//	  heartbeat_timeout: "300s"
//	  check_interval: "60s"
//
// # Sections
//
//	server:   http_addr
//	database: path
//	mqtt:     broker, username, password, client_id, keep_alive, connect_timeout
//	fleet:    heartbeat_timeout, check_interval, command_timeout, command_retention
//	agent:    id, device_id, device_name, heartbeat_interval, heartbeat_check,
//	          status_interval, input.source, input.devices
//	relay:    server_url, forward_timeout, dedupe_ttl, dedupe_size
//	logging:  level, format
//	tracing:  endpoint, insecure, service_name
//	notify:   urls
package config
