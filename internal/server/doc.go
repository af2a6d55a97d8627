// Package server is the central fleet server.
//
// # Overview
//
// The server owns the durable store, the in-memory registry of agents and
// devices, and an MQTT client used only to publish commands. Relays forward
// bus traffic to it over HTTP; operators query and command the fleet through
// the same API.
//
// # Routes
//
//	POST /agents/heartbeat/                      ingest a heartbeat
//	POST /update_device_status/                  ingest a device status report
//	POST /agents/{agent_id}/command/             dispatch a command (returns command_id)
//	POST /agents/{agent_id}/command/response/    ingest an agent's command response
//	POST /agents/{agent_id}/presence/            ingest a presence announcement
//	GET  /agents/                                agents with online state
//	GET  /devices/                               latest status per device
//	GET  /devices/{agent_id}/{device_id}/history/?limit=N
//	GET  /commands/{command_id}/?wait=10s        command state, optionally waiting
//	GET  /health                                 liveness and fleet counts
//	GET  /events?type=a,b                        websocket stream of fleet events
//
// Paths without a trailing slash are accepted. Errors are returned as
// {"status":"error","message":...} with 400 for validation failures, 404
// for unknown commands, 503 when the broker is unreachable and 500 for
// store failures.
//
// # Lifecycle
//
// New opens the store and rebuilds the registry from it. Run connects to the
// broker (failure is fatal), starts the staleness monitor and the optional
// notifier, and serves HTTP until the context is cancelled.
package server
