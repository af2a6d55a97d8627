// Package client is the HTTP client for the fleet server API.
//
// The relay uses the ingestion calls (Heartbeat, UpdateDeviceStatus,
// CommandResponse, Presence); the fleet-server CLI uses the operator calls
// (Agents, Devices, DeviceHistory, DispatchCommand, Command, Health).
//
// Non-2xx answers come back as *APIError carrying the server's message, and
// match ErrServer with errors.Is. Transport failures are returned wrapped.
package client
