// Package relay bridges the MQTT bus to the central server.
//
// It subscribes to agents/heartbeat, device/status/#, agents/+/command/response
// and agents/+/presence and forwards each message to the matching server
// route. Malformed messages and failed forwards are logged and dropped; the
// relay never retries. Command responses are deduplicated by command id so a
// QoS 1 redelivery reaches the server once.
package relay
