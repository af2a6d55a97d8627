// Package agent is the runtime that runs on each monitored host.
//
// # Overview
//
// A Runtime publishes two periodic messages and answers commands:
//
//   - a heartbeat on agents/heartbeat, checked every heartbeat_check and
//     sent when the last one is older than heartbeat_interval
//   - a device status report on device/status every status_interval, built
//     from the activity counters, which are reset by each report
//   - one response on agents/{id}/command/response per message received on
//     agents/{id}/command
//
// # Activity
//
// Activity holds the keyboard and click counters. Input sources call
// RecordKey and RecordClick; the status loop calls SnapshotAndReset, which
// reads and clears the counters under a single lock so no event is lost
// between the two.
//
// # Commands
//
// Handlers are registered by action. get_status returns the last report plus
// the live counters, ping answers with the agent's clock, and shutdown
// acknowledges and then stops Run with ErrShutdownRequested. Unknown actions
// and unparsable payloads produce an error response.
package agent
