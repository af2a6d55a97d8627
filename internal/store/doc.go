// Package store provides durable fleet state using SQLite.
//
// # Schema
//
//	agent_heartbeats(agent_id PRIMARY KEY, last_heartbeat)
//	device_statuses(id AUTOINCREMENT, agent_id, device_id, device_name, status,
//	                keyboard_events, mouse_clicks, last_activity, reported_at)
//
// agent_heartbeats holds one row per agent and is only ever moved forward:
// the upsert keeps MAX(stored, new). device_statuses is append-only; every
// ingested report becomes a row and rows are never updated or deleted.
//
// Times are stored as unix milliseconds. last_activity is the server's
// arrival time, reported_at the agent's own timestamp when it sent one.
//
// The schema is created with CREATE TABLE IF NOT EXISTS on open, and
// databases created with only the base columns are migrated in place.
//
// # Implementations
//
//   - SQLiteStore: modernc.org/sqlite (pure Go), WAL journal, one connection
//   - MockStore: in-memory, for tests, with FailWith for error injection
package store
