// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides heartbeat upserts and the device status log with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection serialises writers and keeps :memory: databases coherent.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
// Timestamps are unix milliseconds.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agent_heartbeats (
			agent_id TEXT PRIMARY KEY,
			last_heartbeat INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS device_statuses (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			device_name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			keyboard_events INTEGER NOT NULL DEFAULT 0,
			mouse_clicks INTEGER NOT NULL DEFAULT 0,
			last_activity INTEGER NOT NULL,
			reported_at INTEGER
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations upgrades databases created with the bare two-table schema
// (agent_id, device_id, status, last_activity).
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		column string
		apply  string
	}{
		{"device_name", `ALTER TABLE device_statuses ADD COLUMN device_name TEXT NOT NULL DEFAULT ''`},
		{"keyboard_events", `ALTER TABLE device_statuses ADD COLUMN keyboard_events INTEGER NOT NULL DEFAULT 0`},
		{"mouse_clicks", `ALTER TABLE device_statuses ADD COLUMN mouse_clicks INTEGER NOT NULL DEFAULT 0`},
		{"reported_at", `ALTER TABLE device_statuses ADD COLUMN reported_at INTEGER`},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info('device_statuses') WHERE name = ?`, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking %s column: %w", m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to device_statuses: %w", m.column, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", "device_statuses")
	}

	_, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_device_statuses_device
		ON device_statuses(agent_id, device_id, id)`)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// UpsertHeartbeat inserts or advances the agent's heartbeat.
func (s *SQLiteStore) UpsertHeartbeat(ctx context.Context, agentID string, at time.Time) (time.Time, error) {
	query := `
		INSERT INTO agent_heartbeats (agent_id, last_heartbeat)
		VALUES (?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			last_heartbeat = MAX(agent_heartbeats.last_heartbeat, excluded.last_heartbeat)
		RETURNING last_heartbeat
	`

	var stored int64
	if err := s.db.QueryRowContext(ctx, query, agentID, toMillis(at)).Scan(&stored); err != nil {
		return time.Time{}, fmt.Errorf("upserting heartbeat: %w", err)
	}

	s.logger.Debug("stored heartbeat", "agent_id", agentID)
	return fromMillis(stored), nil
}

// GetHeartbeat retrieves one agent's heartbeat.
// Returns ErrNotFound if the agent has never sent one.
func (s *SQLiteStore) GetHeartbeat(ctx context.Context, agentID string) (*HeartbeatRecord, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_heartbeat FROM agent_heartbeats WHERE agent_id = ?`, agentID,
	).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying heartbeat: %w", err)
	}
	return &HeartbeatRecord{AgentID: agentID, LastHeartbeat: fromMillis(ms)}, nil
}

// ListHeartbeats retrieves all heartbeats ordered by agent id.
func (s *SQLiteStore) ListHeartbeats(ctx context.Context) ([]*HeartbeatRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_id, last_heartbeat FROM agent_heartbeats ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("querying heartbeats: %w", err)
	}
	defer rows.Close()

	var records []*HeartbeatRecord
	for rows.Next() {
		var rec HeartbeatRecord
		var ms int64
		if err := rows.Scan(&rec.AgentID, &ms); err != nil {
			return nil, fmt.Errorf("scanning heartbeat row: %w", err)
		}
		rec.LastHeartbeat = fromMillis(ms)
		records = append(records, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating heartbeat rows: %w", err)
	}
	return records, nil
}

// AppendDeviceStatus inserts a row into the device status log.
func (s *SQLiteStore) AppendDeviceStatus(ctx context.Context, rec *DeviceStatusRecord) error {
	query := `
		INSERT INTO device_statuses
			(agent_id, device_id, device_name, status, keyboard_events, mouse_clicks, last_activity, reported_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	var reportedAt any
	if !rec.ReportedAt.IsZero() {
		reportedAt = toMillis(rec.ReportedAt)
	}

	res, err := s.db.ExecContext(ctx, query,
		rec.AgentID,
		rec.DeviceID,
		rec.DeviceName,
		rec.Status,
		rec.KeyboardEvents,
		rec.MouseClicks,
		toMillis(rec.LastActivity),
		reportedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting device status: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading device status id: %w", err)
	}
	rec.ID = id

	s.logger.Debug("stored device status", "agent_id", rec.AgentID, "device_id", rec.DeviceID, "status", rec.Status)
	return nil
}

const deviceStatusColumns = `id, agent_id, device_id, device_name, status, keyboard_events, mouse_clicks, last_activity, reported_at`

// LatestDeviceStatuses returns the newest row per device by event time, with
// LastActivity set to the device's latest arrival.
func (s *SQLiteStore) LatestDeviceStatuses(ctx context.Context) ([]*DeviceStatusRecord, error) {
	query := `
		SELECT id, agent_id, device_id, device_name, status, keyboard_events, mouse_clicks, last_seen, reported_at FROM (
			SELECT *,
				ROW_NUMBER() OVER (
					PARTITION BY agent_id, device_id
					ORDER BY MIN(COALESCE(reported_at, last_activity), last_activity) DESC, id DESC
				) AS rn,
				MAX(last_activity) OVER (PARTITION BY agent_id, device_id) AS last_seen
			FROM device_statuses
		)
		WHERE rn = 1
		ORDER BY agent_id, device_id
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying latest device statuses: %w", err)
	}
	return scanDeviceStatuses(rows)
}

// DeviceStatusHistory returns a device's rows newest first.
// If limit is 0 or negative, DefaultHistoryLimit is used.
func (s *SQLiteStore) DeviceStatusHistory(ctx context.Context, agentID, deviceID string, limit int) ([]*DeviceStatusRecord, error) {
	query := `
		SELECT ` + deviceStatusColumns + `
		FROM device_statuses
		WHERE agent_id = ? AND device_id = ?
		ORDER BY id DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, agentID, deviceID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying device status history: %w", err)
	}
	return scanDeviceStatuses(rows)
}

// CountDeviceStatuses counts a device's rows.
func (s *SQLiteStore) CountDeviceStatuses(ctx context.Context, agentID, deviceID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM device_statuses WHERE agent_id = ? AND device_id = ?`,
		agentID, deviceID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting device statuses: %w", err)
	}
	return n, nil
}

func scanDeviceStatuses(rows *sql.Rows) ([]*DeviceStatusRecord, error) {
	defer rows.Close()

	var records []*DeviceStatusRecord
	for rows.Next() {
		var rec DeviceStatusRecord
		var lastActivity int64
		var reportedAt sql.NullInt64

		if err := rows.Scan(
			&rec.ID,
			&rec.AgentID,
			&rec.DeviceID,
			&rec.DeviceName,
			&rec.Status,
			&rec.KeyboardEvents,
			&rec.MouseClicks,
			&lastActivity,
			&reportedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning device status row: %w", err)
		}

		rec.LastActivity = fromMillis(lastActivity)
		if reportedAt.Valid {
			rec.ReportedAt = fromMillis(reportedAt.Int64)
		}
		records = append(records, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating device status rows: %w", err)
	}
	return records, nil
}
