package adapters

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"simonair-gateway/application"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS devices (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	active     INTEGER NOT NULL DEFAULT 1,
	last_seen  TIMESTAMP
);

CREATE TABLE IF NOT EXISTS sensor_readings (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	device_id   TEXT NOT NULL,
	recorded_at TIMESTAMP NOT NULL,
	channels    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_readings_device_time
	ON sensor_readings(device_id, recorded_at);

CREATE TABLE IF NOT EXISTS device_commands (
	request_id   TEXT PRIMARY KEY,
	device_id    TEXT NOT NULL,
	command_type TEXT NOT NULL,
	payload      TEXT NOT NULL,
	ack_status   TEXT NOT NULL,
	reason       TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMP NOT NULL,
	updated_at   TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS device_thresholds (
	device_id TEXT NOT NULL,
	channel   TEXT NOT NULL,
	good_min  REAL NOT NULL,
	good_max  REAL NOT NULL,
	PRIMARY KEY (device_id, channel)
);
`

type SQLiteStoreParams struct {
	Path string
	Log  zerolog.Logger
}

// SQLiteStore backs the device registry, reading store, command log, and
// threshold store collaborators with a single embedded database.
type SQLiteStore struct {
	db  *sql.DB
	log zerolog.Logger
}

func NewSQLiteStore(params SQLiteStoreParams) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", params.Path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// sqlite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY churn from concurrent handlers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStore{db: db, log: params.Log}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RegisterDevice creates or reactivates a device row.
func (s *SQLiteStore) RegisterDevice(ctx context.Context, deviceID, name string, active bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (id, name, active) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, active = excluded.active`,
		deviceID, name, boolToInt(active))
	return err
}

func (s *SQLiteStore) ValidateDevice(ctx context.Context, deviceID string) (bool, error) {
	var active int
	err := s.db.QueryRowContext(ctx, `SELECT active FROM devices WHERE id = ?`, deviceID).Scan(&active)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return active == 1, nil
}

func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, deviceID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE devices SET last_seen = ? WHERE id = ?`, at.UTC(), deviceID)
	return err
}

func (s *SQLiteStore) SaveReading(ctx context.Context, reading *application.TelemetryReading) error {
	channels, err := json.Marshal(reading.Channels)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sensor_readings (device_id, recorded_at, channels) VALUES (?, ?, ?)`,
		reading.DeviceID, reading.Timestamp.UTC(), string(channels))
	return err
}

// RecentReadings returns the latest readings for a device, newest first.
func (s *SQLiteStore) RecentReadings(ctx context.Context, deviceID string, limit int) ([]application.TelemetryReading, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT recorded_at, channels FROM sensor_readings
		WHERE device_id = ? ORDER BY recorded_at DESC LIMIT ?`,
		deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var readings []application.TelemetryReading
	for rows.Next() {
		var (
			recordedAt time.Time
			channels   string
		)
		if err := rows.Scan(&recordedAt, &channels); err != nil {
			return nil, err
		}

		reading := application.TelemetryReading{DeviceID: deviceID, Timestamp: recordedAt}
		if err := json.Unmarshal([]byte(channels), &reading.Channels); err != nil {
			return nil, err
		}
		readings = append(readings, reading)
	}
	return readings, rows.Err()
}

func (s *SQLiteStore) SaveCommand(ctx context.Context, cmd *application.DeviceCommand) error {
	now := time.Now().UTC()
	createdAt := cmd.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_commands (request_id, device_id, command_type, payload, ack_status, reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cmd.RequestID, cmd.DeviceID, cmd.CommandType, string(cmd.Payload), string(cmd.AckStatus), cmd.Reason, createdAt, now)
	return err
}

func (s *SQLiteStore) UpdateAckStatus(ctx context.Context, requestID string, status application.AckStatus, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE device_commands SET ack_status = ?, reason = ?, updated_at = ? WHERE request_id = ?`,
		string(status), reason, time.Now().UTC(), requestID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("command %s not found", requestID)
	}
	return nil
}

// Command returns one command log row by request id.
func (s *SQLiteStore) Command(ctx context.Context, requestID string) (*application.DeviceCommand, error) {
	var (
		cmd     application.DeviceCommand
		payload string
		status  string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT request_id, device_id, command_type, payload, ack_status, reason, created_at
		FROM device_commands WHERE request_id = ?`, requestID).
		Scan(&cmd.RequestID, &cmd.DeviceID, &cmd.CommandType, &payload, &status, &cmd.Reason, &cmd.CreatedAt)
	if err != nil {
		return nil, err
	}
	cmd.Payload = []byte(payload)
	cmd.AckStatus = application.AckStatus(status)
	return &cmd, nil
}

func (s *SQLiteStore) SaveThresholds(ctx context.Context, deviceID string, thresholds map[string]application.ThresholdRange) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for channel, rng := range thresholds {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO device_thresholds (device_id, channel, good_min, good_max) VALUES (?, ?, ?, ?)
			ON CONFLICT(device_id, channel) DO UPDATE SET good_min = excluded.good_min, good_max = excluded.good_max`,
			deviceID, channel, rng.GoodMin, rng.GoodMax); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Thresholds(ctx context.Context, deviceID string) (map[string]application.ThresholdRange, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel, good_min, good_max FROM device_thresholds WHERE device_id = ?`, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	thresholds := make(map[string]application.ThresholdRange)
	for rows.Next() {
		var (
			channel string
			rng     application.ThresholdRange
		)
		if err := rows.Scan(&channel, &rng.GoodMin, &rng.GoodMax); err != nil {
			return nil, err
		}
		thresholds[channel] = rng
	}
	return thresholds, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var (
	_ application.DeviceRegistry = &SQLiteStore{}
	_ application.ReadingSink    = &SQLiteStore{}
	_ application.CommandLog     = &SQLiteStore{}
	_ application.ThresholdStore = &SQLiteStore{}
)
