package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/locutus/lfsync/pkg/activation"
	"github.com/locutus/lfsync/pkg/engine"
	"github.com/locutus/lfsync/pkg/lfs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

var _ Store = (*SQLiteStore)(nil)

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: opens its own database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database with foreign keys on and WAL journaling.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate&_time_format=sqlite"
	if s.cfg.Path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
}

// CommitTx commits a transaction
func (s *SQLiteStore) CommitTx(tx *sql.Tx) error {
	return tx.Commit()
}

// RollbackTx rolls back a transaction
func (s *SQLiteStore) RollbackTx(tx *sql.Tx) error {
	return tx.Rollback()
}

// BeginSession records a new session.
func (s *SQLiteStore) BeginSession(ctx context.Context, report *engine.Report) error {
	return s.upsertSession(ctx, report)
}

// CompleteSession records the final report. A session whose start was
// never recorded is inserted.
func (s *SQLiteStore) CompleteSession(ctx context.Context, report *engine.Report) error {
	return s.upsertSession(ctx, report)
}

func (s *SQLiteStore) upsertSession(ctx context.Context, report *engine.Report) error {
	blob, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	var errMsg *string
	if report.Error != "" {
		errMsg = &report.Error
	}
	var completedAt *time.Time
	if !report.CompletedAt.IsZero() {
		t := report.CompletedAt.UTC()
		completedAt = &t
	}
	now := time.Now().UTC()

	query := `
		INSERT INTO sessions (
			id, device_id, mode, dry_run, state, outcome, inconsistent,
			planned, applied, retries, skipped, error, report,
			started_at, completed_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			outcome = excluded.outcome,
			inconsistent = excluded.inconsistent,
			planned = excluded.planned,
			applied = excluded.applied,
			retries = excluded.retries,
			skipped = excluded.skipped,
			error = excluded.error,
			report = excluded.report,
			completed_at = excluded.completed_at,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		report.SessionID,
		report.DeviceID,
		string(report.Mode),
		report.DryRun,
		string(report.State),
		string(report.Outcome),
		report.Inconsistent,
		report.Planned,
		report.Applied,
		report.Retries,
		len(report.Skipped),
		errMsg,
		string(blob),
		report.StartedAt.UTC(),
		completedAt,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to record session: %w", err)
	}

	return nil
}

const sessionColumns = `id, device_id, mode, dry_run, state, outcome, inconsistent,
	planned, applied, retries, skipped, error, report,
	started_at, completed_at, created_at, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row scanner) (*Session, error) {
	sess := &Session{}
	err := row.Scan(
		&sess.ID,
		&sess.DeviceID,
		&sess.Mode,
		&sess.DryRun,
		&sess.State,
		&sess.Outcome,
		&sess.Inconsistent,
		&sess.Planned,
		&sess.Applied,
		&sess.Retries,
		&sess.Skipped,
		&sess.Error,
		&sess.Report,
		&sess.StartedAt,
		&sess.CompletedAt,
		&sess.CreatedAt,
		&sess.UpdatedAt,
	)
	return sess, err
}

// GetSession retrieves a session by ID
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = ?`

	sess, err := scanSession(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return sess, nil
}

// LastSession returns the most recent session of a device.
func (s *SQLiteStore) LastSession(ctx context.Context, deviceID string) (*Session, error) {
	sessions, err := s.ListSessions(ctx, SessionFilter{DeviceID: deviceID, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, fmt.Errorf("session for device %s: %w", deviceID, ErrNotFound)
	}
	return sessions[0], nil
}

// ListSessions lists sessions, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, filter SessionFilter) ([]*Session, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.DeviceID != "" {
		where = append(where, "device_id = ?")
		args = append(args, filter.DeviceID)
	}
	if filter.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, string(filter.Outcome))
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC LIMIT ? OFFSET ?"

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return sessions, nil
}

// DeleteSessionsBefore removes sessions started before the cutoff along
// with their events.
func (s *SQLiteStore) DeleteSessionsBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE started_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete sessions: %w", err)
	}
	return result.RowsAffected()
}

// DecodeReport returns the stored engine report.
func (sess *Session) DecodeReport() (*engine.Report, error) {
	report := &engine.Report{}
	if err := json.Unmarshal([]byte(sess.Report), report); err != nil {
		return nil, fmt.Errorf("failed to decode report of session %s: %w", sess.ID, err)
	}
	return report, nil
}

// RecordEvent appends a session event. Events keep their arrival order
// within a session.
func (s *SQLiteStore) RecordEvent(ctx context.Context, event *engine.Event) error {
	details := "{}"
	if len(event.Details) > 0 {
		blob, err := json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("failed to encode event details: %w", err)
		}
		details = string(blob)
	}

	query := `
		INSERT INTO session_events (id, session_id, type, level, step, message, details, timestamp, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?,
			(SELECT COALESCE(MAX(seq), 0) + 1 FROM session_events WHERE session_id = ?))
	`

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.SessionID,
		string(event.Type),
		string(levelOf(event.Level)),
		event.Step,
		event.Message,
		details,
		event.Timestamp.UTC(),
		event.SessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}

	return nil
}

func levelOf(level string) EventLevel {
	switch EventLevel(level) {
	case EventLevelDebug, EventLevelInfo, EventLevelError:
		return EventLevel(level)
	case "warn", EventLevelWarning:
		return EventLevelWarning
	default:
		return EventLevelInfo
	}
}

// GetSessionEvents returns a session's events in the order they were
// recorded, optionally filtered by level.
func (s *SQLiteStore) GetSessionEvents(ctx context.Context, sessionID string, level *EventLevel, limit, offset int) ([]*SessionEvent, error) {
	query := `
		SELECT id, session_id, type, level, step, message, details, timestamp
		FROM session_events
		WHERE session_id = ?
	`
	args := []interface{}{sessionID}
	if level != nil {
		query += " AND level = ?"
		args = append(args, string(*level))
	}
	query += " ORDER BY seq LIMIT ? OFFSET ?"
	if limit <= 0 {
		limit = -1
	}
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*SessionEvent{}
	for rows.Next() {
		e := &SessionEvent{}
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &e.Level, &e.Step, &e.Message, &e.Details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// LoadContainer returns a cached container, or a nil container when the
// key is absent. A hit refreshes the row's last use.
func (s *SQLiteStore) LoadContainer(ctx context.Context, key lfs.ForkKey) (uint64, []byte, error) {
	var (
		flags     int64
		container []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT flags, container FROM fork_cache WHERE rom_crc = ? AND config_crc = ?`,
		key.Rom, key.Config,
	).Scan(&flags, &container)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, fmt.Errorf("failed to load container %s: %w", key, err)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE fork_cache SET last_used = ?, hits = hits + 1 WHERE rom_crc = ? AND config_crc = ?`,
		time.Now().UTC(), key.Rom, key.Config,
	)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to touch container %s: %w", key, err)
	}

	return uint64(flags), container, nil
}

// SaveContainer stores a container, replacing any earlier one for the key.
func (s *SQLiteStore) SaveContainer(ctx context.Context, key lfs.ForkKey, flags uint64, container []byte) error {
	now := time.Now().UTC()
	query := `
		INSERT INTO fork_cache (rom_crc, config_crc, flags, size, container, created_at, last_used, hits)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(rom_crc, config_crc) DO UPDATE SET
			flags = excluded.flags,
			size = excluded.size,
			container = excluded.container,
			last_used = excluded.last_used
	`

	_, err := s.db.ExecContext(ctx, query, key.Rom, key.Config, int64(flags), len(container), container, now, now)
	if err != nil {
		return fmt.Errorf("failed to save container %s: %w", key, err)
	}

	return nil
}

// ListContainers lists cached containers, most recently used first.
func (s *SQLiteStore) ListContainers(ctx context.Context, limit, offset int) ([]*CachedContainer, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT rom_crc, config_crc, flags, size, hits, created_at, last_used
		FROM fork_cache
		ORDER BY last_used DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	defer rows.Close()

	out := []*CachedContainer{}
	for rows.Next() {
		c := &CachedContainer{}
		var flags int64
		if err := rows.Scan(&c.Key.Rom, &c.Key.Config, &flags, &c.Size, &c.Hits, &c.CreatedAt, &c.LastUsed); err != nil {
			return nil, fmt.Errorf("failed to scan container: %w", err)
		}
		c.Flags = uint64(flags)
		out = append(out, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating containers: %w", err)
	}

	return out, nil
}

// PruneContainers deletes containers not used since the cutoff.
func (s *SQLiteStore) PruneContainers(ctx context.Context, unusedSince time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM fork_cache WHERE last_used < ?`, unusedSince.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune containers: %w", err)
	}
	return result.RowsAffected()
}

// UpsertDevice records a discovered device.
func (s *SQLiteStore) UpsertDevice(ctx context.Context, device *DeviceRecord) error {
	if device.ID == "" {
		return fmt.Errorf("device id is required")
	}
	now := time.Now().UTC()
	lastSeen := device.LastSeen
	if lastSeen.IsZero() {
		lastSeen = now
	}

	query := `
		INSERT INTO devices (id, serial, firmware, capabilities, active, last_seen, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			serial = excluded.serial,
			firmware = excluded.firmware,
			capabilities = excluded.capabilities,
			active = excluded.active,
			last_seen = excluded.last_seen,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		device.ID,
		device.Serial,
		device.Firmware,
		strings.Join(device.Capabilities, ","),
		device.Active,
		lastSeen.UTC(),
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert device: %w", err)
	}

	return nil
}

const deviceColumns = `id, serial, firmware, capabilities, active, last_seen, created_at, updated_at`

func scanDevice(row scanner) (*DeviceRecord, error) {
	d := &DeviceRecord{}
	var caps string
	err := row.Scan(&d.ID, &d.Serial, &d.Firmware, &caps, &d.Active, &d.LastSeen, &d.CreatedAt, &d.UpdatedAt)
	if caps != "" {
		d.Capabilities = strings.Split(caps, ",")
	}
	return d, err
}

// GetDevice retrieves a device by ID
func (s *SQLiteStore) GetDevice(ctx context.Context, id string) (*DeviceRecord, error) {
	d, err := scanDevice(s.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("device %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return d, nil
}

// ListDevices lists known devices, most recently seen first.
func (s *SQLiteStore) ListDevices(ctx context.Context) ([]*DeviceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY last_seen DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	devices := []*DeviceRecord{}
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating devices: %w", err)
	}

	return devices, nil
}

// KnownDevices returns the registry in the form activation.Decide takes.
func (s *SQLiteStore) KnownDevices(ctx context.Context) ([]activation.Device, error) {
	records, err := s.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	known := make([]activation.Device, len(records))
	for i, r := range records {
		known[i] = r.Device
	}
	return known, nil
}

// SetActive marks a device active or inactive.
func (s *SQLiteStore) SetActive(ctx context.Context, id string, active bool) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE devices SET active = ?, updated_at = ? WHERE id = ?`,
		active, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update device: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("device %s: %w", id, ErrNotFound)
	}

	return nil
}

// ActivateDevice makes id the only active device.
func (s *SQLiteStore) ActivateDevice(ctx context.Context, id string) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	result, err := tx.ExecContext(ctx, `UPDATE devices SET active = 1, updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		_ = s.RollbackTx(tx)
		return fmt.Errorf("failed to activate device: %w", err)
	}
	if rows, err := result.RowsAffected(); err != nil || rows == 0 {
		_ = s.RollbackTx(tx)
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		return fmt.Errorf("device %s: %w", id, ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE devices SET active = 0, updated_at = ? WHERE id != ? AND active = 1`, now, id,
	); err != nil {
		_ = s.RollbackTx(tx)
		return fmt.Errorf("failed to deactivate devices: %w", err)
	}

	return s.CommitTx(tx)
}

// DeleteDevice removes a device from the registry.
func (s *SQLiteStore) DeleteDevice(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete device: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("device %s: %w", id, ErrNotFound)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}
