// Package storage provides the durable category store: four independent
// queues of safety telemetry records persisted in a local SQLite database
// (or PostgreSQL for hosted relay deployments), with versioned schema
// migration, per-category eviction policies and identity-keyed cancellation.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rakshanet/beacon/internal/identity"
	"github.com/rakshanet/beacon/internal/models"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Dialect selects the SQL flavor for the few statements that differ
// between the on-device SQLite store and the PostgreSQL relay backend.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite3"
	DialectPostgres Dialect = "postgres"
)

// ErrNotFound is returned when an operation targets a record that has
// already been evicted or cancelled.
var ErrNotFound = errors.New("storage: record not found")

const (
	// DefaultGraceWindow is how long confirmed-synced records are kept
	// for audit before eviction purges them.
	DefaultGraceWindow = 7 * 24 * time.Hour

	// DefaultLocationCap bounds pending location pings. Other categories
	// get smaller caps; critical-priority rows are never cap-evicted.
	DefaultLocationCap  = 500
	DefaultSOSCap       = 200
	DefaultPanicCap     = 200
	DefaultRecordingCap = 100
)

const currentIdentityKey = "current_identity"

var tables = map[models.Category]string{
	models.CategoryLocation:  "pending_locations",
	models.CategorySOS:       "pending_sos",
	models.CategoryPanic:     "pending_panic_alerts",
	models.CategoryRecording: "pending_panic_recordings",
}

// Store is the durable category store. All mutation goes through
// single-statement transactions, so concurrent sync cycles cannot lose
// retry-count or synced-flag updates.
type Store struct {
	db      *sql.DB
	dialect Dialect
	log     *zap.Logger

	// upgradeMu serializes schema migration; the SQL substrate guards
	// individual statements but not the version check-then-apply.
	upgradeMu sync.Mutex

	grace time.Duration
	caps  map[models.Category]int
	now   func() time.Time
}

// New wraps an existing database handle. Used by tests and by Open.
func New(db *sql.DB, dialect Dialect, log *zap.Logger) *Store {
	return &Store{
		db:      db,
		dialect: dialect,
		log:     log,
		grace:   DefaultGraceWindow,
		caps: map[models.Category]int{
			models.CategoryLocation:  DefaultLocationCap,
			models.CategorySOS:       DefaultSOSCap,
			models.CategoryPanic:     DefaultPanicCap,
			models.CategoryRecording: DefaultRecordingCap,
		},
		now: time.Now,
	}
}

// Open connects to the store substrate selected by the DSN (a postgres://
// URL or a SQLite file path) and runs schema migration.
func Open(ctx context.Context, dsn string, log *zap.Logger) (*Store, error) {
	dialect := DialectSQLite
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dialect = DialectPostgres
	}

	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}

	s := New(db, dialect, log)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// SetClock overrides the time source, for tests.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// SetGraceWindow overrides the synced-record retention window.
func (s *Store) SetGraceWindow(d time.Duration) { s.grace = d }

// SetCap overrides the pending-record cap for one category.
func (s *Store) SetCap(c models.Category, n int) { s.caps[c] = n }

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Migrate brings the on-disk schema up to SchemaVersion. Every statement
// is create-if-missing, so re-running against any older version only adds
// the tables and indexes that version lacked.
func (s *Store) Migrate(ctx context.Context) error {
	s.upgradeMu.Lock()
	defer s.upgradeMu.Unlock()

	schema := sqliteSchema
	if s.dialect == DialectPostgres {
		schema = postgresSchema
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	var version int
	err := s.db.QueryRowContext(ctx, `SELECT version FROM schema_info LIMIT 1`).Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_info (version) VALUES ($1)`, SchemaVersion); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	case version < SchemaVersion:
		if _, err := s.db.ExecContext(ctx, `UPDATE schema_info SET version = $1`, SchemaVersion); err != nil {
			return fmt.Errorf("bump schema version: %w", err)
		}
		s.log.Info("schema upgraded", zap.Int("from", version), zap.Int("to", SchemaVersion))
	}
	return nil
}

func tableFor(c models.Category) (string, error) {
	t, ok := tables[c]
	if !ok {
		return "", fmt.Errorf("storage: unknown category %q", c)
	}
	return t, nil
}

// Insert appends a record to its category queue and returns the assigned
// id. The caller provides payload (and audio for recordings); timestamp,
// synced, retry count and priority are set here.
func (s *Store) Insert(ctx context.Context, c models.Category, passportID string, payload json.RawMessage, audio []byte) (int64, error) {
	table, err := tableFor(c)
	if err != nil {
		return 0, err
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	nowMs := s.now().UnixMilli()
	priority := models.DefaultPriority(c)

	if s.dialect == DialectPostgres {
		var id int64
		err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (passport_id, payload, audio, timestamp_ms, synced, retry_count, priority)
			VALUES ($1, $2, $3, $4, FALSE, 0, $5)
			RETURNING id
		`, table), passportID, string(payload), audio, nowMs, string(priority)).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("insert %s: %w", c, err)
		}
		return id, nil
	}

	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (passport_id, payload, audio, timestamp_ms, synced, retry_count, priority)
		VALUES ($1, $2, $3, $4, FALSE, 0, $5)
	`, table), passportID, string(payload), audio, nowMs, string(priority))
	if err != nil {
		return 0, fmt.Errorf("insert %s: %w", c, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert %s: read id: %w", c, err)
	}
	return id, nil
}

const recordColumns = `id, passport_id, payload, audio, timestamp_ms, synced, synced_at_ms, retry_count, priority`

func scanRecord(c models.Category, scan func(dest ...any) error) (models.QueuedRecord, error) {
	var (
		rec        models.QueuedRecord
		payload    string
		tsMs       int64
		syncedAtMs int64
		priority   string
	)
	err := scan(&rec.ID, &rec.PassportID, &payload, &rec.Audio, &tsMs, &rec.Synced, &syncedAtMs, &rec.RetryCount, &priority)
	if err != nil {
		return rec, err
	}
	rec.Category = c
	rec.Payload = json.RawMessage(payload)
	rec.Timestamp = time.UnixMilli(tsMs)
	if syncedAtMs > 0 {
		rec.SyncedAt = time.UnixMilli(syncedAtMs)
	}
	rec.Priority = models.Priority(priority)
	return rec, nil
}

// ListPending returns all unsynced records of a category, oldest first.
func (s *Store) ListPending(ctx context.Context, c models.Category) ([]models.QueuedRecord, error) {
	table, err := tableFor(c)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM %s WHERE synced = FALSE ORDER BY timestamp_ms ASC
	`, recordColumns, table))
	if err != nil {
		return nil, fmt.Errorf("list pending %s: %w", c, err)
	}
	defer rows.Close()

	var out []models.QueuedRecord
	for rows.Next() {
		rec, err := scanRecord(c, rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", c, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountPending returns the number of unsynced records of a category.
func (s *Store) CountPending(ctx context.Context, c models.Category) (int, error) {
	table, err := tableFor(c)
	if err != nil {
		return 0, err
	}
	var n int
	err = s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(*) FROM %s WHERE synced = FALSE
	`, table)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending %s: %w", c, err)
	}
	return n, nil
}

// MarkSynced flags a record as delivered. A record that no longer exists
// is not an error; it was already evicted or cancelled.
func (s *Store) MarkSynced(ctx context.Context, c models.Category, id int64) error {
	table, err := tableFor(c)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET synced = TRUE, synced_at_ms = $1 WHERE id = $2
	`, table), s.now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("mark synced %s/%d: %w", c, id, err)
	}
	return nil
}

// IncrementRetry bumps the retry counter in a single atomic statement so
// overlapping cycles cannot lose updates.
func (s *Store) IncrementRetry(ctx context.Context, c models.Category, id int64) error {
	table, err := tableFor(c)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET retry_count = retry_count + 1 WHERE id = $1
	`, table), id)
	if err != nil {
		return fmt.Errorf("increment retry %s/%d: %w", c, id, err)
	}
	return nil
}

// Delete removes a record. Missing records are not an error.
func (s *Store) Delete(ctx context.Context, c models.Category, id int64) error {
	table, err := tableFor(c)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, table), id)
	if err != nil {
		return fmt.Errorf("delete %s/%d: %w", c, id, err)
	}
	return nil
}

// Cancel removes a record before it syncs. It reports cancelled=false
// when the record already left the store; the caller must treat that as
// "it may already have reached the server" and send an explicit
// cancellation notice instead of assuming suppression.
func (s *Store) Cancel(ctx context.Context, c models.Category, id int64) (bool, error) {
	table, err := tableFor(c)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, table), id)
	if err != nil {
		return false, fmt.Errorf("cancel %s/%d: %w", c, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cancel %s/%d: %w", c, id, err)
	}
	return n > 0, nil
}

// CancelByIdentity removes all records of a category filed under the
// given passport id. Returns the number of records removed.
func (s *Store) CancelByIdentity(ctx context.Context, c models.Category, passportID string) (int64, error) {
	table, err := tableFor(c)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE passport_id = $1
	`, table), passportID)
	if err != nil {
		return 0, fmt.Errorf("cancel by identity %s: %w", c, err)
	}
	return res.RowsAffected()
}

// Evict applies the retention policy for one category: synced records
// older than the grace window are purged, and pending records beyond the
// category cap are dropped oldest-first. Critical-priority records are
// never removed by cap pressure; only the retry ceiling ends them.
func (s *Store) Evict(ctx context.Context, c models.Category) error {
	table, err := tableFor(c)
	if err != nil {
		return err
	}

	cutoff := s.now().Add(-s.grace).UnixMilli()
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE synced = TRUE AND synced_at_ms < $1
	`, table), cutoff); err != nil {
		return fmt.Errorf("evict synced %s: %w", c, err)
	}

	limit, ok := s.caps[c]
	if !ok || limit <= 0 {
		return nil
	}

	pending, err := s.CountPending(ctx, c)
	if err != nil {
		return err
	}
	over := pending - limit
	if over <= 0 {
		return nil
	}

	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE id IN (
			SELECT id FROM %s
			WHERE synced = FALSE AND priority <> $1
			ORDER BY timestamp_ms ASC
			LIMIT $2
		)
	`, table, table), string(models.PriorityCritical), over)
	if err != nil {
		return fmt.Errorf("evict over cap %s: %w", c, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.log.Info("evicted pending records over cap",
			zap.String("category", string(c)), zap.Int64("removed", n))
	}
	return nil
}

// SaveCurrentIdentity persists the session identity snapshot used by the
// sync engine as its last-resort identity source.
func (s *Store) SaveCurrentIdentity(ctx context.Context, id *identity.Identity) error {
	data, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`, currentIdentityKey, string(data))
	if err != nil {
		return fmt.Errorf("save current identity: %w", err)
	}
	return nil
}

// LoadCurrentIdentity returns the persisted identity snapshot, or
// ErrNotFound when none was ever saved.
func (s *Store) LoadCurrentIdentity(ctx context.Context) (*identity.Identity, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM settings WHERE key = $1
	`, currentIdentityKey).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load current identity: %w", err)
	}
	var id identity.Identity
	if err := json.Unmarshal([]byte(data), &id); err != nil {
		return nil, fmt.Errorf("decode current identity: %w", err)
	}
	return &id, nil
}
