package storage

// SchemaVersion is the current on-disk schema version. Opening a store
// with an older version runs the idempotent upgrade in migrate; every
// statement only creates what is missing, so existing records survive.
const SchemaVersion = 3

// The four category tables share one column shape. Identity travels in
// the payload; passport_id is duplicated into its own indexed column for
// bulk cancellation by identity.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS schema_info (
    version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS settings (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS pending_locations (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    passport_id  TEXT NOT NULL DEFAULT '',
    payload      TEXT NOT NULL,
    audio        BLOB,
    timestamp_ms BIGINT NOT NULL,
    synced       BOOLEAN NOT NULL DEFAULT FALSE,
    synced_at_ms BIGINT NOT NULL DEFAULT 0,
    retry_count  INTEGER NOT NULL DEFAULT 0,
    priority     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pending_locations_timestamp ON pending_locations (timestamp_ms);

CREATE TABLE IF NOT EXISTS pending_sos (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    passport_id  TEXT NOT NULL DEFAULT '',
    payload      TEXT NOT NULL,
    audio        BLOB,
    timestamp_ms BIGINT NOT NULL,
    synced       BOOLEAN NOT NULL DEFAULT FALSE,
    synced_at_ms BIGINT NOT NULL DEFAULT 0,
    retry_count  INTEGER NOT NULL DEFAULT 0,
    priority     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pending_sos_timestamp ON pending_sos (timestamp_ms);
CREATE INDEX IF NOT EXISTS idx_pending_sos_passport ON pending_sos (passport_id);

CREATE TABLE IF NOT EXISTS pending_panic_alerts (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    passport_id  TEXT NOT NULL DEFAULT '',
    payload      TEXT NOT NULL,
    audio        BLOB,
    timestamp_ms BIGINT NOT NULL,
    synced       BOOLEAN NOT NULL DEFAULT FALSE,
    synced_at_ms BIGINT NOT NULL DEFAULT 0,
    retry_count  INTEGER NOT NULL DEFAULT 0,
    priority     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pending_panic_alerts_timestamp ON pending_panic_alerts (timestamp_ms);
CREATE INDEX IF NOT EXISTS idx_pending_panic_alerts_passport ON pending_panic_alerts (passport_id);

CREATE TABLE IF NOT EXISTS pending_panic_recordings (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    passport_id  TEXT NOT NULL DEFAULT '',
    payload      TEXT NOT NULL,
    audio        BLOB,
    timestamp_ms BIGINT NOT NULL,
    synced       BOOLEAN NOT NULL DEFAULT FALSE,
    synced_at_ms BIGINT NOT NULL DEFAULT 0,
    retry_count  INTEGER NOT NULL DEFAULT 0,
    priority     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pending_panic_recordings_timestamp ON pending_panic_recordings (timestamp_ms);
CREATE INDEX IF NOT EXISTS idx_pending_panic_recordings_passport ON pending_panic_recordings (passport_id);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS schema_info (
    version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS settings (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS pending_locations (
    id           BIGSERIAL PRIMARY KEY,
    passport_id  TEXT NOT NULL DEFAULT '',
    payload      TEXT NOT NULL,
    audio        BYTEA,
    timestamp_ms BIGINT NOT NULL,
    synced       BOOLEAN NOT NULL DEFAULT FALSE,
    synced_at_ms BIGINT NOT NULL DEFAULT 0,
    retry_count  INTEGER NOT NULL DEFAULT 0,
    priority     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pending_locations_timestamp ON pending_locations (timestamp_ms);

CREATE TABLE IF NOT EXISTS pending_sos (
    id           BIGSERIAL PRIMARY KEY,
    passport_id  TEXT NOT NULL DEFAULT '',
    payload      TEXT NOT NULL,
    audio        BYTEA,
    timestamp_ms BIGINT NOT NULL,
    synced       BOOLEAN NOT NULL DEFAULT FALSE,
    synced_at_ms BIGINT NOT NULL DEFAULT 0,
    retry_count  INTEGER NOT NULL DEFAULT 0,
    priority     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pending_sos_timestamp ON pending_sos (timestamp_ms);
CREATE INDEX IF NOT EXISTS idx_pending_sos_passport ON pending_sos (passport_id);

CREATE TABLE IF NOT EXISTS pending_panic_alerts (
    id           BIGSERIAL PRIMARY KEY,
    passport_id  TEXT NOT NULL DEFAULT '',
    payload      TEXT NOT NULL,
    audio        BYTEA,
    timestamp_ms BIGINT NOT NULL,
    synced       BOOLEAN NOT NULL DEFAULT FALSE,
    synced_at_ms BIGINT NOT NULL DEFAULT 0,
    retry_count  INTEGER NOT NULL DEFAULT 0,
    priority     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pending_panic_alerts_timestamp ON pending_panic_alerts (timestamp_ms);
CREATE INDEX IF NOT EXISTS idx_pending_panic_alerts_passport ON pending_panic_alerts (passport_id);

CREATE TABLE IF NOT EXISTS pending_panic_recordings (
    id           BIGSERIAL PRIMARY KEY,
    passport_id  TEXT NOT NULL DEFAULT '',
    payload      TEXT NOT NULL,
    audio        BYTEA,
    timestamp_ms BIGINT NOT NULL,
    synced       BOOLEAN NOT NULL DEFAULT FALSE,
    synced_at_ms BIGINT NOT NULL DEFAULT 0,
    retry_count  INTEGER NOT NULL DEFAULT 0,
    priority     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pending_panic_recordings_timestamp ON pending_panic_recordings (timestamp_ms);
CREATE INDEX IF NOT EXISTS idx_pending_panic_recordings_passport ON pending_panic_recordings (passport_id);
`
