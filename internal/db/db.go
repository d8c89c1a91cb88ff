package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/septianibnyohan/gdrive-syncer/pkg/models"
)

// DB is the state store: item records and the append-only sync history.
type DB struct {
	*sql.DB
	now func() time.Time
}

// New opens the state database of a project inside dir.
func New(dir, projectName string) (*DB, error) {
	return Open(filepath.Join(dir, fmt.Sprintf("%s.db", projectName)))
}

// Open opens (creating if needed) the state database at path.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_txlock=immediate&_journal_mode=WAL&_synchronous=FULL", path)
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, unavailable("open", err)
	}
	// One connection makes the database a single-writer queue for all workers.
	sqlDB.SetMaxOpenConns(1)

	db := &DB{DB: sqlDB, now: time.Now}
	if err := db.initialize(); err != nil {
		sqlDB.Close()
		return nil, unavailable("initialize", err)
	}
	return db, nil
}

// initialize creates the necessary tables if they don't exist
func (db *DB) initialize() error {
	_, err := db.Exec(`
		PRAGMA journal_mode=WAL;
		PRAGMA synchronous=FULL;
		PRAGMA temp_store=MEMORY;
		CREATE TABLE IF NOT EXISTS projects (
			name TEXT PRIMARY KEY,
			backend TEXT NOT NULL,
			root_container_id TEXT NOT NULL,
			local_root TEXT NOT NULL,
			export_formats TEXT NOT NULL DEFAULT '{}',
			workers INTEGER NOT NULL DEFAULT 4,
			credentials TEXT NOT NULL DEFAULT '',
			endpoint TEXT NOT NULL DEFAULT '',
			bucket TEXT NOT NULL DEFAULT '',
			access_key TEXT NOT NULL DEFAULT '',
			secret_key TEXT NOT NULL DEFAULT '',
			use_ssl INTEGER NOT NULL DEFAULT 1
		);
		CREATE TABLE IF NOT EXISTS items (
			remote_id TEXT PRIMARY KEY,
			parent_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL,
			local_path TEXT NOT NULL,
			kind TEXT NOT NULL CHECK (kind IN ('file', 'folder', 'document')),
			checksum TEXT NOT NULL DEFAULT '',
			remote_modified_at TEXT NOT NULL DEFAULT '',
			local_synced_at TEXT NOT NULL DEFAULT '',
			sync_state TEXT NOT NULL CHECK (sync_state IN ('pending', 'synced', 'failed', 'conflicted')),
			size INTEGER,
			deleted INTEGER NOT NULL DEFAULT 0
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_items_local_path ON items(local_path) WHERE deleted = 0;
		CREATE INDEX IF NOT EXISTS idx_items_state ON items(sync_state);
		CREATE TABLE IF NOT EXISTS history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			remote_id TEXT NOT NULL,
			operation TEXT NOT NULL CHECK (operation IN ('download', 'export', 'create_folder', 'upload', 'delete')),
			outcome TEXT NOT NULL CHECK (outcome IN ('success', 'failure')),
			message TEXT NOT NULL DEFAULT '',
			timestamp TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_history_remote ON history(remote_id, id);
		CREATE TRIGGER IF NOT EXISTS history_no_update BEFORE UPDATE ON history
		BEGIN SELECT RAISE(ABORT, 'history is append-only'); END;
		CREATE TRIGGER IF NOT EXISTS history_no_delete BEFORE DELETE ON history
		BEGIN SELECT RAISE(ABORT, 'history is append-only'); END;
	`)
	return err
}

// CreateProject creates a new project
func (db *DB) CreateProject(ctx context.Context, project *models.Project) error {
	formats, err := json.Marshal(project.ExportFormats)
	if err != nil {
		return fmt.Errorf("encode export formats: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO projects (name, backend, root_container_id, local_root, export_formats, workers,
			credentials, endpoint, bucket, access_key, secret_key, use_ssl)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		project.Name,
		project.Backend,
		project.RootContainerID,
		project.LocalRoot,
		string(formats),
		project.Workers,
		project.Remote.Credentials,
		project.Remote.Endpoint,
		project.Remote.Bucket,
		project.Remote.AccessKey,
		project.Remote.SecretKey,
		project.Remote.UseSSL,
	)
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) &&
		(sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique) {
		return fmt.Errorf("project %q already exists", project.Name)
	}
	return unavailable("create project", err)
}

// GetProject retrieves a project by name
func (db *DB) GetProject(ctx context.Context, name string) (*models.Project, error) {
	var project models.Project
	var formats string
	err := db.QueryRowContext(ctx, `
		SELECT name, backend, root_container_id, local_root, export_formats, workers,
			credentials, endpoint, bucket, access_key, secret_key, use_ssl
		FROM projects WHERE name = ?
	`, name).Scan(
		&project.Name,
		&project.Backend,
		&project.RootContainerID,
		&project.LocalRoot,
		&formats,
		&project.Workers,
		&project.Remote.Credentials,
		&project.Remote.Endpoint,
		&project.Remote.Bucket,
		&project.Remote.AccessKey,
		&project.Remote.SecretKey,
		&project.Remote.UseSSL,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %q not found", name)
	}
	if err != nil {
		return nil, unavailable("get project", err)
	}
	if err := json.Unmarshal([]byte(formats), &project.ExportFormats); err != nil {
		return nil, fmt.Errorf("decode export formats of %q: %w", name, err)
	}
	return &project, nil
}

const recordColumns = `remote_id, parent_id, name, local_path, kind, checksum,
	remote_modified_at, local_synced_at, sync_state, size, deleted`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*models.ItemRecord, error) {
	var rec models.ItemRecord
	var remoteModified, localSynced string
	var size sql.NullInt64
	err := row.Scan(
		&rec.RemoteID,
		&rec.ParentID,
		&rec.Name,
		&rec.LocalPath,
		&rec.Kind,
		&rec.Checksum,
		&remoteModified,
		&localSynced,
		&rec.State,
		&size,
		&rec.Deleted,
	)
	if err != nil {
		return nil, err
	}
	rec.Size = -1
	if size.Valid {
		rec.Size = size.Int64
	}
	if rec.RemoteModifiedAt, err = parseTime(remoteModified); err != nil {
		return nil, err
	}
	if rec.LocalSyncedAt, err = parseTime(localSynced); err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetRecord returns the record of remoteID, or nil when it is not tracked.
func (db *DB) GetRecord(ctx context.Context, remoteID string) (*models.ItemRecord, error) {
	row := db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM items WHERE remote_id = ?`, remoteID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get record", err)
	}
	return rec, nil
}

// GetRecordByPath returns the non-deleted record holding localPath, or nil.
func (db *DB) GetRecordByPath(ctx context.Context, localPath string) (*models.ItemRecord, error) {
	row := db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM items WHERE local_path = ? AND deleted = 0`, localPath)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get record by path", err)
	}
	return rec, nil
}

// ListRecords returns records ordered by local path; an empty state lists all.
func (db *DB) ListRecords(ctx context.Context, state models.SyncState) ([]models.ItemRecord, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM items
		WHERE ? = '' OR sync_state = ?
		ORDER BY local_path
	`, state, state)
	if err != nil {
		return nil, unavailable("list records", err)
	}
	defer rows.Close()

	var records []models.ItemRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, unavailable("list records", err)
		}
		records = append(records, *rec)
	}
	return records, unavailable("list records", rows.Err())
}

// UpsertRecord inserts or replaces the record with the same remote id.
func (db *DB) UpsertRecord(ctx context.Context, rec *models.ItemRecord) error {
	return db.inTx(ctx, "upsert record", func(tx *sql.Tx) error {
		return upsertRecord(ctx, tx, rec)
	})
}

// AppendHistory adds one entry to the audit trail.
func (db *DB) AppendHistory(ctx context.Context, entry *models.HistoryEntry) error {
	return db.inTx(ctx, "append history", func(tx *sql.Tx) error {
		return db.appendHistory(ctx, tx, entry)
	})
}

// Apply upserts rec and appends entry in one transaction: both are durable or neither.
// Either argument may be nil.
func (db *DB) Apply(ctx context.Context, rec *models.ItemRecord, entry *models.HistoryEntry) error {
	return db.inTx(ctx, "apply", func(tx *sql.Tx) error {
		if rec != nil {
			if err := upsertRecord(ctx, tx, rec); err != nil {
				return err
			}
		}
		if entry != nil {
			return db.appendHistory(ctx, tx, entry)
		}
		return nil
	})
}

// ForgetRecord marks a record deleted so its local path can be claimed by another item.
func (db *DB) ForgetRecord(ctx context.Context, remoteID string) error {
	res, err := db.ExecContext(ctx, `UPDATE items SET deleted = 1 WHERE remote_id = ?`, remoteID)
	if err != nil {
		return unavailable("forget record", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("remote id %s is not tracked", remoteID)
	}
	return nil
}

func (db *DB) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(op, err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return unavailable(op, err)
	}
	return unavailable(op, tx.Commit())
}

func upsertRecord(ctx context.Context, tx *sql.Tx, rec *models.ItemRecord) error {
	if !rec.Deleted {
		var owner string
		err := tx.QueryRowContext(ctx, `
			SELECT remote_id FROM items WHERE local_path = ? AND deleted = 0 AND remote_id <> ?
		`, rec.LocalPath, rec.RemoteID).Scan(&owner)
		switch {
		case err == nil:
			return &StateCorruptionError{RemoteID: rec.RemoteID, LocalPath: rec.LocalPath, OwnerID: owner}
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}
	}

	var size sql.NullInt64
	if rec.Size >= 0 {
		size = sql.NullInt64{Int64: rec.Size, Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO items (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(remote_id) DO UPDATE SET
			parent_id = excluded.parent_id,
			name = excluded.name,
			local_path = excluded.local_path,
			kind = excluded.kind,
			checksum = excluded.checksum,
			remote_modified_at = excluded.remote_modified_at,
			local_synced_at = excluded.local_synced_at,
			sync_state = excluded.sync_state,
			size = excluded.size,
			deleted = excluded.deleted
	`,
		rec.RemoteID,
		rec.ParentID,
		rec.Name,
		rec.LocalPath,
		rec.Kind,
		rec.Checksum,
		formatTime(rec.RemoteModifiedAt),
		formatTime(rec.LocalSyncedAt),
		rec.State,
		size,
		rec.Deleted,
	)
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
		return &StateCorruptionError{RemoteID: rec.RemoteID, LocalPath: rec.LocalPath, OwnerID: "unknown"}
	}
	return err
}

func (db *DB) appendHistory(ctx context.Context, tx *sql.Tx, entry *models.HistoryEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = db.now()
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO history (remote_id, operation, outcome, message, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`, entry.RemoteID, entry.Operation, entry.Outcome, entry.Message, formatTime(entry.Timestamp))
	if err != nil {
		return err
	}
	entry.ID, err = res.LastInsertId()
	return err
}

// ListHistory returns history entries newest first. An empty remoteID lists all
// entries; limit <= 0 means no limit.
func (db *DB) ListHistory(ctx context.Context, remoteID string, limit int) ([]models.HistoryEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, remote_id, operation, outcome, message, timestamp
		FROM history
		WHERE ? = '' OR remote_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, remoteID, remoteID, limit)
	if err != nil {
		return nil, unavailable("list history", err)
	}
	defer rows.Close()

	var entries []models.HistoryEntry
	for rows.Next() {
		var e models.HistoryEntry
		var ts string
		if err := rows.Scan(&e.ID, &e.RemoteID, &e.Operation, &e.Outcome, &e.Message, &ts); err != nil {
			return nil, unavailable("list history", err)
		}
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, unavailable("list history", err)
		}
		entries = append(entries, e)
	}
	return entries, unavailable("list history", rows.Err())
}

// GetStats returns statistics about the tracked items
func (db *DB) GetStats(ctx context.Context) (*models.Stats, error) {
	var stats models.Stats
	err := db.QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN deleted = 0 THEN 1 END),
			COALESCE(SUM(CASE WHEN deleted = 0 THEN size ELSE 0 END), 0),
			COUNT(CASE WHEN deleted = 0 AND kind = 'folder' THEN 1 END),
			COUNT(CASE WHEN deleted = 0 AND sync_state = 'synced' THEN 1 END),
			COALESCE(SUM(CASE WHEN deleted = 0 AND sync_state = 'synced' THEN size ELSE 0 END), 0),
			COUNT(CASE WHEN deleted = 0 AND sync_state = 'pending' THEN 1 END),
			COUNT(CASE WHEN deleted = 0 AND sync_state = 'failed' THEN 1 END),
			COUNT(CASE WHEN deleted = 0 AND sync_state = 'conflicted' THEN 1 END),
			COUNT(CASE WHEN deleted = 1 THEN 1 END)
		FROM items
	`).Scan(
		&stats.TotalItems,
		&stats.TotalSize,
		&stats.Folders,
		&stats.SyncedItems,
		&stats.SyncedSize,
		&stats.PendingItems,
		&stats.FailedItems,
		&stats.ConflictedItems,
		&stats.DeletedItems,
	)
	if err != nil {
		return nil, unavailable("get stats", err)
	}
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM history`).Scan(&stats.HistoryEntries); err != nil {
		return nil, unavailable("get stats", err)
	}
	return &stats, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
