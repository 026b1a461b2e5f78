package sheetgate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var sqliteMigrations embed.FS

const sqliteMigrationTable = "schema_migrations"

// SQLiteJournal is a single-file durable journal.
type SQLiteJournal struct {
	sqlDB *sql.DB
}

// OpenSQLiteJournal opens the database at path and applies embedded migrations.
func OpenSQLiteJournal(path string) (*SQLiteJournal, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: sqlite journal path is required", ErrInvalidInput)
	}
	dsn := path
	if path != ":memory:" {
		dsn = filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if path == ":memory:" {
		sqlDB.SetMaxOpenConns(1)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applySQLiteMigrations(sqlDB, sqliteMigrations, "migrations"); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &SQLiteJournal{sqlDB: sqlDB}, nil
}

func (j *SQLiteJournal) Get(ctx context.Context, sourceID string) (JournalEntry, bool, error) {
	var payload string
	err := j.sqlDB.QueryRowContext(ctx, "SELECT payload FROM sheetgate_journal WHERE source_id = ?", sourceID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return JournalEntry{}, false, nil
	}
	if err != nil {
		return JournalEntry{}, false, err
	}
	entry, err := decodeJournalEntry([]byte(payload))
	if err != nil {
		return JournalEntry{}, false, err
	}
	return entry, true, nil
}

func (j *SQLiteJournal) Put(ctx context.Context, sourceID string, entry JournalEntry) error {
	payload, err := encodeJournalEntry(entry)
	if err != nil {
		return err
	}
	_, err = j.sqlDB.ExecContext(ctx, `
INSERT INTO sheetgate_journal (source_id, checksum, payload, stored_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(source_id) DO UPDATE SET
    checksum = excluded.checksum,
    payload = excluded.payload,
    stored_at = excluded.stored_at`,
		sourceID, entry.Checksum, string(payload), entry.StoredAt.UTC().UnixMilli())
	return err
}

func (j *SQLiteJournal) Invalidate(ctx context.Context, sourceID string) error {
	_, err := j.sqlDB.ExecContext(ctx, "DELETE FROM sheetgate_journal WHERE source_id = ?", sourceID)
	return err
}

func (j *SQLiteJournal) Clear(ctx context.Context) error {
	_, err := j.sqlDB.ExecContext(ctx, "DELETE FROM sheetgate_journal")
	return err
}

func (j *SQLiteJournal) Close() error {
	if j == nil || j.sqlDB == nil {
		return nil
	}
	return j.sqlDB.Close()
}

// applySQLiteMigrations runs each *.sql file under root once, recording it
// in schema_migrations.
func applySQLiteMigrations(sqlDB *sql.DB, migrationFS fs.FS, root string) error {
	entries, err := fs.ReadDir(migrationFS, root)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	if _, err := sqlDB.Exec(fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    name TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
)`, sqliteMigrationTable)); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	for _, file := range files {
		var found int
		err := sqlDB.QueryRow("SELECT 1 FROM "+sqliteMigrationTable+" WHERE name = ?", file).Scan(&found)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check migration %s: %w", file, err)
		}
		content, err := fs.ReadFile(migrationFS, root+"/"+file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		upSQL := upMigration(string(content))
		if strings.TrimSpace(upSQL) == "" {
			continue
		}
		tx, err := sqlDB.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", file, err)
		}
		if _, err := tx.Exec(upSQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", file, err)
		}
		if _, err := tx.Exec(
			"INSERT OR IGNORE INTO "+sqliteMigrationTable+" (name, applied_at) VALUES (?, ?)",
			file, time.Now().UTC().UnixMilli(),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", file, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", file, err)
		}
	}
	return nil
}

func upMigration(content string) string {
	const up, down = "-- +migrate Up", "-- +migrate Down"
	upIdx := strings.Index(content, up)
	if upIdx == -1 {
		return content
	}
	rest := content[upIdx+len(up):]
	if downIdx := strings.Index(rest, down); downIdx >= 0 {
		return rest[:downIdx]
	}
	return rest
}
