package sheetgate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresJournalTableName = "sheetgate_journal"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresJournal stores one row per source with the entry as JSON text.
type PostgresJournal struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresJournal(dsn string) (*PostgresJournal, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresJournal{
		dsn:       dsn,
		tableName: postgresJournalTableName,
		openDB:    sql.Open,
	}, nil
}

func (j *PostgresJournal) Get(ctx context.Context, sourceID string) (JournalEntry, bool, error) {
	if err := j.ensureReady(ctx); err != nil {
		return JournalEntry{}, false, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT payload FROM %s WHERE source_id = $1", postgresQuoteIdentifier(j.tableName))
	var payload string
	err := j.db.QueryRowContext(ctx, query, sourceID).Scan(&payload)
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

func (j *PostgresJournal) Put(ctx context.Context, sourceID string, entry JournalEntry) error {
	if err := j.ensureReady(ctx); err != nil {
		return err
	}
	payload, err := encodeJournalEntry(entry)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (source_id, checksum, payload, stored_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (source_id)
		DO UPDATE SET checksum = EXCLUDED.checksum, payload = EXCLUDED.payload, stored_at = NOW()`, postgresQuoteIdentifier(j.tableName))
	_, err = j.db.ExecContext(ctx, query, sourceID, entry.Checksum, string(payload))
	return err
}

func (j *PostgresJournal) Invalidate(ctx context.Context, sourceID string) error {
	if err := j.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("DELETE FROM %s WHERE source_id = $1", postgresQuoteIdentifier(j.tableName))
	_, err := j.db.ExecContext(ctx, query, sourceID)
	return err
}

func (j *PostgresJournal) Clear(ctx context.Context) error {
	if err := j.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	_, err := j.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", postgresQuoteIdentifier(j.tableName)))
	return err
}

func (j *PostgresJournal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

func (j *PostgresJournal) ensureReady(ctx context.Context) error {
	if j == nil {
		return ErrInvalidInput
	}
	j.initOnce.Do(func() {
		db, err := j.openDB("postgres", j.dsn)
		if err != nil {
			j.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				source_id TEXT PRIMARY KEY,
				checksum TEXT NOT NULL,
				payload TEXT NOT NULL,
				stored_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(j.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			j.initErr = err
			return
		}
		j.db = db
	})
	return j.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
