package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLiteStore is a Port backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
//
// An in-memory database (":memory:") must be opened with
// db.SetMaxOpenConns(1): every connection would otherwise see its own,
// empty database.
type SQLiteStore struct {
	db *sql.DB
}

// Ensure SQLiteStore implements the interfaces.
var (
	_ Port    = (*SQLiteStore)(nil)
	_ Scanner = (*SQLiteStore)(nil)
	_ Deleter = (*SQLiteStore)(nil)
)

// NewSQLiteStore initializes the required schema in the given
// database and returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("stagewise/sqlite: init schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS records (
			key TEXT PRIMARY KEY,
			version INTEGER NOT NULL,
			data BLOB,
			updated_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS log_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			log_key TEXT NOT NULL,
			entry BLOB NOT NULL,
			at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_log_entries_key ON log_entries(log_key, id);
	`)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, version, data, updated_at
		FROM records
		WHERE key = ?`,
		key,
	)

	var (
		rec       Record
		updatedAt int64
	)
	if err := row.Scan(&rec.Key, &rec.Version, &rec.Data, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("stagewise/sqlite: get %s: %w", key, err)
	}
	rec.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return rec, nil
}

func (s *SQLiteStore) PutIfVersion(ctx context.Context, key string, data []byte, expected int64) (bool, error) {
	now := time.Now().UnixNano()

	var (
		res sql.Result
		err error
	)
	if expected == NoVersion {
		res, err = s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO records (key, version, data, updated_at)
			VALUES (?, 0, ?, ?)`,
			key, data, now,
		)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE records
			SET version = version + 1, data = ?, updated_at = ?
			WHERE key = ? AND version = ?`,
			data, now, key, expected,
		)
	}
	if err != nil {
		return false, fmt.Errorf("stagewise/sqlite: put %s: %w", key, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("stagewise/sqlite: put %s: %w", key, err)
	}
	return affected == 1, nil
}

func (s *SQLiteStore) Append(ctx context.Context, logKey string, entry []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO log_entries (log_key, entry, at)
		VALUES (?, ?, ?)`,
		logKey, entry, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("stagewise/sqlite: append %s: %w", logKey, err)
	}
	return nil
}

func (s *SQLiteStore) Entries(ctx context.Context, logKey string) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entry
		FROM log_entries
		WHERE log_key = ?
		ORDER BY id ASC`,
		logKey,
	)
	if err != nil {
		return nil, fmt.Errorf("stagewise/sqlite: entries %s: %w", logKey, err)
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var entry []byte
		if err := rows.Scan(&entry); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Scan(ctx context.Context, prefix string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, version, data, updated_at
		FROM records
		WHERE substr(key, 1, ?) = ?
		ORDER BY key`,
		len(prefix), prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("stagewise/sqlite: scan %s: %w", prefix, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec       Record
			updatedAt int64
		)
		if err := rows.Scan(&rec.Key, &rec.Version, &rec.Data, &updatedAt); err != nil {
			return nil, err
		}
		rec.UpdatedAt = time.Unix(0, updatedAt).UTC()
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE key = ?`, key); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("stagewise/sqlite: delete %s: %w", key, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM log_entries WHERE log_key = ?`, key); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("stagewise/sqlite: delete %s: %w", key, err)
	}
	return tx.Commit()
}
