package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore is a Port backed by PostgreSQL.
//
// It expects an *sql.DB that uses a PostgreSQL driver, for example
// "github.com/jackc/pgx/v5/stdlib".
//
// The caller is responsible for:
//   - importing the driver for its side effects, e.g.:
//     _ "github.com/jackc/pgx/v5/stdlib"
//   - providing a DSN via sql.Open.
type PostgresStore struct {
	db *sql.DB
}

// Ensure PostgresStore implements the interfaces.
var (
	_ Port    = (*PostgresStore)(nil)
	_ Scanner = (*PostgresStore)(nil)
	_ Deleter = (*PostgresStore)(nil)
)

// NewPostgresStore initializes the required schema in the given
// database and returns a new PostgresStore.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("stagewise/postgres: init schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS stagewise_records (
			key TEXT PRIMARY KEY,
			version BIGINT NOT NULL,
			data BYTEA,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS stagewise_log_entries (
			id BIGSERIAL PRIMARY KEY,
			log_key TEXT NOT NULL,
			entry BYTEA NOT NULL,
			at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_stagewise_log_entries_key
			ON stagewise_log_entries(log_key, id);
	`)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, key string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, version, data, updated_at
		FROM stagewise_records
		WHERE key = $1
	`, key)

	var rec Record
	if err := row.Scan(&rec.Key, &rec.Version, &rec.Data, &rec.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("stagewise/postgres: get %s: %w", key, err)
	}
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

func (s *PostgresStore) PutIfVersion(ctx context.Context, key string, data []byte, expected int64) (bool, error) {
	now := time.Now().UTC()

	var (
		res sql.Result
		err error
	)
	if expected == NoVersion {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO stagewise_records (key, version, data, updated_at)
			VALUES ($1, 0, $2, $3)
			ON CONFLICT (key) DO NOTHING
		`, key, data, now)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE stagewise_records
			SET version    = version + 1,
			    data       = $1,
			    updated_at = $2
			WHERE key = $3 AND version = $4
		`, data, now, key, expected)
	}
	if err != nil {
		return false, fmt.Errorf("stagewise/postgres: put %s: %w", key, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("stagewise/postgres: put %s: %w", key, err)
	}
	return affected == 1, nil
}

func (s *PostgresStore) Append(ctx context.Context, logKey string, entry []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stagewise_log_entries (log_key, entry, at)
		VALUES ($1, $2, $3)
	`, logKey, entry, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("stagewise/postgres: append %s: %w", logKey, err)
	}
	return nil
}

func (s *PostgresStore) Entries(ctx context.Context, logKey string) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entry
		FROM stagewise_log_entries
		WHERE log_key = $1
		ORDER BY id ASC
	`, logKey)
	if err != nil {
		return nil, fmt.Errorf("stagewise/postgres: entries %s: %w", logKey, err)
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

func (s *PostgresStore) Scan(ctx context.Context, prefix string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, version, data, updated_at
		FROM stagewise_records
		WHERE left(key, $1) = $2
		ORDER BY key
	`, len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("stagewise/postgres: scan %s: %w", prefix, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Key, &rec.Version, &rec.Data, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.UpdatedAt = rec.UpdatedAt.UTC()
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM stagewise_records WHERE key = $1`, key); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("stagewise/postgres: delete %s: %w", key, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM stagewise_log_entries WHERE log_key = $1`, key); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("stagewise/postgres: delete %s: %w", key, err)
	}
	return tx.Commit()
}
