package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"
)

// PostgresQueue implements Queue using a PostgreSQL table.
//
// Schema (created automatically if missing):
//
//	CREATE TABLE IF NOT EXISTS stagewise_tasks (
//	    seq         BIGSERIAL PRIMARY KEY,
//	    id          TEXT UNIQUE NOT NULL,
//	    payload     BYTEA NOT NULL,
//	    not_before  TIMESTAMPTZ NOT NULL
//	);
//
// Several workers may dequeue concurrently: a task is claimed with
// FOR UPDATE SKIP LOCKED and deleted in the same transaction.
type PostgresQueue struct {
	db           *sql.DB
	pollInterval time.Duration
}

// NewPostgresQueue creates the required schema if needed and returns a Queue.
func NewPostgresQueue(db *sql.DB) (*PostgresQueue, error) {
	q := &PostgresQueue{
		db:           db,
		pollInterval: 100 * time.Millisecond,
	}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

// Ensure PostgresQueue implements Queue.
var _ Queue = (*PostgresQueue)(nil)

func (q *PostgresQueue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS stagewise_tasks (
			seq        BIGSERIAL PRIMARY KEY,
			id         TEXT UNIQUE NOT NULL,
			payload    BYTEA NOT NULL,
			not_before TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_stagewise_tasks_not_before
			ON stagewise_tasks(not_before, seq);
	`)
	return err
}

// Enqueue inserts a task into the queue.
func (q *PostgresQueue) Enqueue(ctx context.Context, t Task) error {
	t = prepare(t, time.Now())
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO stagewise_tasks (id, payload, not_before)
		VALUES ($1, $2, $3)
	`, t.ID, data, t.NotBefore)
	return err
}

// Dequeue blocks (with polling) until a task is available or ctx is cancelled.
func (q *PostgresQueue) Dequeue(ctx context.Context) (*Task, error) {
	tmr := newStoppedTimer()
	defer tmr.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var payload []byte
		err := q.db.QueryRowContext(ctx, `
			DELETE FROM stagewise_tasks
			WHERE seq = (
				SELECT seq
				FROM stagewise_tasks
				WHERE not_before <= now()
				ORDER BY not_before, seq
				FOR UPDATE SKIP LOCKED
				LIMIT 1
			)
			RETURNING payload
		`).Scan(&payload)
		if errors.Is(err, sql.ErrNoRows) {
			if err := pollWait(ctx, tmr, q.pollInterval); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		return DecodeTask(payload)
	}
}

// Len returns an approximate number of queued tasks.
func (q *PostgresQueue) Len() int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM stagewise_tasks`).Scan(&n); err != nil {
		slog.Warn("postgres queue length failed", slog.String("error", err.Error()))
		return 0
	}
	return n
}
