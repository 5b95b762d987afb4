package stagewise

import (
	"database/sql"

	"github.com/petrijr/stagewise/internal/taskqueue"
	workerpkg "github.com/petrijr/stagewise/pkg/worker"
)

// NewSQLiteRunner constructs a durable Runner whose Engine and task queue
// share the same SQLite database. Workflows and queued tasks survive a
// process restart; call RecoverStuckWorkflows before StartWorkers to resume
// workflows a crash left in flight.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:stagewise.db?_journal=WAL")
//	db.SetMaxOpenConns(1)
//	runner, err := stagewise.NewSQLiteRunner(db, stagewise.Options{}, worker.Config{})
func NewSQLiteRunner(db *sql.DB, opts Options, cfg workerpkg.Config) (*Runner, error) {
	eng, err := NewSQLiteEngine(db, opts)
	if err != nil {
		return nil, err
	}

	q, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}

	if cfg.Logger == nil {
		cfg.Logger = opts.Logger
	}
	return NewRunner(eng, q, cfg), nil
}
