package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	cli "github.com/urfave/cli/v3"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/petrijr/stagewise"
	"github.com/petrijr/stagewise/internal/config"
	"github.com/petrijr/stagewise/internal/observability"
	"github.com/petrijr/stagewise/internal/persistence"
	"github.com/petrijr/stagewise/internal/stages"
	"github.com/petrijr/stagewise/internal/taskqueue"
	"github.com/petrijr/stagewise/pkg/api"
	"github.com/petrijr/stagewise/pkg/worker"
)

// app holds everything a command needs. Close releases it.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	engine stagewise.Engine
	queue  taskqueue.Queue
	worker *worker.Worker

	// events carries workflow events in-process; run --follow reads them.
	events *gochannel.GoChannel

	closers []func(ctx context.Context) error
}

func setup(ctx context.Context, command *cli.Command) (*app, error) {
	cfg, err := config.Load(command.String("config"))
	if err != nil {
		return nil, err
	}
	if lvl := command.String("log-level"); lvl != "" {
		cfg.Log.Level = lvl
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close(context.WithoutCancel(ctx))
		}
	}()

	store, queue, err := a.openBackend(ctx)
	if err != nil {
		return nil, err
	}
	a.queue = queue

	executors, err := a.executors()
	if err != nil {
		return nil, err
	}

	a.events = observability.NewGoChannel()
	a.closers = append(a.closers, func(context.Context) error { return a.events.Close() })

	observers := []api.Observer{
		api.NewLoggingObserver(logger),
		observability.NewEventPublisher(a.events, logger),
	}
	if cfg.Tracing.Enabled {
		tp, err := observability.NewTracerProvider(ctx, cfg.Tracing.ServiceName)
		if err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
		a.closers = append(a.closers, tp.Shutdown)
		observers = append(observers, observability.NewTracingObserver())
	}

	a.engine, err = stagewise.NewEngine(store, stagewise.Options{
		Executors:  executors,
		Observer:   api.NewCompositeObserver(observers...),
		Logger:     logger,
		Resilience: cfg.ResilienceDomains(),
		Schemas:    cfg.StageSchemas(),
		LockTTL:    cfg.Engine.LockTTL,
	})
	if err != nil {
		return nil, err
	}
	a.worker = worker.NewWithConfig(a.engine, a.queue, worker.Config{
		Concurrency: cfg.Worker.Concurrency,
		Logger:      logger,
	})

	ok = true
	return a, nil
}

// Close runs the registered closers in reverse order.
func (a *app) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("close_failed", slog.String("error", err.Error()))
		}
	}
	a.closers = nil
}

func (a *app) executors() ([]api.StageExecutor, error) {
	if a.cfg.Corpus == "" {
		return stagewise.DefaultExecutors()
	}
	corpus, err := stages.LoadCorpus(a.cfg.Corpus)
	if err != nil {
		return nil, err
	}
	composer, err := stages.NewTemplateComposer(stages.DefaultSummaryTemplate)
	if err != nil {
		return nil, err
	}
	return []api.StageExecutor{stages.NewResearcher(corpus), stages.NewWriter(composer)}, nil
}

// openBackend opens the configured store and the task queue living next to
// it.
func (a *app) openBackend(ctx context.Context) (persistence.Port, taskqueue.Queue, error) {
	sc := a.cfg.Store
	switch sc.Driver {
	case config.DriverMemory:
		if sc.Queue == "" {
			return persistence.NewInMemoryStore(), taskqueue.NewInMemoryQueue(), nil
		}
		db, err := a.openSQLite(sc.Queue)
		if err != nil {
			return nil, nil, err
		}
		queue, err := taskqueue.NewSQLiteQueue(db)
		if err != nil {
			return nil, nil, err
		}
		return persistence.NewInMemoryStore(), queue, nil

	case config.DriverSQLite:
		db, err := a.openSQLite(sc.DSN)
		if err != nil {
			return nil, nil, err
		}
		store, err := persistence.NewSQLiteStore(db)
		if err != nil {
			return nil, nil, err
		}
		queue, err := taskqueue.NewSQLiteQueue(db)
		if err != nil {
			return nil, nil, err
		}
		return store, queue, nil

	case config.DriverPostgres:
		db, err := sql.Open("pgx", sc.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return db.Close() })
		if err := db.PingContext(ctx); err != nil {
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		store, err := persistence.NewPostgresStore(db)
		if err != nil {
			return nil, nil, err
		}
		queue, err := taskqueue.NewPostgresQueue(db)
		if err != nil {
			return nil, nil, err
		}
		return store, queue, nil

	case config.DriverRedis:
		opts := &redis.Options{Addr: sc.DSN}
		if strings.Contains(sc.DSN, "://") {
			var err error
			if opts, err = redis.ParseURL(sc.DSN); err != nil {
				return nil, nil, fmt.Errorf("parse redis url: %w", err)
			}
		}
		client := redis.NewClient(opts)
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		return persistence.NewRedisStore(client, sc.Prefix), taskqueue.NewRedisQueue(client, sc.Prefix), nil

	case config.DriverMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(sc.DSN))
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongo: %w", err)
		}
		a.closers = append(a.closers, client.Disconnect)
		store, err := persistence.NewMongoStore(ctx, client, sc.Prefix)
		if err != nil {
			return nil, nil, err
		}
		return store, taskqueue.NewMongoQueue(client, sc.Prefix, ""), nil
	}
	return nil, nil, errors.New("unknown store driver " + sc.Driver)
}

func (a *app) openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	a.closers = append(a.closers, func(context.Context) error { return db.Close() })
	return db, nil
}
