package stagewise

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/stagewise/internal/engine"
	"github.com/petrijr/stagewise/internal/handoff"
	"github.com/petrijr/stagewise/internal/persistence"
	"github.com/petrijr/stagewise/internal/resilience"
	"github.com/petrijr/stagewise/internal/stages"
	"github.com/petrijr/stagewise/internal/state"
	"github.com/petrijr/stagewise/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine          = api.Engine
	WorkflowRequest = api.WorkflowRequest
	WorkflowResult  = api.WorkflowResult
	WorkflowState   = api.WorkflowState
	WorkflowFilter  = api.WorkflowFilter
	StatusView      = api.StatusView
	HandoffEvent    = api.HandoffEvent
	Document        = api.Document
	Status          = api.Status
	Stage           = api.Stage
	StageExecutor   = api.StageExecutor
	ErrorEntry      = api.ErrorEntry

	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver

	// Store is the persistence port an Engine is built on.
	Store = persistence.Port

	Domain        = resilience.Domain
	DomainConfig  = resilience.DomainConfig
	RetryPolicy   = resilience.RetryPolicy
	CircuitConfig = resilience.CircuitConfig
)

// Re-export common observer helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
)

// Re-export status and stage values for convenience.

const (
	StatusCreated        = api.StatusCreated
	StatusResearching    = api.StatusResearching
	StatusHandoffPending = api.StatusHandoffPending
	StatusWriting        = api.StatusWriting
	StatusCompleted      = api.StatusCompleted
	StatusFailed         = api.StatusFailed

	StageResearch = api.StageResearch
	StageWriter   = api.StageWriter

	DomainStageExecutor = resilience.DomainStageExecutor
	DomainPersistence   = resilience.DomainPersistence
)

// Options configures an Engine built by the constructors below. Zero values
// fall back to defaults.
type Options struct {
	// Executors defaults to DefaultExecutors.
	Executors []api.StageExecutor

	Observer api.Observer
	Logger   *slog.Logger

	// Resilience overrides the retry and breaker settings per domain.
	Resilience map[resilience.Domain]resilience.DomainConfig

	// Schemas overrides the hand-off schema of individual stages.
	Schemas map[api.Stage]string

	// LockTTL defaults to 30s.
	LockTTL time.Duration

	// Prefix namespaces Redis keys. For MongoDB it names the database.
	Prefix string
}

// DefaultExecutors returns the researcher backed by the built-in topic
// corpus and the writer backed by the default summary template.
func DefaultExecutors() ([]api.StageExecutor, error) {
	corpus, err := stages.DefaultCorpus()
	if err != nil {
		return nil, err
	}
	composer, err := stages.NewTemplateComposer(stages.DefaultSummaryTemplate)
	if err != nil {
		return nil, err
	}
	return []api.StageExecutor{
		stages.NewResearcher(corpus),
		stages.NewWriter(composer),
	}, nil
}

// NewEngine assembles an Engine on top of store.
func NewEngine(store Store, opts Options) (Engine, error) {
	executors := opts.Executors
	if len(executors) == 0 {
		var err error
		if executors, err = DefaultExecutors(); err != nil {
			return nil, err
		}
	}

	layer := resilience.NewLayer(resilience.Config{
		Domains: opts.Resilience,
		Logger:  opts.Logger,
	})
	states := state.NewManager(state.Config{Port: store, Layer: layer})
	protocol, err := handoff.New(handoff.Config{Schemas: opts.Schemas, Log: states})
	if err != nil {
		return nil, err
	}

	eng, err := engine.New(engine.Config{
		States:    states,
		Handoff:   protocol,
		Layer:     layer,
		Executors: executors,
		Observer:  opts.Observer,
		Logger:    opts.Logger,
		LockTTL:   opts.LockTTL,
	})
	if err != nil {
		return nil, err
	}
	return eng, nil
}

// Engine constructors per backend. They wrap internal/persistence so
// external callers never need to import internal packages.

// NewInMemoryEngine returns an Engine backed entirely by in-memory state.
func NewInMemoryEngine(opts Options) (Engine, error) {
	return NewEngine(persistence.NewInMemoryStore(), opts)
}

// NewSQLiteEngine returns an Engine that persists workflows in a SQLite
// database.
func NewSQLiteEngine(db *sql.DB, opts Options) (Engine, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	return NewEngine(store, opts)
}

// NewPostgresEngine returns an Engine that persists workflows in PostgreSQL.
func NewPostgresEngine(db *sql.DB, opts Options) (Engine, error) {
	store, err := persistence.NewPostgresStore(db)
	if err != nil {
		return nil, err
	}
	return NewEngine(store, opts)
}

// NewRedisEngine returns an Engine that persists workflows in Redis.
func NewRedisEngine(client *redis.Client, opts Options) (Engine, error) {
	return NewEngine(persistence.NewRedisStore(client, opts.Prefix), opts)
}

// NewMongoEngine returns an Engine that persists workflows in MongoDB.
func NewMongoEngine(ctx context.Context, client *mongo.Client, opts Options) (Engine, error) {
	store, err := persistence.NewMongoStore(ctx, client, opts.Prefix)
	if err != nil {
		return nil, err
	}
	return NewEngine(store, opts)
}

// Convenience helpers that just forward to the underlying Engine.

// Run creates a workflow for query and drives it to a terminal status.
func Run(ctx context.Context, eng Engine, query string, params map[string]any) (*WorkflowResult, error) {
	return eng.ExecuteWorkflow(ctx, WorkflowRequest{Query: query, Parameters: params})
}

// Resume drives an existing workflow from its current status.
func Resume(ctx context.Context, eng Engine, id string) (*WorkflowResult, error) {
	return eng.ExecuteWorkflow(ctx, WorkflowRequest{WorkflowID: id})
}

// GetStatus fetches the status view of a workflow.
func GetStatus(ctx context.Context, eng Engine, id string) (*StatusView, error) {
	return eng.GetWorkflowStatus(ctx, id)
}

// ListWorkflows lists workflows matching filter.
func ListWorkflows(ctx context.Context, eng Engine, filter WorkflowFilter) ([]*WorkflowState, error) {
	return eng.ListWorkflows(ctx, filter)
}

// RecoverStuckWorkflows delegates to eng.RecoverStuckWorkflows.
//
// It is typically called on process startup before starting any workers:
//
//	count, err := stagewise.RecoverStuckWorkflows(ctx, engine)
func RecoverStuckWorkflows(ctx context.Context, eng Engine) (int, error) {
	return eng.RecoverStuckWorkflows(ctx)
}
