// Package stagewise provides an embeddable engine that moves research
// requests through a fixed two-stage pipeline: a researcher gathers
// findings, a hand-off protocol validates and reshapes them, and a writer
// turns them into a summary with recommendations.
//
// # Core Concepts
//
// The programming model is intentionally small:
//
//  1. Engine
//  2. StageExecutor
//  3. Hand-off
//  4. Worker and Runner
//
// # Engine
//
// The Engine owns the durable state of every workflow and drives it
// through the lifecycle
//
//	CREATED -> RESEARCHING -> HANDOFF_PENDING -> WRITING -> COMPLETED
//
// with FAILED reachable from any non-terminal status. Every write is a
// compare-and-set on the workflow's version, and a workflow is driven by
// at most one holder at a time under an expiring lock. It provides APIs to:
//   - submit or execute workflows
//   - read status, results and hand-off history
//   - cancel workflows
//   - resume workflows left in flight by a crash
//
// Engines can be backed by different storage systems:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres
//   - Redis
//   - MongoDB
//
// # StageExecutor
//
// A StageExecutor performs the work of one stage:
//
//	type StageExecutor interface {
//	    Stage() Stage
//	    Execute(ctx context.Context, input Document) (Document, error)
//	}
//
// Executor calls run inside a retry policy and a circuit breaker. Errors
// wrapped with api.Permanent are not retried. DefaultExecutors returns a
// researcher backed by a built-in topic corpus and a template writer.
//
// # Hand-off
//
// Between the stages, the research payload is checked against a JSON
// schema and transformed into the writer's input. Schema violations and
// empty findings fail the workflow; every attempt is recorded in the
// workflow's hand-off history.
//
// # Worker and Runner
//
// A Worker pulls tasks from a queue and drives the named workflows. A
// Runner bundles an Engine, a queue and a Worker into a single
// process-local helper for asynchronous submission.
//
// Example:
//
//	eng, _ := stagewise.NewInMemoryEngine(stagewise.Options{})
//	res, err := stagewise.Run(ctx, eng, "auto policy limits", nil)
package stagewise
