// Package api contains the core types shared by the stagewise engine, its
// persistence backends, and its callers.
//
// Most users interact with the higher-level stagewise package, which
// re-exports selected types and helpers from this package. The api package
// is intended for custom stage executors, custom observers, and
// contributors extending the engine itself.
//
// # Concepts
//
//   - WorkflowState: the durable record of one request, versioned for
//     optimistic concurrency.
//   - Status and Stage: the state machine
//     CREATED → RESEARCHING → HANDOFF_PENDING → WRITING → COMPLETED, with
//     FAILED reachable from every non-terminal status.
//   - StageExecutor: the capability invoked for each stage.
//   - HandoffPayload / HandoffEvent: the transfer of the research output to
//     the writer, and its audit trail.
//   - Observer: lifecycle callbacks for logging, metrics and tracing.
//
// # Errors
//
// Failures are reported with a small taxonomy: ExecutorError and
// PersistenceError are retryable; ValidationError, TransformationError and
// CircuitOpenError fail a workflow immediately; ErrVersionConflict and
// LockConflictError are coordination signals, not workflow failures.
// IsRetryable and KindOf classify any error along these lines.
package api
