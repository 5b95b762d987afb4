package api

import "context"

// StageExecutor produces the output document of one pipeline stage.
//
// Execute may be called more than once for the same input: the engine
// retries failed attempts and resumes interrupted workflows. Exactly-once
// persisted effect is guaranteed by the engine, not by the executor.
// Returning an error wrapped with Permanent disables retries.
type StageExecutor interface {
	Stage() Stage
	Execute(ctx context.Context, input Document) (Document, error)
}
