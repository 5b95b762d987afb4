// Package worker provides the background worker that drives submitted
// stagewise workflows.
//
// Workers consume tasks from a task queue and hand them to an engine. A task
// only names a workflow: the workflow itself is durably stored by
// Engine.Submit before its task is enqueued, so a lost task never loses a
// workflow (the recovery sweep picks up anything left in flight).
//
// # Worker Responsibilities
//
// A worker is responsible for:
//
//   - Polling a task queue for pending work
//   - Driving submitted workflows to a terminal status
//   - Cancelling workflows on request
//   - Handing a task back to the queue, delayed, while another process
//     holds the workflow lock
//
// Multiple workers, in one process or many, can safely operate on the same
// durable queue: the workflow lock guarantees a single driver per workflow.
//
// # Configuration
//
// Config controls the number of concurrent task handlers, the delay before
// a task whose workflow is locked is retried and how many times that
// happens before the task is given up.
package worker
