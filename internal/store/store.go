// Package store implements the Status Store: a persistent, per-project
// directory of append-only status records keyed by (step, task-tag),
// reconciled against the external scheduler's live queue.
//
// The defining simplification (SPEC_FULL.md §9, carried from the source
// design) is that there is no process-wide lock manager: every
// terminating job writes its own single-record file via write-to-temp +
// atomic rename, and a separate folding step merges those files into one
// aggregated snapshot, also replaced atomically. Concurrent writers from
// jobs finishing on different hosts never corrupt each other's updates;
// a reader between two folds sees one complete snapshot or the next, never
// a partial one.
package store

import (
	"context"

	"github.com/nrel/hpcpipe/pkg/model"
)

// BackendQuerier is the subset of the Submission Backend the Status Store
// needs for reconciliation: whether a job id is still known to the
// scheduler.
type BackendQuerier interface {
	Query(ctx context.Context, jobID string) (BackendJobState, error)
}

// BackendJobState is the live-queue state the backend reports for a job id.
type BackendJobState string

const (
	BackendJobQueued  BackendJobState = "queued"
	BackendJobRunning BackendJobState = "running"
	BackendJobUnknown BackendJobState = "unknown" // not in the queue anymore
)

// StepSummary aggregates one step's tasks for the `status` command.
type StepSummary struct {
	Step      string
	State     model.StepState
	Tasks     []model.StatusEntry
	Counts    map[model.TaskState]int
}

// Store is the Status Store contract (spec.md §4.A).
type Store interface {
	// Record merges fields into the (step, tag) entry by writing a new
	// per-job terminal record file (write-to-temp + atomic rename) and
	// folding it into the aggregate before returning. Safe under
	// concurrent callers sharing the project directory.
	Record(step, tag string, fields model.StatusEntry) error

	// Get returns the current folded entry for (step, tag), if any.
	Get(step, tag string) (model.StatusEntry, bool, error)

	// Summary returns the aggregated view, optionally filtered to one
	// step (empty string means all steps).
	Summary(step string) ([]StepSummary, error)

	// Reconcile queries backend for every submitted/running entry by job
	// id; an entry whose job has dropped off the queue without a
	// recorded end time transitions to failed with a reconciliation
	// timestamp (spec.md §4.A). Executed implicitly at the start of
	// every Pipeline Executor invocation.
	Reconcile(ctx context.Context, backend BackendQuerier) error

	// Reset transitions entries whose step appears after afterStep in
	// stepOrder (or all entries if afterStep is empty) back to
	// not-submitted. Never deletes on-disk artifacts.
	Reset(afterStep string, stepOrder []string) error

	// Fold merges any pending per-job record files into the aggregate
	// snapshot. Called automatically by Record/Get/Summary/Reconcile,
	// exposed for callers that want an explicit, synchronous refresh
	// point.
	Fold() error

	// SetMonitorLiveness writes the background monitor's liveness token
	// under a reserved step alias (SPEC_FULL.md §4.K).
	SetMonitorLiveness(token model.StatusEntry) error

	// MonitorLiveness returns the current monitor liveness token, if any.
	MonitorLiveness() (model.StatusEntry, bool, error)
}
