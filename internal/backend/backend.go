// Package backend implements the Submission Backend: a pluggable interface
// for handing a materialized task off to something that will run it, and
// later reporting whether it is still queued, running, or gone.
package backend

import (
	"context"
	"fmt"

	"github.com/nrel/hpcpipe/pkg/model"
)

// SubmitSpec describes one task ready to run: its working directory, the
// command line to execute, and the resource request governing how a
// cluster-backed variant should schedule it.
type SubmitSpec struct {
	Step        string
	Tag         string
	WorkDir     string
	Command     []string
	Resources   model.Resources
	Environment map[string]string
	PreScript   string // optional shell fragment sourced before Command
}

// JobState is the externally observable state of a submitted job.
type JobState string

const (
	JobQueued  JobState = "queued"
	JobRunning JobState = "running"
	JobUnknown JobState = "unknown"
)

// Backend is the Submission Backend contract (spec.md §4.B). Implementations
// are registered under a model.BackendKind and selected per step config.
type Backend interface {
	Kind() model.BackendKind

	// Submit hands off spec and returns a backend-assigned job id.
	Submit(ctx context.Context, spec SubmitSpec) (jobID string, err error)

	// Query reports the current state of a previously submitted job id.
	Query(ctx context.Context, jobID string) (JobState, error)

	// Cancel requests termination of a previously submitted job id.
	Cancel(ctx context.Context, jobID string) error
}

// Registry maps model.BackendKind to its Backend implementation.
// Registration happens at startup before concurrent access, so no mutex is
// needed (grounded on the teacher's internal/executor.Registry).
type Registry struct {
	backends map[model.BackendKind]Backend
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[model.BackendKind]Backend)}
}

// Register adds a Backend, keyed by its Kind().
func (r *Registry) Register(b Backend) {
	r.backends[b.Kind()] = b
}

// RenderPreview renders the submission script spec would produce for
// kind, without running it — the `script` CLI command's preview.
func RenderPreview(kind model.BackendKind, spec SubmitSpec) string {
	if kind == model.BackendSlurm {
		return buildBatchScript(spec)
	}
	return buildScript(spec)
}

// Get returns the Backend for kind, or a *model.SubmissionError if unregistered.
func (r *Registry) Get(kind model.BackendKind) (Backend, error) {
	b, ok := r.backends[kind]
	if !ok {
		return nil, &model.SubmissionError{Step: "", Tag: "", Msg: fmt.Sprintf("no backend registered for kind %q", kind)}
	}
	return b, nil
}
