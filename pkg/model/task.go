package model

import "time"

// StatusEntry is a single (step-alias, task-tag) record in the Status
// Store. Fields mirror spec.md §3's Status Record.
type StatusEntry struct {
	Step           string     `json:"step"`
	Tag            string     `json:"tag"`
	State          TaskState  `json:"state"`
	SubmittedAt    *time.Time `json:"submitted_at,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	Host           string     `json:"host,omitempty"` // "<backend>:<queue>"
	RuntimeSeconds float64    `json:"runtime_seconds,omitempty"`
	JobID          string     `json:"job_id,omitempty"`
	Output         string     `json:"output,omitempty"`
	ConfigHash     string     `json:"config_hash,omitempty"`
	ReconciledAt   *time.Time `json:"reconciled_at,omitempty"`

	// ArtifactMirrorURL is populated by the optional Artifact Mirror after
	// a successful task's output is best-effort uploaded to object storage.
	ArtifactMirrorURL string `json:"artifact_mirror_url,omitempty"`
}

// Merge folds the fields of other into e, field by field, leaving a field
// in e untouched if other doesn't set it. Used when folding a per-record
// terminal file into the aggregated status file.
func (e *StatusEntry) Merge(other StatusEntry) {
	if other.State != "" {
		e.State = other.State
	}
	if other.SubmittedAt != nil {
		e.SubmittedAt = other.SubmittedAt
	}
	if other.StartedAt != nil {
		e.StartedAt = other.StartedAt
	}
	if other.EndedAt != nil {
		e.EndedAt = other.EndedAt
	}
	if other.Host != "" {
		e.Host = other.Host
	}
	if other.RuntimeSeconds != 0 {
		e.RuntimeSeconds = other.RuntimeSeconds
	}
	if other.JobID != "" {
		e.JobID = other.JobID
	}
	if other.Output != "" {
		e.Output = other.Output
	}
	if other.ConfigHash != "" {
		e.ConfigHash = other.ConfigHash
	}
	if other.ReconciledAt != nil {
		e.ReconciledAt = other.ReconciledAt
	}
	if other.ArtifactMirrorURL != "" {
		e.ArtifactMirrorURL = other.ArtifactMirrorURL
	}
}

// Task is one concrete submission derived from a Step by fixing split-key
// values (spec.md §3).
type Task struct {
	Step       string         // step alias
	Tag        string         // deterministic, filesystem-safe suffix
	ConfigPath string         // path to the materialized per-task config file
	ConfigHash string         // hash of the materialized config, for change detection
	Values     map[string]any // the scalar slice assigned to each split key, for logging
}

// BackendKind identifies a Submission Backend variant.
type BackendKind string

const (
	BackendLocal BackendKind = "local"
	BackendSlurm BackendKind = "slurm"
)
