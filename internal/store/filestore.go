package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/nrel/hpcpipe/pkg/model"
)

const (
	recordsDirName   = "records"
	aggregateFile    = "status.json"
	monitorStepAlias = "__monitor__"
)

// aggregate is the on-disk shape of the folded status file: step-alias ->
// task-tag -> entry (spec.md §3's Status Record).
type aggregate map[string]map[string]model.StatusEntry

// FileStore is the default Status Store: per-task atomic-rename record
// files folded into a single aggregated snapshot file, grounded on the
// teacher's pattern of atomic single-record writes merged by a reader
// (SPEC_FULL.md §4.J, §9).
type FileStore struct {
	dir    string // project directory
	logger *slog.Logger
}

// New creates a FileStore rooted at the given project directory. The
// directory's `.status/` subdirectory is created on first use.
func New(projectDir string, logger *slog.Logger) *FileStore {
	return &FileStore{dir: projectDir, logger: logger.With("component", "status-store")}
}

func (s *FileStore) statusDir() string    { return filepath.Join(s.dir, ".status") }
func (s *FileStore) recordsDir() string   { return filepath.Join(s.statusDir(), recordsDirName) }
func (s *FileStore) aggregatePath() string { return filepath.Join(s.statusDir(), aggregateFile) }

// Record writes a new single-record terminal file via write-to-temp +
// atomic rename, safe under concurrent writers sharing the filesystem.
func (s *FileStore) Record(step, tag string, fields model.StatusEntry) error {
	if err := os.MkdirAll(s.recordsDir(), 0o755); err != nil {
		return fmt.Errorf("status store: create records dir: %w", err)
	}
	fields.Step = step
	fields.Tag = tag

	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("status store: marshal record: %w", err)
	}

	name := fmt.Sprintf("%s.json", uuid.NewString())
	final := filepath.Join(s.recordsDir(), name)
	tmp := final + ".tmp"

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("status store: write temp record: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("status store: rename record: %w", err)
	}

	return s.Fold()
}

// Fold merges any pending per-job record files in records/ into the
// aggregate snapshot, then removes the folded record files. The
// aggregate file itself is replaced via write-to-temp + atomic rename so
// a reader never observes a partial write (spec.md §4.A invariant i).
func (s *FileStore) Fold() error {
	agg, err := s.readAggregate()
	if err != nil {
		return err
	}

	entries, err := os.ReadDir(s.recordsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("status store: list records: %w", err)
	}

	var folded []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(s.recordsDir(), entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("skip unreadable record", "path", path, "error", err)
			continue
		}
		var rec model.StatusEntry
		if err := json.Unmarshal(data, &rec); err != nil {
			s.logger.Warn("skip malformed record", "path", path, "error", err)
			continue
		}

		if err := applyRecord(agg, rec); err != nil {
			s.logger.Warn("skip record violating invariant", "path", path, "error", err)
			continue
		}
		folded = append(folded, path)
	}

	if len(folded) == 0 {
		return nil
	}

	if err := s.writeAggregate(agg); err != nil {
		return err
	}

	for _, path := range folded {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("remove folded record", "path", path, "error", err)
		}
	}
	return nil
}

// applyRecord merges rec into agg, enforcing invariant (ii) via
// model.TaskState.CanTransitionTo: a record with a state that isn't a
// legal move from the existing entry's state is rejected outright. A
// record with an empty State (a field-only follow-up, e.g. an Artifact
// Mirror URL recorded after the terminal state already landed) and a
// record repeating the existing state are never transitions, so both
// bypass the check and fall through to a plain merge.
func applyRecord(agg aggregate, rec model.StatusEntry) error {
	if agg[rec.Step] == nil {
		agg[rec.Step] = make(map[string]model.StatusEntry)
	}
	existing, had := agg[rec.Step][rec.Tag]

	if had && rec.State != "" && rec.State != existing.State && !existing.State.CanTransitionTo(rec.State) {
		return &model.InvalidTransitionError{
			Entity: "task",
			ID:     rec.Step + rec.Tag,
			From:   existing.State.String(),
			To:     rec.State.String(),
		}
	}

	if !had {
		agg[rec.Step][rec.Tag] = rec
		return nil
	}
	existing.Merge(rec)
	agg[rec.Step][rec.Tag] = existing
	return nil
}

func (s *FileStore) readAggregate() (aggregate, error) {
	data, err := os.ReadFile(s.aggregatePath())
	if err != nil {
		if os.IsNotExist(err) {
			return aggregate{}, nil
		}
		return nil, fmt.Errorf("status store: read aggregate: %w", err)
	}
	var agg aggregate
	if err := json.Unmarshal(data, &agg); err != nil {
		return nil, fmt.Errorf("status store: parse aggregate: %w", err)
	}
	if agg == nil {
		agg = aggregate{}
	}
	return agg, nil
}

func (s *FileStore) writeAggregate(agg aggregate) error {
	if err := os.MkdirAll(s.statusDir(), 0o755); err != nil {
		return fmt.Errorf("status store: create status dir: %w", err)
	}
	data, err := json.MarshalIndent(agg, "", "  ")
	if err != nil {
		return fmt.Errorf("status store: marshal aggregate: %w", err)
	}
	tmp := s.aggregatePath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("status store: write temp aggregate: %w", err)
	}
	if err := os.Rename(tmp, s.aggregatePath()); err != nil {
		return fmt.Errorf("status store: rename aggregate: %w", err)
	}
	return nil
}

// Get returns the current folded entry for (step, tag).
func (s *FileStore) Get(step, tag string) (model.StatusEntry, bool, error) {
	if err := s.Fold(); err != nil {
		return model.StatusEntry{}, false, err
	}
	agg, err := s.readAggregate()
	if err != nil {
		return model.StatusEntry{}, false, err
	}
	entry, ok := agg[step][tag]
	return entry, ok, nil
}

// Summary returns the aggregated view, tabulated by step and task.
func (s *FileStore) Summary(step string) ([]StepSummary, error) {
	if err := s.Fold(); err != nil {
		return nil, err
	}
	agg, err := s.readAggregate()
	if err != nil {
		return nil, err
	}

	var steps []string
	if step != "" {
		steps = []string{step}
	} else {
		for k := range agg {
			if k == monitorStepAlias {
				continue
			}
			steps = append(steps, k)
		}
		sort.Strings(steps)
	}

	var out []StepSummary
	for _, st := range steps {
		tasks := agg[st]
		var entries []model.StatusEntry
		var states []model.TaskState
		counts := make(map[model.TaskState]int)
		for _, e := range tasks {
			entries = append(entries, e)
			states = append(states, e.State)
			counts[e.State]++
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Tag < entries[j].Tag })
		out = append(out, StepSummary{
			Step:   st,
			State:  model.AggregateStepState(states),
			Tasks:  entries,
			Counts: counts,
		})
	}
	return out, nil
}

// Reconcile queries backend for every submitted/running entry by job id.
func (s *FileStore) Reconcile(ctx context.Context, backend BackendQuerier) error {
	if err := s.Fold(); err != nil {
		return err
	}
	agg, err := s.readAggregate()
	if err != nil {
		return err
	}

	changed := false
	now := time.Now().UTC()
	for step, tasks := range agg {
		for tag, entry := range tasks {
			if entry.State != model.TaskSubmitted && entry.State != model.TaskRunning {
				continue
			}
			if entry.JobID == "" {
				continue
			}
			jobState, err := backend.Query(ctx, entry.JobID)
			if err != nil {
				s.logger.Warn("reconcile query failed", "step", step, "tag", tag, "job_id", entry.JobID, "error", err)
				continue
			}
			if jobState == BackendJobUnknown && entry.EndedAt == nil {
				entry.State = model.TaskFailed
				entry.EndedAt = &now
				entry.ReconciledAt = &now
				agg[step][tag] = entry
				changed = true
				s.logger.Info("reconciled task to failed (dropped from queue)", "step", step, "tag", tag, "job_id", entry.JobID)
			} else if jobState == BackendJobRunning && entry.State == model.TaskSubmitted {
				entry.State = model.TaskRunning
				if entry.StartedAt == nil {
					entry.StartedAt = &now
				}
				agg[step][tag] = entry
				changed = true
			}
		}
	}

	if changed {
		return s.writeAggregate(agg)
	}
	return nil
}

// Reset transitions entries for steps after afterStep (by position in
// stepOrder) back to not-submitted. Empty afterStep resets everything.
func (s *FileStore) Reset(afterStep string, stepOrder []string) error {
	if err := s.Fold(); err != nil {
		return err
	}
	agg, err := s.readAggregate()
	if err != nil {
		return err
	}

	resetAll := afterStep == ""
	afterIdx := -1
	if !resetAll {
		for i, name := range stepOrder {
			if name == afterStep {
				afterIdx = i
				break
			}
		}
	}

	for step, tasks := range agg {
		if step == monitorStepAlias {
			continue
		}
		reset := resetAll
		if !reset {
			idx := indexOf(stepOrder, step)
			reset = idx > afterIdx
		}
		if !reset {
			continue
		}
		for tag, entry := range tasks {
			entry.State = model.TaskNotSubmitted
			entry.SubmittedAt = nil
			entry.StartedAt = nil
			entry.EndedAt = nil
			entry.JobID = ""
			entry.ReconciledAt = nil
			tasks[tag] = entry
		}
	}

	return s.writeAggregate(agg)
}

func indexOf(list []string, v string) int {
	for i, item := range list {
		if item == v {
			return i
		}
	}
	return -1
}

// SetMonitorLiveness writes the background monitor's liveness token,
// keyed under a reserved step alias (SPEC_FULL.md §4.K).
func (s *FileStore) SetMonitorLiveness(token model.StatusEntry) error {
	return s.Record(monitorStepAlias, "token", token)
}

// MonitorLiveness returns the current monitor liveness token, if any.
func (s *FileStore) MonitorLiveness() (model.StatusEntry, bool, error) {
	return s.Get(monitorStepAlias, "token")
}
