package store

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nrel/hpcpipe/pkg/model"
)

func TestApplyRecordRejectsIllegalTransition(t *testing.T) {
	agg := aggregate{"profiles": {"_y2020": model.StatusEntry{State: model.TaskSuccessful}}}

	err := applyRecord(agg, model.StatusEntry{Step: "profiles", Tag: "_y2020", State: model.TaskSubmitted})
	if err == nil {
		t.Fatal("expected illegal-transition error")
	}
	var transErr *model.InvalidTransitionError
	if e, ok := err.(*model.InvalidTransitionError); ok {
		transErr = e
	}
	if transErr == nil {
		t.Fatalf("expected *model.InvalidTransitionError, got %T: %v", err, err)
	}
	if transErr.From != string(model.TaskSuccessful) || transErr.To != string(model.TaskSubmitted) {
		t.Fatalf("unexpected transition recorded: %+v", transErr)
	}
}

func TestApplyRecordAllowsEmptyStateFieldOnlyMerge(t *testing.T) {
	agg := aggregate{"profiles": {"_y2020": model.StatusEntry{State: model.TaskSuccessful}}}

	if err := applyRecord(agg, model.StatusEntry{Step: "profiles", Tag: "_y2020", ArtifactMirrorURL: "s3://bucket/key"}); err != nil {
		t.Fatalf("expected field-only merge with no state to succeed: %v", err)
	}
	if agg["profiles"]["_y2020"].ArtifactMirrorURL != "s3://bucket/key" {
		t.Fatal("expected artifact mirror url merged")
	}
	if agg["profiles"]["_y2020"].State != model.TaskSuccessful {
		t.Fatal("expected state preserved")
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRecordAndGet(t *testing.T) {
	s := New(t.TempDir(), testLogger())

	if err := s.Record("profiles", "_y2020", model.StatusEntry{State: model.TaskSubmitted, JobID: "123"}); err != nil {
		t.Fatalf("record: %v", err)
	}

	entry, ok, err := s.Get("profiles", "_y2020")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if entry.State != model.TaskSubmitted || entry.JobID != "123" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
}

func TestRecordMergesFields(t *testing.T) {
	s := New(t.TempDir(), testLogger())
	now := time.Now().UTC()

	_ = s.Record("profiles", "_y2020", model.StatusEntry{State: model.TaskSubmitted, JobID: "1", SubmittedAt: &now})
	_ = s.Record("profiles", "_y2020", model.StatusEntry{State: model.TaskSuccessful, EndedAt: &now})

	entry, _, _ := s.Get("profiles", "_y2020")
	if entry.State != model.TaskSuccessful {
		t.Fatalf("expected successful, got %s", entry.State)
	}
	if entry.JobID != "1" {
		t.Fatalf("expected job id preserved, got %q", entry.JobID)
	}
	if entry.SubmittedAt == nil {
		t.Fatal("expected submitted_at preserved across merges")
	}
}

func TestTerminalEntryNotOverwrittenExceptByReset(t *testing.T) {
	s := New(t.TempDir(), testLogger())
	_ = s.Record("profiles", "_y2020", model.StatusEntry{State: model.TaskSuccessful})

	// A stray late update from a duplicate job should not clobber success.
	_ = s.Record("profiles", "_y2020", model.StatusEntry{State: model.TaskFailed})

	entry, _, _ := s.Get("profiles", "_y2020")
	if entry.State != model.TaskSuccessful {
		t.Fatalf("terminal state was overwritten: %s", entry.State)
	}
}

func TestConcurrentRecordsAllFold(t *testing.T) {
	s := New(t.TempDir(), testLogger())
	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tag := tagFor(i)
			_ = s.Record("scatter", tag, model.StatusEntry{State: model.TaskSuccessful, JobID: tag})
		}(i)
	}
	wg.Wait()

	summaries, err := s.Summary("scatter")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("expected 1 step summary, got %d", len(summaries))
	}
	if len(summaries[0].Tasks) != n {
		t.Fatalf("expected %d tasks folded, got %d", n, len(summaries[0].Tasks))
	}
}

func tagFor(i int) string {
	return "_j" + string(rune('a'+i))
}

type fakeBackend struct {
	states map[string]BackendJobState
}

func (f fakeBackend) Query(ctx context.Context, jobID string) (BackendJobState, error) {
	if s, ok := f.states[jobID]; ok {
		return s, nil
	}
	return BackendJobUnknown, nil
}

func TestReconcileTransitionsDroppedJobsToFailed(t *testing.T) {
	s := New(t.TempDir(), testLogger())
	_ = s.Record("profiles", "_y2020", model.StatusEntry{State: model.TaskSubmitted, JobID: "42"})

	backend := fakeBackend{states: map[string]BackendJobState{}}
	if err := s.Reconcile(context.Background(), backend); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	entry, _, _ := s.Get("profiles", "_y2020")
	if entry.State != model.TaskFailed {
		t.Fatalf("expected failed after reconcile, got %s", entry.State)
	}
	if entry.ReconciledAt == nil {
		t.Fatal("expected reconciled_at to be set")
	}
}

func TestReconcileIdempotentWithoutSchedulerActivity(t *testing.T) {
	s := New(t.TempDir(), testLogger())
	_ = s.Record("profiles", "_y2020", model.StatusEntry{State: model.TaskSubmitted, JobID: "42"})
	backend := fakeBackend{states: map[string]BackendJobState{"42": BackendJobRunning}}

	if err := s.Reconcile(context.Background(), backend); err != nil {
		t.Fatal(err)
	}
	first, _, _ := s.Get("profiles", "_y2020")

	if err := s.Reconcile(context.Background(), backend); err != nil {
		t.Fatal(err)
	}
	second, _, _ := s.Get("profiles", "_y2020")

	if first.State != second.State {
		t.Fatalf("reconcile not idempotent: %s != %s", first.State, second.State)
	}
}

func TestResetAfterStepPreservesEarlierSteps(t *testing.T) {
	s := New(t.TempDir(), testLogger())
	_ = s.Record("extract", "_j0", model.StatusEntry{State: model.TaskSuccessful})
	_ = s.Record("profiles", "_y2020", model.StatusEntry{State: model.TaskFailed})

	if err := s.Reset("extract", []string{"extract", "profiles"}); err != nil {
		t.Fatalf("reset: %v", err)
	}

	extract, _, _ := s.Get("extract", "_j0")
	if extract.State != model.TaskSuccessful {
		t.Fatalf("expected extract unaffected, got %s", extract.State)
	}
	profiles, _, _ := s.Get("profiles", "_y2020")
	if profiles.State != model.TaskNotSubmitted {
		t.Fatalf("expected profiles reset, got %s", profiles.State)
	}
}

func TestResetAllWithEmptyAfterStep(t *testing.T) {
	s := New(t.TempDir(), testLogger())
	_ = s.Record("extract", "_j0", model.StatusEntry{State: model.TaskSuccessful})

	if err := s.Reset("", []string{"extract"}); err != nil {
		t.Fatalf("reset: %v", err)
	}
	entry, _, _ := s.Get("extract", "_j0")
	if entry.State != model.TaskNotSubmitted {
		t.Fatalf("expected reset, got %s", entry.State)
	}
}
