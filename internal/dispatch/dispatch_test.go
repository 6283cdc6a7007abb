package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/nrel/hpcpipe/internal/backend"
	"github.com/nrel/hpcpipe/internal/registry"
	"github.com/nrel/hpcpipe/internal/store"
	"github.com/nrel/hpcpipe/pkg/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeStepConfig(t *testing.T, dir string, content map[string]any) string {
	t.Helper()
	path := filepath.Join(dir, "profiles.json")
	data, err := json.Marshal(content)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDispatchProductSplitKey(t *testing.T) {
	dir := t.TempDir()
	path := writeStepConfig(t, dir, map[string]any{
		"year": []any{2018.0, 2019.0, 2020.0},
	})

	st := store.New(dir, testLogger())
	entries := registry.New()
	d := New(st, entries, testLogger())
	d.exe = "true" // harmless real binary; tests only care that Submit runs something

	be := backend.NewLocal(testLogger())
	desc := registry.Descriptor{
		Name:      "profiles",
		SplitKeys: []registry.SplitKeyGroup{{Keys: []string{"year"}, Product: true}},
	}

	err := d.Dispatch(context.Background(), "profiles", path, desc, be, PlatformParams{}, model.Resources{}, nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	for _, tag := range []string{"_yr2018", "_yr2019", "_yr2020"} {
		entry, ok, err := st.Get("profiles", tag)
		if err != nil || !ok {
			t.Fatalf("expected task %s recorded, ok=%v err=%v", tag, ok, err)
		}
		if entry.State != model.TaskSuccessful {
			t.Fatalf("task %s state = %s, want successful", tag, entry.State)
		}
	}
}

func TestDispatchSkipsSuccessfulWithMatchingHash(t *testing.T) {
	dir := t.TempDir()
	path := writeStepConfig(t, dir, map[string]any{
		"year": []any{2020.0},
	})

	st := store.New(dir, testLogger())
	entries := registry.New()
	d := New(st, entries, testLogger())
	d.exe = "true" // harmless real binary; tests only care that Submit runs something
	be := backend.NewLocal(testLogger())
	desc := registry.Descriptor{
		Name:      "profiles",
		SplitKeys: []registry.SplitKeyGroup{{Keys: []string{"year"}, Product: true}},
	}

	if err := d.Dispatch(context.Background(), "profiles", path, desc, be, PlatformParams{}, model.Resources{}, nil); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	first, _, _ := st.Get("profiles", "_yr2020")

	if err := st.Record("profiles", "_yr2020", model.StatusEntry{State: model.TaskSuccessful, ConfigHash: first.ConfigHash}); err != nil {
		t.Fatal(err)
	}

	// Count submissions by checking the local backend hasn't been asked again;
	// dispatch should skip re-submission and leave state successful.
	if err := d.Dispatch(context.Background(), "profiles", path, desc, be, PlatformParams{}, model.Resources{}, nil); err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	entry, _, _ := st.Get("profiles", "_yr2020")
	if entry.State != model.TaskSuccessful {
		t.Fatalf("expected successful entry preserved, got %s", entry.State)
	}
}

func TestDispatchZippedGroup(t *testing.T) {
	dir := t.TempDir()
	path := writeStepConfig(t, dir, map[string]any{
		"lat": []any{10.0, 20.0},
		"lon": []any{-100.0, -90.0},
	})

	st := store.New(dir, testLogger())
	entries := registry.New()
	d := New(st, entries, testLogger())
	d.exe = "true" // harmless real binary; tests only care that Submit runs something
	be := backend.NewLocal(testLogger())
	desc := registry.Descriptor{
		Name: "sites",
		SplitKeys: []registry.SplitKeyGroup{
			{Keys: []string{"lat", "lon"}, Zipped: true},
		},
	}

	if err := d.Dispatch(context.Background(), "sites", path, desc, be, PlatformParams{}, model.Resources{}, nil); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	summaries, err := st.Summary("sites")
	if err != nil {
		t.Fatal(err)
	}
	if len(summaries) != 1 || len(summaries[0].Tasks) != 2 {
		t.Fatalf("expected 2 zipped tasks, got %+v", summaries)
	}
}

func TestDispatchPointsAxisClampsAndSkipsEmptyChunks(t *testing.T) {
	dir := t.TempDir()
	path := writeStepConfig(t, dir, map[string]any{
		"project_points": []any{1.0, 2.0},
	})

	st := store.New(dir, testLogger())
	entries := registry.New()
	d := New(st, entries, testLogger())
	d.exe = "true" // harmless real binary; tests only care that Submit runs something
	be := backend.NewLocal(testLogger())
	desc := registry.Descriptor{
		Name:       "extract",
		SplitKeys:  []registry.SplitKeyGroup{{Keys: []string{registry.PointsSplitKey}}},
		AcceptsTag: true,
	}

	// 2 points over 5 nodes: 2 real chunks, 3 empty (clamped, skipped).
	err := d.Dispatch(context.Background(), "extract", path, desc, be, PlatformParams{Nodes: 5}, model.Resources{}, nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	summaries, err := st.Summary("extract")
	if err != nil {
		t.Fatal(err)
	}
	if len(summaries) != 1 || len(summaries[0].Tasks) != 2 {
		t.Fatalf("expected 2 tasks (clamped chunks skipped), got %+v", summaries)
	}
}

func TestDispatchHashChangeAgainstSuccessfulTaskIsConsistencyError(t *testing.T) {
	dir := t.TempDir()
	path := writeStepConfig(t, dir, map[string]any{
		"year": []any{2020.0},
	})

	st := store.New(dir, testLogger())
	entries := registry.New()
	d := New(st, entries, testLogger())
	d.exe = "true"
	be := backend.NewLocal(testLogger())
	desc := registry.Descriptor{
		Name:      "profiles",
		SplitKeys: []registry.SplitKeyGroup{{Keys: []string{"year"}, Product: true}},
	}

	if err := d.Dispatch(context.Background(), "profiles", path, desc, be, PlatformParams{}, model.Resources{}, nil); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}

	// Record a successful entry with a config hash that won't match the
	// freshly materialized task config on the next dispatch.
	if err := st.Record("profiles", "_yr2020", model.StatusEntry{State: model.TaskSuccessful, ConfigHash: "stale-hash"}); err != nil {
		t.Fatal(err)
	}

	err := d.Dispatch(context.Background(), "profiles", path, desc, be, PlatformParams{}, model.Resources{}, nil)
	if err == nil {
		t.Fatal("expected consistency error for changed config against a successful task")
	}
	var consErr *model.ConsistencyError
	if e, ok := err.(*model.ConsistencyError); ok {
		consErr = e
	}
	if consErr == nil {
		t.Fatalf("expected *model.ConsistencyError, got %T: %v", err, err)
	}
	if consErr.Tag != "_yr2020" {
		t.Fatalf("expected colliding tag reported, got %q", consErr.Tag)
	}
}

func TestDispatchDuplicateTagIsConsistencyError(t *testing.T) {
	dir := t.TempDir()
	path := writeStepConfig(t, dir, map[string]any{
		"year": []any{2020.0, 2020.0},
	})

	st := store.New(dir, testLogger())
	entries := registry.New()
	d := New(st, entries, testLogger())
	d.exe = "true" // harmless real binary; tests only care that Submit runs something
	be := backend.NewLocal(testLogger())
	desc := registry.Descriptor{
		Name:      "profiles",
		SplitKeys: []registry.SplitKeyGroup{{Keys: []string{"year"}, Product: true}},
	}

	err := d.Dispatch(context.Background(), "profiles", path, desc, be, PlatformParams{}, model.Resources{}, nil)
	if err == nil {
		t.Fatal("expected duplicate-tag consistency error")
	}
	var consErr *model.ConsistencyError
	if e, ok := err.(*model.ConsistencyError); ok {
		consErr = e
	}
	if consErr == nil {
		t.Fatalf("expected *model.ConsistencyError, got %T: %v", err, err)
	}
}

func TestDispatchLocalFailureRecordsFailedWithoutHaltingError(t *testing.T) {
	dir := t.TempDir()
	path := writeStepConfig(t, dir, map[string]any{
		"year": []any{2020.0},
	})

	st := store.New(dir, testLogger())
	entries := registry.New()
	d := New(st, entries, testLogger())
	d.exe = "false" // always exits non-zero
	be := backend.NewLocal(testLogger())
	desc := registry.Descriptor{
		Name:      "profiles",
		SplitKeys: []registry.SplitKeyGroup{{Keys: []string{"year"}, Product: true}},
	}

	if err := d.Dispatch(context.Background(), "profiles", path, desc, be, PlatformParams{}, model.Resources{}, nil); err != nil {
		t.Fatalf("dispatch should not propagate a failed local task as a halting error: %v", err)
	}

	entry, ok, err := st.Get("profiles", "_yr2020")
	if err != nil || !ok {
		t.Fatalf("expected task recorded: ok=%v err=%v", ok, err)
	}
	if entry.State != model.TaskFailed {
		t.Fatalf("state = %s, want failed", entry.State)
	}
	if entry.Output == "" {
		t.Fatal("expected failure output recorded")
	}
}

func TestDispatchOneStampsStatusMetaAndArtifactMirror(t *testing.T) {
	dir := t.TempDir()
	path := writeStepConfig(t, dir, map[string]any{
		"year": []any{2020.0},
	})

	st := store.New(dir, testLogger())
	entries := registry.New()
	d := New(st, entries, testLogger())
	d.exe = "true"
	be := backend.NewLocal(testLogger())
	desc := registry.Descriptor{
		Name:      "profiles",
		SplitKeys: []registry.SplitKeyGroup{{Keys: []string{"year"}, Product: true}},
	}

	mirror := &model.ArtifactMirrorConfig{Bucket: "my-bucket", Prefix: "runs"}
	if err := d.Dispatch(context.Background(), "profiles", path, desc, be, PlatformParams{}, model.Resources{}, mirror); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	taskCfgPath := filepath.Join(dir, "profiles_yr2020.json")
	data, err := os.ReadFile(taskCfgPath)
	if err != nil {
		t.Fatalf("read materialized task config: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal task config: %v", err)
	}
	meta, ok := raw[StatusMetaKey].(map[string]any)
	if !ok {
		t.Fatalf("expected %s meta key, got %+v", StatusMetaKey, raw)
	}
	if meta["step"] != "profiles" || meta["tag"] != "_yr2020" {
		t.Fatalf("unexpected meta: %+v", meta)
	}
	am, ok := meta["artifact_mirror"].(map[string]any)
	if !ok || am["bucket"] != "my-bucket" {
		t.Fatalf("expected artifact_mirror meta with bucket, got %+v", meta)
	}
}

func TestDispatchEmptyStepIsError(t *testing.T) {
	dir := t.TempDir()
	path := writeStepConfig(t, dir, map[string]any{
		"year": []any{},
	})

	st := store.New(dir, testLogger())
	entries := registry.New()
	d := New(st, entries, testLogger())
	d.exe = "true" // harmless real binary; tests only care that Submit runs something
	be := backend.NewLocal(testLogger())
	desc := registry.Descriptor{
		Name:      "profiles",
		SplitKeys: []registry.SplitKeyGroup{{Keys: []string{"year"}, Product: true}},
	}

	if err := d.Dispatch(context.Background(), "profiles", path, desc, be, PlatformParams{}, model.Resources{}, nil); err == nil {
		t.Fatal("expected error for empty step")
	}
}
