package cli

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/nrel/hpcpipe/internal/dispatch"
	"github.com/nrel/hpcpipe/internal/store"
	"github.com/nrel/hpcpipe/pkg/model"
)

func init() {
	logger = slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestStatusMetaFromAbsentKeyIsNotSelfReporting(t *testing.T) {
	cfg := map[string]any{"year": 2020.0}
	step, tag, mirror, ok := statusMetaFrom(cfg)
	if ok || step != "" || tag != "" || mirror != nil {
		t.Fatalf("expected no self-reporting for hand-run config, got step=%q tag=%q mirror=%v ok=%v", step, tag, mirror, ok)
	}
	if _, present := cfg[dispatch.StatusMetaKey]; present {
		t.Fatal("meta key should be untouched when absent")
	}
}

func TestStatusMetaFromStripsKeyAndParsesArtifactMirror(t *testing.T) {
	cfg := map[string]any{
		"year": 2020.0,
		dispatch.StatusMetaKey: map[string]any{
			"step": "profiles",
			"tag":  "_yr2020",
			"artifact_mirror": map[string]any{
				"bucket": "my-bucket",
				"prefix": "runs",
			},
		},
	}

	step, tag, mirror, ok := statusMetaFrom(cfg)
	if !ok {
		t.Fatal("expected self-reporting to be recognized")
	}
	if step != "profiles" || tag != "_yr2020" {
		t.Fatalf("unexpected step/tag: %q %q", step, tag)
	}
	if mirror == nil || mirror.Bucket != "my-bucket" || mirror.Prefix != "runs" {
		t.Fatalf("unexpected mirror config: %+v", mirror)
	}
	if _, present := cfg[dispatch.StatusMetaKey]; present {
		t.Fatal("meta key should be stripped from the native config map")
	}
}

func TestStatusMetaFromNoArtifactMirrorBlock(t *testing.T) {
	cfg := map[string]any{
		dispatch.StatusMetaKey: map[string]any{
			"step": "profiles",
			"tag":  "_yr2020",
		},
	}
	_, _, mirror, ok := statusMetaFrom(cfg)
	if !ok {
		t.Fatal("expected self-reporting to be recognized")
	}
	if mirror != nil {
		t.Fatalf("expected no mirror config, got %+v", mirror)
	}
}

func TestRecordOwnOutcomeRecordsFailureOutput(t *testing.T) {
	dir := t.TempDir()
	recordOwnOutcome(dir, "profiles", "_yr2020", os.ErrClosed)

	entries, err := readBackStatus(t, dir, "profiles", "_yr2020")
	if err != nil {
		t.Fatal(err)
	}
	if entries.State != model.TaskFailed {
		t.Fatalf("state = %s, want failed", entries.State)
	}
	if entries.Output == "" {
		t.Fatal("expected failure output recorded")
	}
}

func TestRecordOwnOutcomeRecordsSuccess(t *testing.T) {
	dir := t.TempDir()
	recordOwnOutcome(dir, "profiles", "_yr2020", nil)

	entries, err := readBackStatus(t, dir, "profiles", "_yr2020")
	if err != nil {
		t.Fatal(err)
	}
	if entries.State != model.TaskSuccessful {
		t.Fatalf("state = %s, want successful", entries.State)
	}
}

func TestMirrorOutputSkipsWithoutOutputFile(t *testing.T) {
	dir := t.TempDir()
	// No output_file key set; mirrorOutput must not touch the store or panic
	// with a nil *artifactmirror.Mirror client.
	mirrorOutput(dir, "profiles", "_yr2020", map[string]any{}, &model.ArtifactMirrorConfig{Bucket: "my-bucket"})

	if _, err := os.Stat(filepath.Join(dir, ".status")); !os.IsNotExist(err) {
		t.Fatal("expected no status directory to be created when output_file is unset")
	}
}

func readBackStatus(t *testing.T, dir, step, tag string) (model.StatusEntry, error) {
	t.Helper()
	st := store.New(dir, logger)
	entry, ok, err := st.Get(step, tag)
	if err != nil {
		return model.StatusEntry{}, err
	}
	if !ok {
		t.Fatalf("task %s%s not recorded", step, tag)
	}
	return entry, nil
}
