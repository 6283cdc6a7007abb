package backend

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nrel/hpcpipe/pkg/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRegistryGetUnregisteredKind(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Get(model.BackendSlurm); err == nil {
		t.Fatal("expected error for unregistered backend kind")
	}
}

func TestRegistryRoundTrip(t *testing.T) {
	r := NewRegistry()
	local := NewLocal(testLogger())
	r.Register(local)

	got, err := r.Get(model.BackendLocal)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Kind() != model.BackendLocal {
		t.Fatalf("kind = %s, want %s", got.Kind(), model.BackendLocal)
	}
}

func TestLocalSubmitRunsCommand(t *testing.T) {
	b := NewLocal(testLogger())
	dir := t.TempDir()

	jobID, err := b.Submit(context.Background(), SubmitSpec{
		Step:    "extract",
		Tag:     "_j0",
		WorkDir: dir,
		Command: []string{"true"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if jobID == "" {
		t.Fatal("expected non-empty job id")
	}

	state, err := b.Query(context.Background(), jobID)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if state != JobRunning {
		t.Fatalf("state = %s, want %s", state, JobRunning)
	}
}

func TestLocalSubmitFailingCommand(t *testing.T) {
	b := NewLocal(testLogger())
	dir := t.TempDir()

	jobID, err := b.Submit(context.Background(), SubmitSpec{
		Step:    "extract",
		Tag:     "_j0",
		WorkDir: dir,
		Command: []string{"false"},
	})
	if err == nil {
		t.Fatal("expected error from failing command")
	}
	state, _ := b.Query(context.Background(), jobID)
	if state != JobUnknown {
		t.Fatalf("state = %s, want %s", state, JobUnknown)
	}
}

func TestLocalSubmitEmptyCommand(t *testing.T) {
	b := NewLocal(testLogger())
	_, err := b.Submit(context.Background(), SubmitSpec{Step: "s", Tag: "_t", WorkDir: t.TempDir()})
	if err == nil {
		t.Fatal("expected error for empty command")
	}
	var subErr *model.SubmissionError
	if !asSubmissionError(err, &subErr) {
		t.Fatalf("expected *model.SubmissionError, got %T", err)
	}
}

func asSubmissionError(err error, target **model.SubmissionError) bool {
	se, ok := err.(*model.SubmissionError)
	if ok {
		*target = se
	}
	return ok
}

func TestShellQuote(t *testing.T) {
	cases := map[string]string{
		"simple":        "simple",
		"has space":     "'has space'",
		"quo'te":        `'quo'\''te'`,
		"":               "''",
		"/path/to-file": "/path/to-file",
	}
	for in, want := range cases {
		if got := shellQuote(in); got != want {
			t.Fatalf("shellQuote(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBuildScriptIncludesCondaAndCommand(t *testing.T) {
	script := buildScript(SubmitSpec{
		Command:   []string{"python3", "run.py"},
		Resources: model.Resources{CondaEnv: "hpcpipe-env"},
	})
	if !strings.Contains(script, "source activate hpcpipe-env") {
		t.Fatalf("script missing conda activation: %s", script)
	}
	if !strings.Contains(script, "python3 run.py") {
		t.Fatalf("script missing command: %s", script)
	}
}

func TestBuildBatchScriptIncludesDirectives(t *testing.T) {
	script := buildBatchScript(SubmitSpec{
		Step:      "profiles",
		Tag:       "_y2020",
		WorkDir:   filepath.Join(t.TempDir(), "work"),
		Command:   []string{"echo", "hi"},
		Resources: model.Resources{Queue: "compute", WalltimeHours: 1.5},
	})
	if !strings.Contains(script, "#SBATCH --partition=compute") {
		t.Fatalf("script missing partition directive: %s", script)
	}
	if !strings.Contains(script, "#SBATCH --time=01:30:00") {
		t.Fatalf("script missing time directive: %s", script)
	}
}

func TestWalltimeFormatting(t *testing.T) {
	if got := walltime(1.5); got != "01:30:00" {
		t.Fatalf("walltime(1.5) = %q", got)
	}
	if got := walltime(0.25); got != "00:15:00" {
		t.Fatalf("walltime(0.25) = %q", got)
	}
}
