package backend

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/nrel/hpcpipe/pkg/model"
)

// Local runs each task synchronously as a local OS process, grounded on the
// teacher's LocalExecutor. Submit blocks until the process exits; the
// returned job id is a counter string, and Query always reports the
// terminal state recorded at submit time (there is no background queue).
type Local struct {
	logger *slog.Logger

	mu      sync.Mutex
	nextID  int
	results map[string]JobState
}

// NewLocal creates a Local backend.
func NewLocal(logger *slog.Logger) *Local {
	return &Local{
		logger:  logger.With("component", "backend-local"),
		results: make(map[string]JobState),
	}
}

func (b *Local) Kind() model.BackendKind { return model.BackendLocal }

func (b *Local) Submit(ctx context.Context, spec SubmitSpec) (string, error) {
	b.mu.Lock()
	b.nextID++
	jobID := fmt.Sprintf("local-%d", b.nextID)
	b.mu.Unlock()

	if len(spec.Command) == 0 {
		return "", &model.SubmissionError{Step: spec.Step, Tag: spec.Tag, Msg: "empty command"}
	}

	cmd := exec.CommandContext(ctx, spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.WorkDir
	for k, v := range spec.Environment {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	b.logger.Info("submitting local task", "step", spec.Step, "tag", spec.Tag, "job_id", jobID)
	err := cmd.Run()

	logPath := filepath.Join(spec.WorkDir, "task.log")
	writeTaskLog(logPath, stdout.Bytes(), stderr.Bytes())

	b.mu.Lock()
	if err != nil {
		b.results[jobID] = JobUnknown
	} else {
		b.results[jobID] = JobRunning // reports "ran to completion"; caller checks exec error
	}
	b.mu.Unlock()

	if err != nil {
		return jobID, fmt.Errorf("local task %s%s: %w", spec.Step, spec.Tag, err)
	}
	return jobID, nil
}

func (b *Local) Query(ctx context.Context, jobID string) (JobState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.results[jobID]
	if !ok {
		return JobUnknown, nil
	}
	return state, nil
}

func (b *Local) Cancel(ctx context.Context, jobID string) error {
	// Submit runs synchronously to completion before returning a job id, so
	// there is nothing left in flight to cancel by the time a caller could
	// reference the id.
	return nil
}
