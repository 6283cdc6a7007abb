// Package pipeline implements the Pipeline Executor: the linear step
// state machine that drives a project directory's configured steps in
// order, one invocation cycle at a time, grounded on the teacher's
// scheduler.Loop polling structure (Start/Stop/Tick) generalized from its
// DAG task-graph model down to a strictly ordered step sequence.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nrel/hpcpipe/internal/backend"
	"github.com/nrel/hpcpipe/internal/dispatch"
	"github.com/nrel/hpcpipe/internal/store"
	"github.com/nrel/hpcpipe/pkg/model"
)

// Config holds Pipeline Executor tuning knobs.
type Config struct {
	PollInterval time.Duration
}

// DefaultConfig returns the teacher's default poll cadence.
func DefaultConfig() Config {
	return Config{PollInterval: 2 * time.Second}
}

// Executor drives one project directory's PipelineConfig to completion.
type Executor struct {
	store      store.Store
	dispatcher *dispatch.Dispatcher
	backend    backend.Backend
	config     Config
	logger     *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates an Executor.
func New(st store.Store, dispatcher *dispatch.Dispatcher, be backend.Backend, cfg Config, logger *slog.Logger) *Executor {
	return &Executor{
		store:      st,
		dispatcher: dispatcher,
		backend:    be,
		config:     cfg,
		logger:     logger.With("component", "pipeline-executor"),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Cycle is the outcome of one invocation of RunOnce: which step it acted
// on (if any) and whether the whole pipeline has finished.
type Cycle struct {
	ActedOnStep string
	StepState   model.StepState
	Done        bool
}

// backendQuerier adapts a Submission Backend to the Status Store's
// BackendQuerier.
type backendQuerier struct{ be backend.Backend }

func (q backendQuerier) Query(ctx context.Context, jobID string) (store.BackendJobState, error) {
	s, err := q.be.Query(ctx, jobID)
	return store.BackendJobState(s), err
}

// RunOnce performs one invocation cycle of spec.md §4.D's algorithm:
// reconcile, find the first non-done step, dispatch/wait/re-dispatch.
func (e *Executor) RunOnce(ctx context.Context, pc model.PipelineConfig, platform dispatch.PlatformParams, resources model.Resources, artifactMirror *model.ArtifactMirrorConfig) (Cycle, error) {
	if err := e.store.Reconcile(ctx, backendQuerier{e.backend}); err != nil {
		return Cycle{}, fmt.Errorf("reconcile: %w", err)
	}

	for _, step := range pc.Steps {
		summaries, err := e.store.Summary(step.Alias)
		if err != nil {
			return Cycle{}, fmt.Errorf("summary for step %s: %w", step.Alias, err)
		}

		state := model.StepPending
		if len(summaries) == 1 {
			state = summaries[0].State
		}

		switch state {
		case model.StepDone:
			continue // advance to the next step

		case model.StepPending:
			e.logger.Info("dispatching pending step", "step", step.Alias)
			if err := e.dispatcher.DispatchStep(ctx, step.Alias, step.EntryPointName(), step.ConfigPath, e.backend, platform, resources, artifactMirror); err != nil {
				return Cycle{}, fmt.Errorf("dispatch step %s: %w", step.Alias, err)
			}
			return Cycle{ActedOnStep: step.Alias, StepState: model.StepActive}, nil

		case model.StepActive:
			return Cycle{ActedOnStep: step.Alias, StepState: model.StepActive}, nil

		case model.StepFailed:
			e.logger.Warn("re-dispatching failed step", "step", step.Alias)
			if err := e.dispatcher.DispatchStep(ctx, step.Alias, step.EntryPointName(), step.ConfigPath, e.backend, platform, resources, artifactMirror); err != nil {
				return Cycle{}, fmt.Errorf("re-dispatch step %s: %w", step.Alias, err)
			}
			return Cycle{ActedOnStep: step.Alias, StepState: model.StepActive}, nil
		}
	}

	return Cycle{Done: true}, nil
}

// RunMonitor loops RunOnce at Config.PollInterval until the pipeline is
// done, ctx is cancelled, or Stop is called (spec.md §4.D monitor mode).
func (e *Executor) RunMonitor(ctx context.Context, pc model.PipelineConfig, platform dispatch.PlatformParams, resources model.Resources, artifactMirror *model.ArtifactMirrorConfig) error {
	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	for {
		cycle, err := e.RunOnce(ctx, pc, platform, resources, artifactMirror)
		if err != nil {
			e.logger.Error("monitor cycle error", "error", err)
		} else if cycle.Done {
			e.logger.Info("pipeline complete")
			close(e.doneCh)
			return nil
		}

		select {
		case <-ctx.Done():
			close(e.doneCh)
			return ctx.Err()
		case <-e.stopCh:
			close(e.doneCh)
			return nil
		case <-ticker.C:
		}
	}
}

// Stop requests RunMonitor to exit after its current cycle, and blocks
// until it does. Safe to call multiple times.
func (e *Executor) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	<-e.doneCh
}

// pipelineConfigNamePattern is the glob the recursive driver looks for in
// each candidate subdirectory (spec.md §4.D recursive mode).
const pipelineConfigNamePattern = "pipeline.*"

// FindPipelineDirs locates each subdirectory of root containing exactly
// one file matching the pipeline-config name pattern; subdirectories with
// zero or multiple matches are skipped with a logged warning.
func FindPipelineDirs(root string, logger *slog.Logger) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("find pipeline dirs: %w", err)
	}

	var dirs []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		sub := filepath.Join(root, entry.Name())
		matches, err := filepath.Glob(filepath.Join(sub, pipelineConfigNamePattern))
		if err != nil {
			return nil, err
		}
		switch len(matches) {
		case 1:
			dirs = append(dirs, sub)
		case 0:
			logger.Warn("skipping subdirectory with no pipeline config", "dir", sub)
		default:
			logger.Warn("skipping subdirectory with multiple pipeline configs", "dir", sub, "matches", matches)
		}
	}
	return dirs, nil
}
