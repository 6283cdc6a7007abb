// Package dispatch implements the Step Dispatcher: it fans a single step
// config out into concrete per-task submissions by computing the product
// of its declared split keys, tagging each task deterministically, and
// handing materialized per-task configs to the Submission Backend.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/nrel/hpcpipe/internal/backend"
	"github.com/nrel/hpcpipe/internal/points"
	"github.com/nrel/hpcpipe/internal/registry"
	"github.com/nrel/hpcpipe/internal/store"
	"github.com/nrel/hpcpipe/internal/tagging"
	"github.com/nrel/hpcpipe/pkg/configval"
	"github.com/nrel/hpcpipe/pkg/model"
)

// Task is one enumerated unit of work, ready for dedupe/submission.
type Task struct {
	Tag    string
	Config configval.Value
}

// Dispatcher fans a step config out into tasks and submits them.
type Dispatcher struct {
	store    store.Store
	entries  *registry.Registry
	logger   *slog.Logger

	// exe is the program a generated task invokes itself through
	// (os.Executable() at construction time); tests override it directly.
	exe string

	// PointsTotal resolves the row count of the project-points table for a
	// step config; a func field so tests can stub it without touching disk.
	PointsTotal func(cfg configval.Value) (int, error)
}

// New creates a Dispatcher. The task command line it builds re-invokes the
// current binary by its resolved executable path rather than assuming a
// fixed name is on PATH; if the path can't be resolved it falls back to
// "hpcpipe".
func New(st store.Store, entries *registry.Registry, logger *slog.Logger) *Dispatcher {
	exe, err := os.Executable()
	if err != nil {
		exe = "hpcpipe"
	}
	return &Dispatcher{
		store:       st,
		entries:     entries,
		logger:      logger.With("component", "dispatcher"),
		exe:         exe,
		PointsTotal: defaultPointsTotal,
	}
}

// SetExeForTest overrides the resolved executable path a Dispatcher
// threads into generated task commands; production callers never need
// this, but tests must avoid re-invoking the compiled test binary itself.
func (d *Dispatcher) SetExeForTest(exe string) {
	d.exe = exe
}

// defaultPointsTotal reads the `project_points` key as a list and returns
// its length — the point table itself is carried as the split key's own
// sequence unless the entry point supplies an external row count.
func defaultPointsTotal(cfg configval.Value) (int, error) {
	val, ok := cfg.Get(registry.PointsSplitKey)
	if !ok {
		return 0, nil
	}
	list, err := val.AsList(registry.PointsSplitKey)
	if err != nil {
		return 0, err
	}
	return len(list), nil
}

// PlatformParams describes the run-time values available for injection
// into a pre-processor and for enumeration (spec.md §4.C step 1, step 3).
type PlatformParams struct {
	JobName string
	LogDir  string
	Verbose bool
	Nodes   int // node count for the project_points axis
}

// axis is one resolved split-key group ready for product expansion.
type axis struct {
	group    registry.SplitKeyGroup
	values   [][]configval.Value // one slice per key in the group; equal length if zipped
	isPoints bool
	ranges   []points.Range
}

// DispatchStep resolves stepRef's entry point by name through the Entry
// Point Registry, then runs Dispatch. This is the entry point the
// Pipeline Executor calls; Dispatch itself stays usable directly by tests
// and by callers that already hold a resolved Descriptor.
func (d *Dispatcher) DispatchStep(ctx context.Context, stepAlias, entryPointName, stepConfigPath string, be backend.Backend, platform PlatformParams, resources model.Resources, artifactMirror *model.ArtifactMirrorConfig) error {
	desc, err := d.entries.MustLookup(entryPointName)
	if err != nil {
		return fmt.Errorf("step %s: %w", stepAlias, err)
	}
	return d.Dispatch(ctx, stepAlias, stepConfigPath, desc, be, platform, resources, artifactMirror)
}

// Dispatch runs the full §4.C algorithm for one step: pre-process,
// validate, enumerate, tag, materialize, dedupe, submit. artifactMirror is
// nil unless the step's execution_control names an artifact_mirror block
// (SPEC_FULL.md §4.I); when set it is stamped into every task's config so
// the entry point process it spawns can upload its own output.
func (d *Dispatcher) Dispatch(ctx context.Context, stepAlias, stepConfigPath string, desc registry.Descriptor, be backend.Backend, platform PlatformParams, resources model.Resources, artifactMirror *model.ArtifactMirrorConfig) error {
	cfg, err := configval.Load(stepConfigPath)
	if err != nil {
		return err
	}

	if desc.PreProcessor != nil {
		nativeMap, err := cfg.AsMap(stepConfigPath)
		if err != nil {
			return err
		}
		mutable := toNativeMap(nativeMap)
		if err := desc.PreProcessor(mutable, desc.Filter(registry.PlatformParams{
			JobName: platform.JobName,
			LogDir:  platform.LogDir,
			Verbose: platform.Verbose,
		})); err != nil {
			return fmt.Errorf("step %s: pre-processor: %w", stepAlias, err)
		}
		cfg = configval.FromNative(mutable)
	}

	tasks, err := d.enumerate(cfg, desc, platform)
	if err != nil {
		return fmt.Errorf("step %s: %w", stepAlias, err)
	}
	if len(tasks) == 0 {
		return &model.ConsistencyError{Step: stepAlias, Msg: "enumeration produced zero tasks; an empty step is illegal"}
	}

	seen := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if seen[t.Tag] {
			return &model.ConsistencyError{Step: stepAlias, Tag: t.Tag, Msg: "duplicate task tag"}
		}
		seen[t.Tag] = true
	}

	dir := filepath.Dir(stepConfigPath)
	for _, t := range tasks {
		if err := d.dispatchOne(ctx, stepAlias, desc.Name, dir, t, be, resources, artifactMirror); err != nil {
			return err
		}
	}
	return nil
}

// StatusMetaKey is the reserved top-level key dispatchOne stamps into a
// materialized task config so the entry point process it spawns can
// self-report its own completion into the Status Store — the only
// signal available once a batch-queued job leaves the driver's process
// (spec.md §4.B; squeue can't distinguish a completed job from a failed
// one once it drops off the queue, so the task records its own outcome).
const StatusMetaKey = "_hpcpipe_status"

// dispatchOne materializes, dedupes, and (if needed) submits a single
// task. entryPointName names the registered command the generated script
// invokes, which may differ from stepAlias when the pipeline config
// entry's `command` field overrides it (spec.md §6).
func (d *Dispatcher) dispatchOne(ctx context.Context, stepAlias, entryPointName, dir string, t Task, be backend.Backend, resources model.Resources, artifactMirror *model.ArtifactMirrorConfig) error {
	configPath := filepath.Join(dir, stepAlias+t.Tag+".json")
	meta := map[string]configval.Value{
		"step": configval.String(stepAlias),
		"tag":  configval.String(t.Tag),
	}
	if artifactMirror != nil {
		meta["artifact_mirror"] = configval.Map(map[string]configval.Value{
			"bucket":   configval.String(artifactMirror.Bucket),
			"prefix":   configval.String(artifactMirror.Prefix),
			"endpoint": configval.String(artifactMirror.Endpoint),
			"region":   configval.String(artifactMirror.Region),
		})
	}
	cfgWithMeta := t.Config.WithSet(StatusMetaKey, configval.Map(meta))
	data, err := configval.Marshal(cfgWithMeta, configval.FormatJSON)
	if err != nil {
		return fmt.Errorf("step %s tag %s: marshal task config: %w", stepAlias, t.Tag, err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return fmt.Errorf("step %s tag %s: write task config: %w", stepAlias, t.Tag, err)
	}
	hash := configHash(data)

	existing, ok, err := d.store.Get(stepAlias, t.Tag)
	if err != nil {
		return err
	}
	if ok {
		switch existing.State {
		case model.TaskSuccessful:
			if existing.ConfigHash == hash {
				d.logger.Debug("skip: already successful with identical config", "step", stepAlias, "tag", t.Tag)
				return nil
			}
			return &model.ConsistencyError{Step: stepAlias, Tag: t.Tag, Msg: "config changed for a task already recorded successful"}
		case model.TaskSubmitted, model.TaskRunning:
			if existing.JobID != "" {
				state, err := be.Query(ctx, existing.JobID)
				if err == nil && state != backend.JobUnknown {
					d.logger.Debug("skip: still live on backend", "step", stepAlias, "tag", t.Tag, "job_id", existing.JobID)
					return nil
				}
			}
		}
	}

	// A local run is recorded as submitted first, so that the terminal
	// record that follows is a legal transition from a failed or reset
	// entry as well as from a new one.
	if be.Kind() == model.BackendLocal {
		submitted := time.Now().UTC()
		if err := d.store.Record(stepAlias, t.Tag, model.StatusEntry{State: model.TaskSubmitted, SubmittedAt: &submitted}); err != nil {
			return err
		}
	}

	jobID, submitErr := be.Submit(ctx, backend.SubmitSpec{
		Step:      stepAlias,
		Tag:       t.Tag,
		WorkDir:   dir,
		Command:   []string{d.exe, entryPointName, "-c", configPath},
		Resources: resources,
	})
	now := time.Now().UTC()

	// Local.Submit blocks until the task's own process exits, so its
	// outcome is already terminal; a batch/queueing backend like Slurm
	// only enqueues, and Reconcile resolves the terminal state later.
	if be.Kind() == model.BackendLocal {
		entry := model.StatusEntry{
			JobID:       jobID,
			SubmittedAt: &now,
			StartedAt:   &now,
			EndedAt:     &now,
			ConfigHash:  hash,
		}
		if submitErr != nil {
			entry.State = model.TaskFailed
			entry.Output = submitErr.Error()
		} else {
			entry.State = model.TaskSuccessful
		}
		return d.store.Record(stepAlias, t.Tag, entry)
	}

	if submitErr != nil {
		return submitErr
	}
	return d.store.Record(stepAlias, t.Tag, model.StatusEntry{
		State:       model.TaskSubmitted,
		JobID:       jobID,
		SubmittedAt: &now,
		ConfigHash:  hash,
	})
}

// resolveAxes validates and resolves desc's split keys against cfg into a
// list of axes ready for product expansion (spec.md §4.C step 2-3).
func (d *Dispatcher) resolveAxes(cfg configval.Value, desc registry.Descriptor, platform PlatformParams) ([]axis, error) {
	var axes []axis
	for _, group := range desc.SplitKeys {
		if len(group.Keys) == 1 && group.Keys[0] == registry.PointsSplitKey {
			total, err := d.PointsTotal(cfg)
			if err != nil {
				return nil, err
			}
			nodes := platform.Nodes
			if nodes < 1 {
				nodes = 1
			}
			axes = append(axes, axis{group: group, isPoints: true, ranges: points.Chunk(total, nodes)})
			continue
		}

		values := make([][]configval.Value, len(group.Keys))
		length := -1
		for i, key := range group.Keys {
			val, ok := cfg.Get(key)
			if !ok {
				return nil, &model.ConfigError{Path: key, Msg: "declared split key is missing from config"}
			}
			list, err := val.AsList(key)
			if err != nil {
				return nil, err
			}
			if group.Zipped {
				if length == -1 {
					length = len(list)
				} else if len(list) != length {
					return nil, &model.ConfigError{Path: key, Msg: "zipped split-key group has mismatched lengths"}
				}
			} else if len(list) == 0 {
				return nil, &model.ConfigError{Path: key, Msg: "product split key must have length >= 1"}
			}
			values[i] = list
		}
		axes = append(axes, axis{group: group, values: values})
	}
	return axes, nil
}

// combo is one in-progress product tuple: the resolved scalar per split
// key, plus the points chunk index (-1 if this step has no points axis).
type combo struct {
	values    map[string]configval.Value
	pointsIdx int
}

// enumerate computes the Cartesian/zipped product over desc's split keys
// and returns one Task per resulting tuple, tagged per spec.md §4.C step 4.
func (d *Dispatcher) enumerate(cfg configval.Value, desc registry.Descriptor, platform PlatformParams) ([]Task, error) {
	axes, err := d.resolveAxes(cfg, desc, platform)
	if err != nil {
		return nil, err
	}

	combos := []combo{{values: map[string]configval.Value{}, pointsIdx: -1}}
	for _, ax := range axes {
		combos = expand(combos, ax)
	}

	var pointsAxis *axis
	for i := range axes {
		if axes[i].isPoints {
			pointsAxis = &axes[i]
		}
	}

	var tasks []Task
	for _, c := range combos {
		tag, skip := buildTag(axes, c, desc)
		if skip {
			d.logger.Warn("skipping empty project_points chunk", "chunk", c.pointsIdx)
			continue
		}

		taskCfg := cfg.Clone()
		for key, v := range c.values {
			taskCfg = taskCfg.WithSet(key, v)
		}
		if c.pointsIdx >= 0 && pointsAxis != nil {
			r := pointsAxis.ranges[c.pointsIdx]
			taskCfg = taskCfg.WithSet(registry.PointsSplitKey, configval.List([]configval.Value{
				configval.Number(float64(r.Start)), configval.Number(float64(r.End)),
			}))
		}
		tasks = append(tasks, Task{Tag: tag, Config: taskCfg})
	}

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Tag < tasks[j].Tag })
	return tasks, nil
}

// expand multiplies combos by one axis's values (or points chunks).
func expand(combos []combo, ax axis) []combo {
	var next []combo

	if ax.isPoints {
		for _, c := range combos {
			for chunkIdx := range ax.ranges {
				next = append(next, combo{values: cloneValues(c.values), pointsIdx: chunkIdx})
			}
		}
		return next
	}

	if ax.group.Zipped {
		n := len(ax.values[0])
		for _, c := range combos {
			for row := 0; row < n; row++ {
				clone := cloneValues(c.values)
				for ki, key := range ax.group.Keys {
					clone[key] = ax.values[ki][row]
				}
				next = append(next, combo{values: clone, pointsIdx: c.pointsIdx})
			}
		}
		return next
	}

	key := ax.group.Keys[0]
	for _, c := range combos {
		for _, v := range ax.values[0] {
			clone := cloneValues(c.values)
			clone[key] = v
			next = append(next, combo{values: clone, pointsIdx: c.pointsIdx})
		}
	}
	return next
}

// buildTag renders a task's deterministic tag fragment in declared
// split-key order (spec.md §4.C step 4); skip is true for a clamped-empty
// points chunk, which enumerate must drop rather than submit.
func buildTag(axes []axis, c combo, desc registry.Descriptor) (tag string, skip bool) {
	var b []byte
	for _, ax := range axes {
		if ax.isPoints {
			if c.pointsIdx < 0 {
				continue
			}
			if ax.ranges[c.pointsIdx].Len() == 0 {
				return "", true
			}
			if desc.AcceptsTag {
				b = append(b, tagging.PointsFragment(c.pointsIdx)...)
			}
			continue
		}
		for _, key := range ax.group.Keys {
			b = append(b, tagging.ScalarFragment(key, c.values[key].Native())...)
		}
	}
	return string(b), false
}

func cloneValues(m map[string]configval.Value) map[string]configval.Value {
	out := make(map[string]configval.Value, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func toNativeMap(m map[string]configval.Value) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v.Native()
	}
	return out
}
