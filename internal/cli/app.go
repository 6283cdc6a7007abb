package cli

import (
	"fmt"

	"github.com/nrel/hpcpipe/internal/backend"
	"github.com/nrel/hpcpipe/internal/dispatch"
	"github.com/nrel/hpcpipe/internal/projectconfig"
	"github.com/nrel/hpcpipe/internal/registry"
	"github.com/nrel/hpcpipe/internal/store"
	"github.com/nrel/hpcpipe/pkg/model"
)

// newBackendRegistry builds the always-available Submission Backend
// registry: a local backend plus a SLURM backend shelling out to
// sbatch/squeue/scancel (spec.md §4.B).
func newBackendRegistry() *backend.Registry {
	reg := backend.NewRegistry()
	reg.Register(backend.NewLocal(logger))
	reg.Register(backend.NewSlurm(logger))
	return reg
}

// resolveStepBackend loads stepCfgPath's execution_control block and
// returns the Submission Backend, Resources, node count (for the
// project_points axis), and optional Artifact Mirror config it names.
func resolveStepBackend(backends *backend.Registry, stepCfgPath string) (backend.Backend, model.Resources, int, *model.ArtifactMirrorConfig, error) {
	_, ec, err := projectconfig.LoadStepConfig(stepCfgPath)
	if err != nil {
		return nil, model.Resources{}, 0, nil, err
	}
	kind := model.BackendKind(ec.Option)
	if kind == "" {
		kind = model.BackendLocal
	}
	be, err := backends.Get(kind)
	if err != nil {
		return nil, model.Resources{}, 0, nil, err
	}
	return be, ec.ToResources(), ec.Nodes, ec.ArtifactMirror, nil
}

// firstActionableStep returns the first step whose Status Store summary
// is not yet done, mirroring pipeline.Executor.RunOnce's own scan so the
// CLI can resolve that step's backend before invoking a cycle.
func firstActionableStep(st store.Store, pc model.PipelineConfig) (model.StepRef, bool, error) {
	for _, step := range pc.Steps {
		summaries, err := st.Summary(step.Alias)
		if err != nil {
			return model.StepRef{}, false, fmt.Errorf("summary for step %s: %w", step.Alias, err)
		}
		state := model.StepPending
		if len(summaries) == 1 {
			state = summaries[0].State
		}
		if state != model.StepDone {
			return step, true, nil
		}
	}
	return model.StepRef{}, false, nil
}

// platformParams builds dispatch.PlatformParams for one step invocation.
func platformParams(logDir string, verbose bool, nodes int) dispatch.PlatformParams {
	return dispatch.PlatformParams{
		JobName: "",
		LogDir:  logDir,
		Verbose: verbose,
		Nodes:   nodes,
	}
}

// mustRegistry substitutes an empty Entry Point Registry if reg is nil, so
// NewRootCmd can always assume a non-nil registry.
func mustRegistry(reg *registry.Registry) *registry.Registry {
	if reg == nil {
		reg = registry.New()
	}
	return reg
}
