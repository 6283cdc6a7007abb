package cli

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nrel/hpcpipe/internal/backend"
	"github.com/nrel/hpcpipe/internal/dispatch"
	"github.com/nrel/hpcpipe/internal/liveness"
	"github.com/nrel/hpcpipe/internal/pipeline"
	"github.com/nrel/hpcpipe/internal/projectconfig"
	"github.com/nrel/hpcpipe/internal/registry"
	"github.com/nrel/hpcpipe/internal/store"
	"github.com/nrel/hpcpipe/pkg/model"
)

func newPipelineCmd(reg *registry.Registry) *cobra.Command {
	var configPath string
	var recursive bool
	var monitor bool
	var background bool
	var monitorChild bool

	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Drive a project's configured pipeline steps (spec.md §4.D)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if recursive {
				return runRecursivePipeline(cmd.Context(), reg, monitor)
			}
			if background && !monitorChild {
				return spawnBackgroundMonitor(configPath)
			}

			st := store.New(flagProject, logger)
			if monitor || monitorChild {
				if token, live, err := liveness.CheckLiveness(st); err == nil && live {
					return fmt.Errorf("a monitor (pid %d) already owns this project", token.PID)
				}
			}

			pc, err := projectconfig.LoadPipeline(configPath)
			if err != nil {
				return err
			}

			d := dispatch.New(st, reg, logger)
			backends := newBackendRegistry()

			if monitor || monitorChild {
				srv, err := liveness.Start(st, func() (any, error) { return st.Summary("") })
				if err != nil {
					return fmt.Errorf("start liveness server: %w", err)
				}
				defer srv.Close(cmd.Context())
				fmt.Fprintf(os.Stdout, "monitor listening on %s\n", srv.Addr())

				be, resources, nodes, artifactMirror, _, ok, err := resolveCurrentBackend(st, pc, backends)
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(os.Stdout, "pipeline already complete")
					return nil
				}
				ex := pipeline.New(st, d, be, pipeline.DefaultConfig(), logger)
				return ex.RunMonitor(cmd.Context(), pc, platformParams("", false, nodes), resources, artifactMirror)
			}

			return runPipelineOnce(cmd.Context(), st, d, backends, pc)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "pipeline.json", "Pipeline config file")
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "Drive every subdirectory containing its own pipeline config")
	cmd.Flags().BoolVar(&monitor, "monitor", false, "Poll until the pipeline completes (foreground)")
	cmd.Flags().BoolVar(&background, "background", false, "Spawn a detached monitor and return immediately")
	cmd.Flags().BoolVar(&monitorChild, "monitor-child", false, "internal: re-exec target for --background")
	cmd.Flags().MarkHidden("monitor-child")
	return cmd
}

// runPipelineOnce performs exactly one dispatch cycle, resolving the
// acting step's own backend from its execution_control before invoking it
// (spec.md §6 `pipeline [-c file]` one-shot form).
func runPipelineOnce(ctx context.Context, st store.Store, d *dispatch.Dispatcher, backends *backend.Registry, pc model.PipelineConfig) error {
	if token, live, err := liveness.CheckLiveness(st); err == nil && live {
		return fmt.Errorf("a monitor (pid %d) already owns this project", token.PID)
	}

	step, ok, err := firstActionableStep(st, pc)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintln(os.Stdout, "pipeline already complete")
		return nil
	}

	be, resources, nodes, artifactMirror, err := resolveStepBackend(backends, step.ConfigPath)
	if err != nil {
		return err
	}

	ex := pipeline.New(st, d, be, pipeline.DefaultConfig(), logger)
	cycle, err := ex.RunOnce(ctx, pc, platformParams("", false, nodes), resources, artifactMirror)
	if err != nil {
		return err
	}
	if cycle.Done {
		fmt.Fprintln(os.Stdout, "pipeline complete")
		return nil
	}
	fmt.Fprintf(os.Stdout, "step %s: %s\n", cycle.ActedOnStep, cycle.StepState)
	return nil
}

// resolveCurrentBackend peeks the currently-actionable step to resolve a
// backend for the whole monitor run. Monitor mode binds one backend for
// its lifetime (pipeline.Executor's design); pipelines that mix backends
// across steps should run each step's submission through separate
// one-shot invocations instead.
func resolveCurrentBackend(st store.Store, pc model.PipelineConfig, backends *backend.Registry) (backend.Backend, model.Resources, int, *model.ArtifactMirrorConfig, model.StepRef, bool, error) {
	step, ok, err := firstActionableStep(st, pc)
	if err != nil || !ok {
		return nil, model.Resources{}, 0, nil, model.StepRef{}, ok, err
	}
	be, resources, nodes, artifactMirror, err := resolveStepBackend(backends, step.ConfigPath)
	if err != nil {
		return nil, model.Resources{}, 0, nil, model.StepRef{}, false, err
	}
	return be, resources, nodes, artifactMirror, step, true, nil
}

func runRecursivePipeline(ctx context.Context, reg *registry.Registry, monitor bool) error {
	dirs, err := pipeline.FindPipelineDirs(flagProject, logger)
	if err != nil {
		return err
	}
	for _, dir := range dirs {
		pcPath, err := findPipelineFile(dir)
		if err != nil {
			logger.Warn("skipping directory with no pipeline config", "dir", dir, "error", err)
			continue
		}
		st := store.New(dir, logger)
		pc, err := projectconfig.LoadPipeline(pcPath)
		if err != nil {
			return fmt.Errorf("%s: %w", dir, err)
		}
		d := dispatch.New(st, reg, logger)
		backends := newBackendRegistry()
		if err := runPipelineOnce(ctx, st, d, backends, pc); err != nil {
			return fmt.Errorf("%s: %w", dir, err)
		}
	}
	return nil
}

func findPipelineFile(dir string) (string, error) {
	for _, name := range []string{"pipeline.json", "pipeline.yaml", "pipeline.yml", "pipeline.toml", "pipeline.jsonc"} {
		path := dir + string(os.PathSeparator) + name
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no pipeline config found in %s", dir)
}

// spawnBackgroundMonitor re-execs the current binary with --monitor
// --monitor-child so the monitor loop survives the parent session exiting
// (spec.md §9 "monitor-as-detached-process").
func spawnBackgroundMonitor(configPath string) error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable path: %w", err)
	}
	args := []string{"pipeline", "-c", configPath, "--monitor", "--monitor-child", "--project", flagProject}
	child := exec.Command(self, args...)
	child.Dir = flagProject
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err == nil {
		child.Stdin, child.Stdout, child.Stderr = devnull, devnull, devnull
	}
	if err := child.Start(); err != nil {
		return fmt.Errorf("spawn background monitor: %w", err)
	}
	fmt.Fprintf(os.Stdout, "background monitor started, pid %d\n", child.Process.Pid)
	return child.Process.Release()
}
