package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/nrel/hpcpipe/internal/artifactmirror"
	"github.com/nrel/hpcpipe/internal/dispatch"
	"github.com/nrel/hpcpipe/internal/registry"
	"github.com/nrel/hpcpipe/internal/store"
	"github.com/nrel/hpcpipe/pkg/configval"
	"github.com/nrel/hpcpipe/pkg/model"
)

// newEntryPointCmd exposes one registered entry point directly, matching
// the generated submission script's command line:
// `<program> <entry-point> -c <task-config-path> [-v]`, where the entry
// point name is the step alias unless the pipeline config's `command` key
// names another.
func newEntryPointCmd(desc registry.Descriptor) *cobra.Command {
	var configPath string
	var verbose bool

	cmd := &cobra.Command{
		Use:   desc.Name,
		Short: "Run the " + desc.Name + " entry point directly",
		RunE: func(cmd *cobra.Command, args []string) error {
			if desc.Run == nil {
				return nil
			}
			v, err := configval.Load(configPath)
			if err != nil {
				return err
			}
			cfg, ok := v.Native().(map[string]any)
			if !ok {
				cfg = map[string]any{}
			}

			step, tag, mirror, self := statusMetaFrom(cfg)
			runErr := desc.Run(cfg, verbose)
			if self {
				recordOwnOutcome(flagProject, step, tag, runErr)
				if runErr == nil && mirror != nil {
					mirrorOutput(flagProject, step, tag, cfg, mirror)
				}
			}
			return runErr
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Task config file")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	cmd.MarkFlagRequired("config")
	return cmd
}

// statusMetaFrom extracts and strips the dispatcher's reserved status
// metadata key from cfg, reporting whether it was present — a task run by
// hand (not through the Dispatcher) has none, and records nothing. mirror
// is non-nil only when the owning step's execution_control named an
// artifact_mirror block.
func statusMetaFrom(cfg map[string]any) (step, tag string, mirror *model.ArtifactMirrorConfig, ok bool) {
	raw, present := cfg[dispatch.StatusMetaKey]
	if !present {
		return "", "", nil, false
	}
	delete(cfg, dispatch.StatusMetaKey)
	meta, ok := raw.(map[string]any)
	if !ok {
		return "", "", nil, false
	}
	step, _ = meta["step"].(string)
	tag, _ = meta["tag"].(string)
	if step == "" {
		return "", "", nil, false
	}
	if amRaw, ok := meta["artifact_mirror"].(map[string]any); ok {
		mirror = &model.ArtifactMirrorConfig{}
		mirror.Bucket, _ = amRaw["bucket"].(string)
		mirror.Prefix, _ = amRaw["prefix"].(string)
		mirror.Endpoint, _ = amRaw["endpoint"].(string)
		mirror.Region, _ = amRaw["region"].(string)
		if mirror.Bucket == "" {
			mirror = nil
		}
	}
	return step, tag, mirror, true
}

// recordOwnOutcome self-reports this task's terminal state into the
// Status Store. This is the only place a Slurm-dispatched task's success
// is ever recorded: once the job leaves squeue's view, Reconcile can no
// longer tell a completed job from a failed one.
func recordOwnOutcome(projectDir, step, tag string, runErr error) {
	st := store.New(projectDir, logger)
	now := time.Now().UTC()
	entry := model.StatusEntry{StartedAt: &now, EndedAt: &now}
	if runErr != nil {
		entry.State = model.TaskFailed
		entry.Output = runErr.Error()
	} else {
		entry.State = model.TaskSuccessful
	}
	if err := st.Record(step, tag, entry); err != nil {
		logger.Warn("failed to self-report task outcome", "step", step, "tag", tag, "error", err)
	}
}

// mirrorOutput best-effort uploads a successful task's declared output
// file and records the resulting object URL (SPEC_FULL.md §4.I). A task
// config names its output artifact via the recognized top-level
// `output_file` key; a task with none set is silently skipped.
func mirrorOutput(projectDir, step, tag string, cfg map[string]any, mirror *model.ArtifactMirrorConfig) {
	outputFile, _ := cfg["output_file"].(string)
	if outputFile == "" {
		return
	}
	url := artifactmirror.MaybeUpload(context.Background(), mirror, logger, step, tag, outputFile)
	if url == "" {
		return
	}
	st := store.New(projectDir, logger)
	if err := st.Record(step, tag, model.StatusEntry{ArtifactMirrorURL: url}); err != nil {
		logger.Warn("failed to record artifact mirror url", "step", step, "tag", tag, "error", err)
	}
}
