package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	batchpkg "github.com/nrel/hpcpipe/internal/batch"
	"github.com/nrel/hpcpipe/internal/dispatch"
	"github.com/nrel/hpcpipe/internal/projectconfig"
	"github.com/nrel/hpcpipe/internal/registry"
	"github.com/nrel/hpcpipe/internal/store"
)

func newBatchCmd(reg *registry.Registry) *cobra.Command {
	var configPath string
	var dryRun bool
	var del bool
	var monitorBackground bool

	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Expand a batch config into sibling pipeline directories (spec.md §4.E)",
		RunE: func(cmd *cobra.Command, args []string) error {
			indexPath := filepath.Join(flagProject, "batch_index.csv")

			expander := batchpkg.New(logger)

			if del {
				return expander.Delete(flagProject, indexPath)
			}

			cfg, err := projectconfig.LoadBatchConfig(configPath)
			if err != nil {
				return err
			}

			subdirs, err := expander.Expand(flagProject, indexPath, cfg, dryRun)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "generated %d subdirectories\n", len(subdirs))
			if dryRun {
				return nil
			}

			return driveBatchSubdirs(cmd.Context(), reg, subdirs, cfg.PipelineConfig, monitorBackground)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "batch.json", "Batch config file")
	cmd.Flags().BoolVar(&dryRun, "dry", false, "Plan subdirectories without writing anything")
	cmd.Flags().BoolVar(&del, "delete", false, "Remove the batch's subdirectories and index")
	cmd.Flags().BoolVar(&monitorBackground, "monitor-background", false, "Spawn a background monitor per generated subdirectory")
	return cmd
}

// driveBatchSubdirs runs the Pipeline Executor recursively across the
// subdirectories Expand just materialized (spec.md §4.E step 6), skipped
// in dry-run mode by the caller.
func driveBatchSubdirs(ctx context.Context, reg *registry.Registry, subdirs []batchpkg.Subdir, pipelineConfigName string, background bool) error {
	for _, sub := range subdirs {
		dir := filepath.Join(flagProject, sub.Name)
		pcPath := filepath.Join(dir, filepath.Base(pipelineConfigName))
		if _, err := os.Stat(pcPath); err != nil {
			return fmt.Errorf("subdirectory %s: %w", sub.Name, err)
		}

		if background {
			if err := spawnBackgroundMonitorIn(dir, pcPath); err != nil {
				return fmt.Errorf("subdirectory %s: %w", sub.Name, err)
			}
			continue
		}

		st := store.New(dir, logger)
		pc, err := projectconfig.LoadPipeline(pcPath)
		if err != nil {
			return fmt.Errorf("subdirectory %s: %w", sub.Name, err)
		}
		d := dispatch.New(st, reg, logger)
		backends := newBackendRegistry()
		if err := runPipelineOnce(ctx, st, d, backends, pc); err != nil {
			return fmt.Errorf("subdirectory %s: %w", sub.Name, err)
		}
	}
	return nil
}

func spawnBackgroundMonitorIn(dir, pcPath string) error {
	prevProject := flagProject
	flagProject = dir
	defer func() { flagProject = prevProject }()
	return spawnBackgroundMonitor(pcPath)
}
