package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nrel/hpcpipe/internal/projectconfig"
	"github.com/nrel/hpcpipe/internal/store"
)

func newResetStatusCmd() *cobra.Command {
	var configPath string
	var afterStep string

	cmd := &cobra.Command{
		Use:   "reset-status",
		Short: "Reset steps after afterStep back to not-submitted (spec.md §6)",
		RunE: func(cmd *cobra.Command, args []string) error {
			pc, err := projectconfig.LoadPipeline(configPath)
			if err != nil {
				return err
			}
			stepOrder := make([]string, len(pc.Steps))
			for i, step := range pc.Steps {
				stepOrder[i] = step.Alias
			}

			st := store.New(flagProject, logger)
			if err := st.Reset(afterStep, stepOrder); err != nil {
				return err
			}
			fmt.Println("status reset")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "pipeline.json", "Pipeline config file (for step ordering)")
	cmd.Flags().StringVar(&afterStep, "after-step", "", "Reset steps after this alias (empty resets all)")
	return cmd
}
