package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nrel/hpcpipe/internal/backend"
	"github.com/nrel/hpcpipe/internal/projectconfig"
	"github.com/nrel/hpcpipe/pkg/model"
)

func newScriptCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "script",
		Short: "Preview the submission script a step's config would generate (spec.md §6)",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, ec, err := projectconfig.LoadStepConfig(configPath)
			if err != nil {
				return err
			}

			kind := model.BackendKind(ec.Option)
			if kind == "" {
				kind = model.BackendLocal
			}

			spec := backend.SubmitSpec{
				WorkDir:   filepath.Dir(configPath),
				Command:   []string{"<program>", "<step-alias>", "-c", "<task-config-path>"},
				Resources: ec.ToResources(),
			}
			fmt.Print(backend.RenderPreview(kind, spec))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Step config file")
	cmd.MarkFlagRequired("config")
	return cmd
}
