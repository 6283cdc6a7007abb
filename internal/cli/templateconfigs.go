package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nrel/hpcpipe/internal/registry"
	"github.com/nrel/hpcpipe/pkg/configval"
)

func newTemplateConfigsCmd(reg *registry.Registry) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "template-configs [step...]",
		Short: "Generate placeholder step config files for registered entry points (spec.md §6)",
		RunE: func(cmd *cobra.Command, args []string) error {
			names := args
			if len(names) == 0 {
				names = reg.Names()
			}
			ext := "." + format

			for _, name := range names {
				desc, ok := reg.Lookup(name)
				if !ok {
					return fmt.Errorf("no entry point registered for %q", name)
				}
				path := filepath.Join(flagProject, name+ext)
				if err := configval.Dump(path, templateValue(desc)); err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "wrote %s\n", path)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "type", "t", "json", "Output format (json, yaml, toml)")
	return cmd
}

// templateValue builds a placeholder step config naming the common
// execution control keys (option, allocation, walltime, qos, memory,
// queue, conda_env, plus nodes for a points split) and one empty list per
// declared split key, so a user filling it in only has to replace `[REQUIRED]` markers
// and populate the split-key lists (spec.md §6).
func templateValue(desc registry.Descriptor) configval.Value {
	ec := map[string]configval.Value{
		"option":     configval.String("[REQUIRED]"),
		"allocation": configval.String("[REQUIRED IF ON HPC]"),
		"walltime":   configval.Number(0),
		"qos":        configval.String(""),
		"memory":     configval.String(""),
		"queue":      configval.String(""),
		"conda_env":  configval.String("[REQUIRED]"),
	}

	root := map[string]configval.Value{
		"execution_control": configval.Map(ec),
		"log_directory":     configval.String("logs"),
		"log_level":         configval.String("info"),
	}

	for _, group := range desc.SplitKeys {
		for _, key := range group.Keys {
			if key == registry.PointsSplitKey {
				root[key] = configval.List(nil)
				ec["nodes"] = configval.Number(1)
				continue
			}
			root[key] = configval.List(nil)
		}
	}

	return configval.Map(root)
}
