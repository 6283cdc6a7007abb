// Package cli assembles the cobra command tree a binary built on this
// framework exposes (spec.md §6), grounded on the teacher's
// internal/cli.NewRootCmd: persistent flags configure a logger in
// PersistentPreRun, and every verb is a small file registering its own
// newXCmd constructor with the root.
package cli

import (
	"log/slog"
	"sort"

	"github.com/spf13/cobra"

	"github.com/nrel/hpcpipe/internal/logging"
	"github.com/nrel/hpcpipe/internal/registry"
)

var (
	flagProject   string
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
)

// NewRootCmd creates the root cobra command. reg is the closed set of
// entry points the embedding binary has registered; one subcommand is
// added per descriptor (spec.md §6: "<step-alias> -c file [-v]").
func NewRootCmd(reg *registry.Registry) *cobra.Command {
	reg = mustRegistry(reg)
	root := &cobra.Command{
		Use:   "hpcpipe",
		Short: "HPC pipeline driver for geospatial, embarrassingly-parallel workloads",
		Long:  "Drives registered compute entry points through dispatch, pipeline, and batch stages across local or cluster backends.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger = logging.NewLogger(logging.ParseLevel(flagLogLevel), flagLogFormat)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagProject, "project", ".", "Project directory (defaults to cwd)")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newPipelineCmd(reg),
		newBatchCmd(reg),
		newStatusCmd(),
		newResetStatusCmd(),
		newScriptCmd(),
		newTemplateConfigsCmd(reg),
	)
	names := reg.Names()
	sort.Strings(names)
	for _, name := range names {
		desc, _ := reg.Lookup(name)
		root.AddCommand(newEntryPointCmd(desc))
	}

	return root
}
