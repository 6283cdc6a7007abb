// Command hpcpipe is a reference binary built on this framework: it
// registers a small set of example geospatial entry points and hands
// them to the generic CLI surface.
package main

import (
	"fmt"
	"os"

	"github.com/nrel/hpcpipe/internal/cli"
	"github.com/nrel/hpcpipe/internal/registry"
)

func main() {
	reg := registry.New()
	reg.Register(extractEntryPoint())
	reg.Register(summarizePointsEntryPoint())

	if err := cli.NewRootCmd(reg).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// extractEntryPoint is a single-step local example (spec.md §8 scenario
// 1): it declares no split keys, so the Dispatcher produces exactly one
// task per invocation.
func extractEntryPoint() registry.Descriptor {
	return registry.Descriptor{
		Name: "extract",
		Run: func(cfg map[string]any, verbose bool) error {
			if verbose {
				fmt.Fprintf(os.Stderr, "extract: cfg=%v\n", cfg)
			}
			return nil
		},
	}
}

// summarizePointsEntryPoint is a points-split example (spec.md §8
// scenario 2): the reserved project_points split key divides the point
// table into one task per node.
func summarizePointsEntryPoint() registry.Descriptor {
	return registry.Descriptor{
		Name: "summarize_points",
		SplitKeys: []registry.SplitKeyGroup{
			{Keys: []string{registry.PointsSplitKey}, Product: true},
		},
		AcceptsTag: true,
		Run: func(cfg map[string]any, verbose bool) error {
			if verbose {
				fmt.Fprintf(os.Stderr, "summarize_points: cfg=%v\n", cfg)
			}
			return nil
		},
	}
}
