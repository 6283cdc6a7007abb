package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nrel/hpcpipe/internal/store"
	"github.com/nrel/hpcpipe/pkg/model"
)

func newStatusCmd() *cobra.Command {
	var stepFilter string
	var stateFilter string
	var format string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report Status Store contents, optionally filtered (spec.md §6)",
		RunE: func(cmd *cobra.Command, args []string) error {
			st := store.New(flagProject, logger)
			summaries, err := st.Summary(stepFilter)
			if err != nil {
				return err
			}

			if stateFilter != "" {
				summaries = filterByState(summaries, model.TaskState(stateFilter))
			}

			if format == "json" {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(summaries)
			}
			printStatusText(summaries)
			return nil
		},
	}

	cmd.Flags().StringVar(&stepFilter, "step", "", "Restrict to one step alias")
	cmd.Flags().StringVar(&stateFilter, "state", "", "Restrict to tasks in this state")
	cmd.Flags().StringVarP(&format, "format", "t", "text", "Output format (text, json)")
	return cmd
}

// filterByState rebuilds the Status Cache from summaries and re-derives a
// task-only view restricted to state, exercising the cache's intended
// fast-filter path rather than scanning summaries in Go (SPEC_FULL.md §4.J).
func filterByState(summaries []store.StepSummary, state model.TaskState) []store.StepSummary {
	cache, err := store.OpenCache(flagProject)
	if err != nil {
		logger.Warn("status cache unavailable, falling back to full scan", "error", err)
		return filterByStateDirect(summaries, state)
	}
	defer cache.Close()

	if err := cache.Rebuild(summaries); err != nil {
		logger.Warn("status cache rebuild failed, falling back to full scan", "error", err)
		return filterByStateDirect(summaries, state)
	}

	rows, err := cache.ByState(state)
	if err != nil {
		logger.Warn("status cache query failed, falling back to full scan", "error", err)
		return filterByStateDirect(summaries, state)
	}

	byStep := make(map[string][]model.StatusEntry)
	for _, row := range rows {
		byStep[row.Step] = append(byStep[row.Step], model.StatusEntry{
			Step: row.Step, Tag: row.Tag, State: state,
			JobID: row.JobID, RuntimeSeconds: row.RuntimeSeconds, Host: row.Host, Output: row.Output,
			ArtifactMirrorURL: row.ArtifactMirrorURL,
		})
	}

	out := make([]store.StepSummary, 0, len(byStep))
	for _, summary := range summaries {
		tasks, ok := byStep[summary.Step]
		if !ok {
			continue
		}
		out = append(out, store.StepSummary{Step: summary.Step, State: summary.State, Tasks: tasks})
	}
	return out
}

func filterByStateDirect(summaries []store.StepSummary, state model.TaskState) []store.StepSummary {
	out := make([]store.StepSummary, 0, len(summaries))
	for _, summary := range summaries {
		var tasks []model.StatusEntry
		for _, t := range summary.Tasks {
			if t.State == state {
				tasks = append(tasks, t)
			}
		}
		if len(tasks) > 0 {
			out = append(out, store.StepSummary{Step: summary.Step, State: summary.State, Tasks: tasks})
		}
	}
	return out
}

func printStatusText(summaries []store.StepSummary) {
	for _, summary := range summaries {
		fmt.Printf("%s: %s\n", summary.Step, summary.State)
		for _, t := range summary.Tasks {
			fmt.Printf("  %s%s: %s", summary.Step, t.Tag, t.State)
			if t.JobID != "" {
				fmt.Printf(" (job %s)", t.JobID)
			}
			if t.ArtifactMirrorURL != "" {
				fmt.Printf(" -> %s", t.ArtifactMirrorURL)
			}
			fmt.Println()
		}
	}
}
