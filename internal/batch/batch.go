// Package batch implements the Batch Expander: it materializes a
// parameter-grid sweep described by a batch config into sibling project
// directories, each a fully configured pipeline ready for the Pipeline
// Executor (spec.md §4.E).
package batch

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/nrel/hpcpipe/internal/tagging"
	"github.com/nrel/hpcpipe/pkg/configval"
	"github.com/nrel/hpcpipe/pkg/model"
)

// Set is one zipped parameter sweep: every arg list advances in lock-step.
type Set struct {
	SetTag string
	Args   map[string][]configval.Value // param name -> values, equal length
	Files  []string                     // config files (relative to source dir) containing these params
}

// Config is the parsed batch config: a pipeline config to replicate and
// the sets (or tabular rows, pre-normalized into sets by the caller) whose
// disjoint union produces the generated subdirectories.
type Config struct {
	PipelineConfig string
	Sets           []Set
}

// Subdir is one generated subdirectory: its name and the scalar tuple
// assigned to it.
type Subdir struct {
	Name   string
	Values map[string]configval.Value
	Files  []string
}

// Expander materializes a Config's sets into sibling directories under a
// project's source directory.
type Expander struct {
	logger *slog.Logger
}

// New creates an Expander.
func New(logger *slog.Logger) *Expander {
	return &Expander{logger: logger.With("component", "batch-expander")}
}

// planSubdirs computes the disjoint union of every set's zipped tuples,
// per spec.md §4.E steps 1-2: within a set values vary in lock-step,
// across sets the results are not multiplied together.
func planSubdirs(cfg Config) ([]Subdir, error) {
	var subdirs []Subdir
	for _, set := range cfg.Sets {
		keys := sortedKeys(set.Args)
		if len(keys) == 0 {
			return nil, &model.ConfigError{Path: set.SetTag, Msg: "set declares no args"}
		}
		length := len(set.Args[keys[0]])
		for _, k := range keys {
			if len(set.Args[k]) != length {
				return nil, &model.ConfigError{Path: set.SetTag, Msg: fmt.Sprintf("arg %q length mismatch within zipped set", k)}
			}
		}

		for row := 0; row < length; row++ {
			values := make(map[string]configval.Value, len(keys))
			name := set.SetTag
			for _, k := range keys {
				v := set.Args[k][row]
				values[k] = v
				name += tagging.ScalarFragment(k, v.Native())
			}
			subdirs = append(subdirs, Subdir{Name: name, Values: values, Files: set.Files})
		}
	}
	return subdirs, nil
}

func sortedKeys(m map[string][]configval.Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Expand runs spec.md §4.E's materialization algorithm: plan subdirectory
// names, copy every file from sourceDir into each, substitute parameter
// values into the named files, and write the batch index CSV. When dryRun
// is true, no files are written; the planned Subdirs are still returned.
func (e *Expander) Expand(sourceDir, batchIndexPath string, cfg Config, dryRun bool) ([]Subdir, error) {
	subdirs, err := planSubdirs(cfg)
	if err != nil {
		return nil, err
	}
	if dryRun {
		e.logger.Info("batch dry run", "subdirs", len(subdirs))
		return subdirs, nil
	}

	sourceEntries, err := os.ReadDir(sourceDir)
	if err != nil {
		return nil, fmt.Errorf("batch expand: read source dir: %w", err)
	}

	for _, sub := range subdirs {
		subPath := filepath.Join(sourceDir, sub.Name)
		if err := os.MkdirAll(subPath, 0o755); err != nil {
			return nil, fmt.Errorf("batch expand: create %s: %w", sub.Name, err)
		}

		for _, entry := range sourceEntries {
			if entry.IsDir() {
				continue
			}
			if err := copyFile(filepath.Join(sourceDir, entry.Name()), filepath.Join(subPath, entry.Name())); err != nil {
				return nil, fmt.Errorf("batch expand: copy %s into %s: %w", entry.Name(), sub.Name, err)
			}
		}

		for _, relFile := range sub.Files {
			path := filepath.Join(subPath, relFile)
			if err := substituteFile(path, sub.Values); err != nil {
				return nil, fmt.Errorf("batch expand: substitute %s in %s: %w", relFile, sub.Name, err)
			}
		}
	}

	if err := writeIndex(batchIndexPath, subdirs); err != nil {
		return nil, err
	}
	return subdirs, nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

// substituteFile parses path, replaces each of values' keys in place, and
// writes the result back in the same format (spec.md §4.E step 4).
func substituteFile(path string, values map[string]configval.Value) error {
	v, err := configval.Load(path)
	if err != nil {
		return err
	}
	for k, val := range values {
		if _, ok := v.Get(k); !ok {
			continue // this file doesn't carry that key; nothing to substitute
		}
		v = v.WithSet(k, val)
	}
	return configval.Dump(path, v)
}

// writeIndex records one CSV row per generated subdirectory alongside the
// source directory (spec.md §4.E step 5).
func writeIndex(path string, subdirs []Subdir) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("batch index: create: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	keySet := map[string]bool{}
	for _, s := range subdirs {
		for k := range s.Values {
			keySet[k] = true
		}
	}
	keys := make([]string, 0, len(keySet))
	for k := range keySet {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	header := append([]string{"subdir"}, keys...)
	if err := w.Write(header); err != nil {
		return err
	}
	for _, s := range subdirs {
		row := make([]string, 0, len(keys)+1)
		row = append(row, s.Name)
		for _, k := range keys {
			if val, ok := s.Values[k]; ok {
				row = append(row, tagging.FormatValue(val.Native()))
			} else {
				row = append(row, "")
			}
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	return w.Error()
}

// ReadIndex loads a previously written batch index, returning the
// subdirectory names it lists (used by Delete).
func ReadIndex(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("batch index: open: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("batch index: read: %w", err)
	}
	if len(rows) < 2 {
		return nil, nil
	}
	var names []string
	for _, row := range rows[1:] {
		if len(row) == 0 {
			continue
		}
		names = append(names, row[0])
	}
	return names, nil
}

// Delete removes the batch index and every subdirectory it names
// (spec.md §4.E "Deletion mode").
func (e *Expander) Delete(sourceDir, batchIndexPath string) error {
	names, err := ReadIndex(batchIndexPath)
	if err != nil {
		return err
	}
	for _, name := range names {
		path := filepath.Join(sourceDir, name)
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("batch delete: remove %s: %w", name, err)
		}
	}
	if err := os.Remove(batchIndexPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("batch delete: remove index: %w", err)
	}
	return nil
}
