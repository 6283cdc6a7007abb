// Package projectconfig loads the pipeline config file and per-step
// config files the CLI surface operates on (spec.md §6), translating the
// configval.Value tree into the typed model.PipelineConfig /
// model.ExecutionControl structures the rest of the driver consumes.
package projectconfig

import (
	"fmt"
	"sort"

	"github.com/nrel/hpcpipe/internal/batch"
	"github.com/nrel/hpcpipe/pkg/configval"
	"github.com/nrel/hpcpipe/pkg/model"
)

// LoadPipeline reads and parses a pipeline config file into a
// model.PipelineConfig: an ordered `pipeline` list of single-entry
// `{step-alias: path}` mappings (optionally with a sibling `command`
// key) plus a `logging` block.
func LoadPipeline(path string) (model.PipelineConfig, error) {
	v, err := configval.Load(path)
	if err != nil {
		return model.PipelineConfig{}, err
	}

	var pc model.PipelineConfig

	stepsVal, err := v.MustGet(path, "pipeline")
	if err != nil {
		return model.PipelineConfig{}, err
	}
	entries, err := stepsVal.AsList(path + "#pipeline")
	if err != nil {
		return model.PipelineConfig{}, err
	}

	for i, entry := range entries {
		entryPath := fmt.Sprintf("%s#pipeline[%d]", path, i)
		m, err := entry.AsMap(entryPath)
		if err != nil {
			return model.PipelineConfig{}, err
		}

		ref := model.StepRef{}
		for k, val := range m {
			if k == "command" {
				cmd, err := val.AsString(entryPath + ".command")
				if err != nil {
					return model.PipelineConfig{}, err
				}
				ref.Command = cmd
				continue
			}
			cfgPath, err := val.AsString(entryPath + "." + k)
			if err != nil {
				return model.PipelineConfig{}, err
			}
			ref.Alias = k
			ref.ConfigPath = cfgPath
		}
		if ref.Alias == "" {
			return model.PipelineConfig{}, &model.ConfigError{Path: entryPath, Msg: "pipeline entry missing a step-alias: path mapping"}
		}
		pc.Steps = append(pc.Steps, ref)
	}

	if loggingVal, ok := v.Get("logging"); ok {
		lm, err := loggingVal.AsMap(path + "#logging")
		if err != nil {
			return model.PipelineConfig{}, err
		}
		if fileVal, ok := lm["file"]; ok {
			pc.Logging.File, _ = fileVal.AsString(path + "#logging.file")
		}
		if levelVal, ok := lm["level"]; ok {
			pc.Logging.Level, _ = levelVal.AsString(path + "#logging.level")
		}
	}

	return pc, nil
}

// LoadStepConfig reads a step config file, rejects unfilled placeholder
// values, and extracts its execution_control block.
func LoadStepConfig(path string) (configval.Value, model.ExecutionControl, error) {
	v, err := configval.Load(path)
	if err != nil {
		return configval.Value{}, model.ExecutionControl{}, err
	}
	if err := configval.RejectPlaceholders(path, v); err != nil {
		return configval.Value{}, model.ExecutionControl{}, err
	}

	var ec model.ExecutionControl
	if ecVal, ok := v.Get("execution_control"); ok {
		ecMap, err := ecVal.AsMap(path + "#execution_control")
		if err != nil {
			return configval.Value{}, model.ExecutionControl{}, err
		}
		ec, err = parseExecutionControl(path, ecMap)
		if err != nil {
			return configval.Value{}, model.ExecutionControl{}, err
		}
	}

	return v, ec, nil
}

func parseExecutionControl(path string, m map[string]configval.Value) (model.ExecutionControl, error) {
	var ec model.ExecutionControl
	get := func(key string) (configval.Value, bool) {
		v, ok := m[key]
		return v, ok
	}
	str := func(key string) (string, error) {
		if v, ok := get(key); ok {
			return v.AsString(path + "#execution_control." + key)
		}
		return "", nil
	}
	num := func(key string) (float64, error) {
		if v, ok := get(key); ok {
			return v.AsFloat(path + "#execution_control." + key)
		}
		return 0, nil
	}
	ival := func(key string) (int, error) {
		if v, ok := get(key); ok {
			return v.AsInt(path + "#execution_control." + key)
		}
		return 0, nil
	}

	var err error
	if ec.Option, err = str("option"); err != nil {
		return ec, err
	}
	if ec.Allocation, err = str("allocation"); err != nil {
		return ec, err
	}
	if ec.WalltimeHours, err = num("walltime"); err != nil {
		return ec, err
	}
	if ec.QOS, err = str("qos"); err != nil {
		return ec, err
	}
	if ec.Memory, err = str("memory"); err != nil {
		return ec, err
	}
	if ec.Nodes, err = ival("nodes"); err != nil {
		return ec, err
	}
	if ec.Queue, err = str("queue"); err != nil {
		return ec, err
	}
	if ec.Feature, err = str("feature"); err != nil {
		return ec, err
	}
	if ec.CondaEnv, err = str("conda_env"); err != nil {
		return ec, err
	}
	if ec.Module, err = str("module"); err != nil {
		return ec, err
	}
	if ec.ShScript, err = str("sh_script"); err != nil {
		return ec, err
	}
	if ec.MaxWorkers, err = ival("max_workers"); err != nil {
		return ec, err
	}
	if ec.SitesPerWorker, err = ival("sites_per_worker"); err != nil {
		return ec, err
	}
	if amVal, ok := get("artifact_mirror"); ok {
		amMap, err := amVal.AsMap(path + "#execution_control.artifact_mirror")
		if err != nil {
			return ec, err
		}
		am := &model.ArtifactMirrorConfig{}
		if bv, ok := amMap["bucket"]; ok {
			if am.Bucket, err = bv.AsString(path + "#execution_control.artifact_mirror.bucket"); err != nil {
				return ec, err
			}
		}
		if pv, ok := amMap["prefix"]; ok {
			if am.Prefix, err = pv.AsString(path + "#execution_control.artifact_mirror.prefix"); err != nil {
				return ec, err
			}
		}
		if ev, ok := amMap["endpoint"]; ok {
			if am.Endpoint, err = ev.AsString(path + "#execution_control.artifact_mirror.endpoint"); err != nil {
				return ec, err
			}
		}
		if rv, ok := amMap["region"]; ok {
			if am.Region, err = rv.AsString(path + "#execution_control.artifact_mirror.region"); err != nil {
				return ec, err
			}
		}
		ec.ArtifactMirror = am
	}

	return ec, nil
}

// LoadBatchConfig reads a batch config file in either of its two forms
// (spec.md §4.E): a mapping of `pipeline_config` + `sets`, or a tabular
// mapping where each row is its own single-tuple set.
func LoadBatchConfig(path string) (batch.Config, error) {
	v, err := configval.Load(path)
	if err != nil {
		return batch.Config{}, err
	}

	pcVal, err := v.MustGet(path, "pipeline_config")
	if err != nil {
		return batch.Config{}, err
	}
	pipelineConfig, err := pcVal.AsString(path + "#pipeline_config")
	if err != nil {
		return batch.Config{}, err
	}
	cfg := batch.Config{PipelineConfig: pipelineConfig}

	if setsVal, ok := v.Get("sets"); ok {
		sets, err := setsVal.AsList(path + "#sets")
		if err != nil {
			return batch.Config{}, err
		}
		for i, s := range sets {
			set, err := parseBatchSet(fmt.Sprintf("%s#sets[%d]", path, i), s)
			if err != nil {
				return batch.Config{}, err
			}
			cfg.Sets = append(cfg.Sets, set)
		}
		return cfg, nil
	}

	if rowsVal, ok := v.Get("rows"); ok {
		rows, err := rowsVal.AsList(path + "#rows")
		if err != nil {
			return batch.Config{}, err
		}
		for i, row := range rows {
			set, err := parseBatchRow(fmt.Sprintf("%s#rows[%d]", path, i), row)
			if err != nil {
				return batch.Config{}, err
			}
			cfg.Sets = append(cfg.Sets, set)
		}
		return cfg, nil
	}

	return batch.Config{}, &model.ConfigError{Path: path, Msg: "batch config names neither 'sets' nor 'rows'"}
}

func parseBatchSet(path string, v configval.Value) (batch.Set, error) {
	m, err := v.AsMap(path)
	if err != nil {
		return batch.Set{}, err
	}

	set := batch.Set{Args: make(map[string][]configval.Value)}
	if tagVal, ok := m["set_tag"]; ok {
		if set.SetTag, err = tagVal.AsString(path + ".set_tag"); err != nil {
			return batch.Set{}, err
		}
	}
	if filesVal, ok := m["files"]; ok {
		files, err := filesVal.AsList(path + ".files")
		if err != nil {
			return batch.Set{}, err
		}
		for i, f := range files {
			s, err := f.AsString(fmt.Sprintf("%s.files[%d]", path, i))
			if err != nil {
				return batch.Set{}, err
			}
			set.Files = append(set.Files, s)
		}
	}
	argsVal, err := v.MustGet(path, "args")
	if err != nil {
		return batch.Set{}, err
	}
	argsMap, err := argsVal.AsMap(path + ".args")
	if err != nil {
		return batch.Set{}, err
	}
	for key, val := range argsMap {
		list, err := val.AsList(path + ".args." + key)
		if err != nil {
			return batch.Set{}, err
		}
		set.Args[key] = list
	}
	return set, nil
}

// parseBatchRow treats one tabular row as a single-tuple set: every
// non-reserved column becomes a one-element arg list.
func parseBatchRow(path string, v configval.Value) (batch.Set, error) {
	m, err := v.AsMap(path)
	if err != nil {
		return batch.Set{}, err
	}

	set := batch.Set{Args: make(map[string][]configval.Value)}
	reserved := map[string]bool{"set_tag": true, "pipeline_config": true, "files": true}

	if tagVal, ok := m["set_tag"]; ok {
		if set.SetTag, err = tagVal.AsString(path + ".set_tag"); err != nil {
			return batch.Set{}, err
		}
	}
	if filesVal, ok := m["files"]; ok {
		files, err := filesVal.AsList(path + ".files")
		if err != nil {
			return batch.Set{}, err
		}
		for i, f := range files {
			s, err := f.AsString(fmt.Sprintf("%s.files[%d]", path, i))
			if err != nil {
				return batch.Set{}, err
			}
			set.Files = append(set.Files, s)
		}
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		if !reserved[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		set.Args[k] = []configval.Value{m[k]}
	}
	return set, nil
}

