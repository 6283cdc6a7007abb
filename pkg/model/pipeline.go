package model

// StepRef names one step reference within a Pipeline Config (spec.md §3).
type StepRef struct {
	Alias      string // unique within the pipeline; keys the Status Store and logs
	ConfigPath string // path to the step's config file
	Command    string // optional; entry point name if distinct from Alias
}

// EntryPointName returns the registered entry point name this step
// resolves to: the command name if given, else the alias.
func (r StepRef) EntryPointName() string {
	if r.Command != "" {
		return r.Command
	}
	return r.Alias
}

// LoggingConfig is the pipeline file's `logging` block.
type LoggingConfig struct {
	File  string `yaml:"file" json:"file" toml:"file"`
	Level string `yaml:"level" json:"level" toml:"level"`
}

// PipelineConfig is the parsed `pipeline` file: an ordered sequence of
// step references plus logging settings (spec.md §3, §6).
type PipelineConfig struct {
	Steps   []StepRef
	Logging LoggingConfig
}

// ExecutionControl is the `execution_control` block recognized keys
// (spec.md §6).
type ExecutionControl struct {
	Option        string  `yaml:"option" json:"option" toml:"option"` // "local" or a backend name
	Allocation    string  `yaml:"allocation,omitempty" json:"allocation,omitempty" toml:"allocation,omitempty"`
	WalltimeHours float64 `yaml:"walltime,omitempty" json:"walltime,omitempty" toml:"walltime,omitempty"`
	QOS           string  `yaml:"qos,omitempty" json:"qos,omitempty" toml:"qos,omitempty"`
	Memory        string  `yaml:"memory,omitempty" json:"memory,omitempty" toml:"memory,omitempty"`
	Nodes         int     `yaml:"nodes,omitempty" json:"nodes,omitempty" toml:"nodes,omitempty"`
	Queue         string  `yaml:"queue,omitempty" json:"queue,omitempty" toml:"queue,omitempty"`
	Feature       string  `yaml:"feature,omitempty" json:"feature,omitempty" toml:"feature,omitempty"`
	CondaEnv      string  `yaml:"conda_env,omitempty" json:"conda_env,omitempty" toml:"conda_env,omitempty"`
	Module        string  `yaml:"module,omitempty" json:"module,omitempty" toml:"module,omitempty"`
	ShScript      string  `yaml:"sh_script,omitempty" json:"sh_script,omitempty" toml:"sh_script,omitempty"`
	MaxWorkers    int     `yaml:"max_workers,omitempty" json:"max_workers,omitempty" toml:"max_workers,omitempty"`
	SitesPerWorker int    `yaml:"sites_per_worker,omitempty" json:"sites_per_worker,omitempty" toml:"sites_per_worker,omitempty"`

	// ArtifactMirror optionally names an S3-compatible bucket that
	// successful task outputs are best-effort mirrored into.
	ArtifactMirror *ArtifactMirrorConfig `yaml:"artifact_mirror,omitempty" json:"artifact_mirror,omitempty" toml:"artifact_mirror,omitempty"`
}

// ArtifactMirrorConfig configures the optional Artifact Mirror (SPEC_FULL §4.I).
type ArtifactMirrorConfig struct {
	Bucket   string `yaml:"bucket" json:"bucket" toml:"bucket"`
	Prefix   string `yaml:"prefix,omitempty" json:"prefix,omitempty" toml:"prefix,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty" toml:"endpoint,omitempty"`
	Region   string `yaml:"region,omitempty" json:"region,omitempty" toml:"region,omitempty"`
}

// Resources is the subset of ExecutionControl passed to the Submission
// Backend (nodes is handed to the Dispatcher instead, per spec.md §4.B).
type Resources struct {
	Allocation    string
	WalltimeHours float64
	QOS           string
	Memory        string
	Queue         string
	Feature       string
	CondaEnv      string
	Module        string
	ShScript      string
	MaxWorkers    int
}

// ToResources extracts the Submission Backend's resource view from an
// ExecutionControl block.
func (ec ExecutionControl) ToResources() Resources {
	return Resources{
		Allocation:    ec.Allocation,
		WalltimeHours: ec.WalltimeHours,
		QOS:           ec.QOS,
		Memory:        ec.Memory,
		Queue:         ec.Queue,
		Feature:       ec.Feature,
		CondaEnv:      ec.CondaEnv,
		Module:        ec.Module,
		ShScript:      ec.ShScript,
		MaxWorkers:    ec.MaxWorkers,
	}
}
