// Package registry holds the closed set of entry points a binary exposes
// to the pipeline driver. It replaces the source's signature-introspection
// contract (see SPEC_FULL.md §9 source-pattern adaptations) with an
// explicit descriptor: every entry point states its split keys, the
// platform parameters it wants injected, and its optional pre-processor
// up front, so dispatch never reflects over a function signature.
package registry

import "fmt"

// SplitKeyGroup is either a single product key, or several keys zipped
// together (advanced in lock-step, equal length required).
type SplitKeyGroup struct {
	Keys    []string
	Zipped  bool
	Product bool // mutually exclusive with Zipped; exactly one is true for len(Keys)==1
}

// PointsSplitKey is the reserved split key name for the geospatial
// project-points axis (spec.md §3, §4.C).
const PointsSplitKey = "project_points"

// Injected platform parameter names an entry point may request.
const (
	InjectJobName     = "job_name"
	InjectLogDir      = "log_directory"
	InjectVerbose     = "verbose"
)

// PlatformParams carries the values the Dispatcher injects into a
// pre-processor call for the parameters it declared it wants.
type PlatformParams struct {
	JobName string
	LogDir  string
	Verbose bool
}

// Filter zeroes every field of full whose corresponding Inject* name isn't
// present in d.Injected, so a pre-processor only ever observes the platform
// parameters it declared it wants (spec.md §3). A descriptor with no
// Injected entries gets an entirely zeroed PlatformParams.
func (d Descriptor) Filter(full PlatformParams) PlatformParams {
	var want map[string]bool
	if len(d.Injected) > 0 {
		want = make(map[string]bool, len(d.Injected))
		for _, name := range d.Injected {
			want[name] = true
		}
	}
	var out PlatformParams
	if want[InjectJobName] {
		out.JobName = full.JobName
	}
	if want[InjectLogDir] {
		out.LogDir = full.LogDir
	}
	if want[InjectVerbose] {
		out.Verbose = full.Verbose
	}
	return out
}

// PreProcessorFunc mutates a step config in place before dispatch. It may
// return an error, in which case dispatch aborts before any submission
// (spec.md §4.C step 1).
type PreProcessorFunc func(cfg map[string]any, platform PlatformParams) error

// EntryPointFunc is the function a task ultimately runs, invoked by the
// `local` Submission Backend or by the generated submission script's
// `<program> <entry-point> -c <task-config-path>` command line.
type EntryPointFunc func(cfg map[string]any, verbose bool) error

// Descriptor is the registration contract for one entry point.
type Descriptor struct {
	Name         string
	SplitKeys    []SplitKeyGroup
	Injected     []string
	PreProcessor PreProcessorFunc
	AcceptsTag   bool // true if the entry point declares a `tag` parameter
	Run          EntryPointFunc
}

// HasSplitKey reports whether name appears in any of the descriptor's
// split-key groups.
func (d Descriptor) HasSplitKey(name string) bool {
	for _, g := range d.SplitKeys {
		for _, k := range g.Keys {
			if k == name {
				return true
			}
		}
	}
	return false
}

// Registry is the closed set of entry points registered for this binary.
type Registry struct {
	entries map[string]Descriptor
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]Descriptor)}
}

// Register adds a Descriptor, keyed by its Name. Re-registering a name
// overwrites the previous descriptor.
func (r *Registry) Register(d Descriptor) {
	r.entries[d.Name] = d
}

// Lookup returns the Descriptor for name, if registered.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	d, ok := r.entries[name]
	return d, ok
}

// MustLookup is Lookup but returns an error instead of (Descriptor, bool).
func (r *Registry) MustLookup(name string) (Descriptor, error) {
	d, ok := r.Lookup(name)
	if !ok {
		return Descriptor{}, fmt.Errorf("no entry point registered for %q", name)
	}
	return d, nil
}

// Names returns all registered entry point names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	return names
}
