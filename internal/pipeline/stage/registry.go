package stage

import "fmt"

// Descriptor is the static configuration for one stage: its position
// in the pipeline, its prerequisites, whether it is optional, which
// retry-policy service name it resolves under, and its handler.
//
// Prereqs are hard gates: the scheduler refuses to run the stage unless
// every named prerequisite has a completion marker. OptionalPrereqs
// never gate the stage: the scheduler only looks up their StageStatus
// for logging, so a missing, failed or skipped optional prerequisite
// still lets its dependents proceed.
type Descriptor struct {
	Name            string
	Ordinal         int
	Prereqs         []string
	OptionalPrereqs []string
	Optional        bool
	ServiceName     string
	Handler         Handler
}

// AllPrereqs returns Prereqs and OptionalPrereqs concatenated, for
// validation passes that only care which stages must run earlier.
func (d *Descriptor) AllPrereqs() []string {
	if len(d.OptionalPrereqs) == 0 {
		return d.Prereqs
	}
	out := make([]string, 0, len(d.Prereqs)+len(d.OptionalPrereqs))
	out = append(out, d.Prereqs...)
	out = append(out, d.OptionalPrereqs...)
	return out
}

// Registry holds the ordered, validated set of stage descriptors that
// make up the pipeline. It is built once at process start and treated
// as read-only afterward.
type Registry struct {
	byName  map[string]*Descriptor
	ordered []*Descriptor
}

// NewRegistry validates that prerequisites reference known stages and
// that no cycle exists (a prerequisite may only name a stage with a
// strictly lower ordinal), then returns a Registry ordered by ordinal.
func NewRegistry(descriptors []*Descriptor) (*Registry, error) {
	byName := make(map[string]*Descriptor, len(descriptors))
	for _, d := range descriptors {
		if d.Name == "" {
			return nil, fmt.Errorf("stage descriptor missing name")
		}
		if _, dup := byName[d.Name]; dup {
			return nil, fmt.Errorf("duplicate stage name %q", d.Name)
		}
		if d.Handler == nil {
			return nil, fmt.Errorf("stage %q missing handler", d.Name)
		}
		byName[d.Name] = d
	}
	for _, d := range descriptors {
		for _, prereq := range d.AllPrereqs() {
			dep, ok := byName[prereq]
			if !ok {
				return nil, fmt.Errorf("stage %q declares unknown prerequisite %q", d.Name, prereq)
			}
			if dep.Ordinal >= d.Ordinal {
				return nil, fmt.Errorf("stage %q prerequisite %q must have a lower ordinal", d.Name, prereq)
			}
		}
	}

	ordered := make([]*Descriptor, len(descriptors))
	copy(ordered, descriptors)
	for i := 0; i < len(ordered); i++ {
		for j := i + 1; j < len(ordered); j++ {
			if ordered[j].Ordinal < ordered[i].Ordinal {
				ordered[i], ordered[j] = ordered[j], ordered[i]
			}
		}
	}

	return &Registry{byName: byName, ordered: ordered}, nil
}

func (r *Registry) Get(name string) (*Descriptor, bool) {
	d, ok := r.byName[name]
	return d, ok
}

// Ordered returns every descriptor sorted by ordinal ascending.
func (r *Registry) Ordered() []*Descriptor {
	return r.ordered
}

// Subset returns the descriptors named in names, preserving ordinal
// order, and reports any name that was not found.
func (r *Registry) Subset(names []string) ([]*Descriptor, []string) {
	want := make(map[string]struct{}, len(names))
	for _, n := range names {
		want[n] = struct{}{}
	}
	var out []*Descriptor
	var missing []string
	for _, n := range names {
		if _, ok := r.byName[n]; !ok {
			missing = append(missing, n)
		}
	}
	for _, d := range r.ordered {
		if _, ok := want[d.Name]; ok {
			out = append(out, d)
		}
	}
	return out, missing
}
