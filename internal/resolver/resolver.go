// Package resolver turns preset selection and manual edits into one resolved,
// normalized parameter set, keeping a separate config per backend so that
// switching algorithms never leaks values between them.
package resolver

import (
	"fmt"
	"sync"

	"github.com/robmcdonald5/vec2art-sub009/internal/params"
)

// Mode is how the resolved config was produced.
type Mode string

const (
	ModePreset Mode = "preset"
	ModeManual Mode = "manual"
	ModeHybrid Mode = "hybrid"
)

// State is a snapshot of the resolver.
type State struct {
	Mode            Mode                                      `json:"mode"`
	SelectedPreset  string                                    `json:"selected_preset,omitempty"`
	ManualOverrides params.Partial                            `json:"manual_overrides"`
	PerBackend      map[params.Backend]params.AlgorithmConfig `json:"per_backend"`
	Resolved        params.AlgorithmConfig                    `json:"resolved"`
}

// Resolver owns one configuration session. All methods are synchronous and
// safe for concurrent use.
type Resolver struct {
	mu      sync.Mutex
	catalog *params.Catalog

	mode       Mode
	preset     *params.Preset
	overrides  params.Partial
	perBackend map[params.Backend]params.AlgorithmConfig
	resolved   params.AlgorithmConfig
}

// New starts a manual session on backend with its defaults. A nil catalog
// means the builtin presets.
func New(catalog *params.Catalog, backend params.Backend) *Resolver {
	if catalog == nil {
		catalog = params.DefaultCatalog()
	}
	if !backend.Valid() {
		backend = params.BackendEdge
	}
	defaults := params.Defaults(backend)
	return &Resolver{
		catalog:    catalog,
		mode:       ModeManual,
		overrides:  params.Partial{},
		perBackend: map[params.Backend]params.AlgorithmConfig{backend: defaults.Clone()},
		resolved:   defaults,
	}
}

func (r *Resolver) Catalog() *params.Catalog { return r.catalog }

// Resolved returns a copy of the current resolved config.
func (r *Resolver) Resolved() params.AlgorithmConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolved.Clone()
}

// Validate checks the current resolved config.
func (r *Resolver) Validate() params.Report {
	return params.Validate(r.Resolved())
}

// State returns a deep copy of the session state.
func (r *Resolver) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := State{
		Mode:            r.mode,
		ManualOverrides: r.overrides.Clone(),
		PerBackend:      make(map[params.Backend]params.AlgorithmConfig, len(r.perBackend)),
		Resolved:        r.resolved.Clone(),
	}
	if r.preset != nil {
		st.SelectedPreset = r.preset.Name
	}
	for b, cfg := range r.perBackend {
		st.PerBackend[b] = cfg.Clone()
	}
	return st
}

// SelectPreset replaces manual edits with the named preset.
func (r *Resolver) SelectPreset(name string) error {
	p, ok := r.catalog.Get(name)
	if !ok {
		return fmt.Errorf("%w: %q", params.ErrUnknownPreset, name)
	}
	cfg, err := p.Config()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.preset = &p
	r.mode = ModePreset
	r.overrides = params.Partial{}
	r.resolved = cfg
	if _, ok := r.perBackend[cfg.Backend]; !ok {
		r.perBackend[cfg.Backend] = params.Defaults(cfg.Backend)
	}
	return nil
}

// ClearPreset returns to the manual config retained for the current backend.
func (r *Resolver) ClearPreset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mode = ModeManual
	r.preset = nil
	r.resolved = r.perBackend[r.resolved.Backend].Clone()
}

// SetBackend switches algorithm.
func (r *Resolver) SetBackend(b params.Backend) error {
	return r.UpdateField(params.FieldBackend, params.BackendValue(b))
}

// UpdateField applies one user edit. Fields from another backend's section
// are rejected with params.ErrFieldNotApplicable.
func (r *Resolver) UpdateField(f params.Field, v params.Value) error {
	spec, ok := params.LookupField(f)
	if !ok {
		return fmt.Errorf("%w: %q", params.ErrUnknownField, f)
	}
	probe := params.Defaults(spec.Backend)
	if spec.Universal() {
		probe = params.Defaults(params.BackendEdge)
	}
	if _, err := probe.With(f, v); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.resolved.Backend
	if f == params.FieldBackend {
		b, _ := v.Backend()
		if b != current {
			r.switchBackend(current, b)
		}
		return nil
	}
	if !spec.Universal() && spec.Backend != current {
		return fmt.Errorf("%w: %s is a %s parameter, current backend is %s", params.ErrFieldNotApplicable, f, spec.Backend, current)
	}

	nv := params.Normalize(params.Partial{f: v}, current)[f]
	r.overrides[f] = nv
	if r.mode == ModePreset && r.preset != nil {
		r.mode = ModeHybrid
	}

	if r.mode == ModeHybrid {
		base, err := r.preset.Config()
		if err != nil {
			return err
		}
		merged, err := params.Merge(base, r.overrides)
		if err != nil {
			return err
		}
		r.resolved = params.NormalizeConfig(merged)
	} else {
		next, err := r.resolved.With(f, nv)
		if err != nil {
			return err
		}
		r.resolved = params.NormalizeConfig(next)
	}
	r.perBackend[current] = r.resolved.Clone()
	return nil
}

// switchBackend snapshots the outgoing backend and loads the incoming one.
// A backend seen before comes back exactly as it was left: its snapshot wins
// over sticky values set on other backends in the meantime. A backend seen for
// the first time starts from defaults plus the sticky universals and enabled
// edge features the user set explicitly.
func (r *Resolver) switchBackend(from, to params.Backend) {
	r.perBackend[from] = r.resolved.Clone()

	if cached, ok := r.perBackend[to]; ok {
		r.resolved = cached.Clone()
	} else {
		carry := params.Partial{}
		for f, v := range r.overrides {
			spec, _ := params.LookupField(f)
			if spec.Sticky {
				carry[f] = v
			}
			if on, _ := v.Bool(); spec.EdgeFeature && on {
				carry[f] = v
			}
		}
		cfg, err := params.Merge(params.Defaults(to), carry)
		if err != nil {
			cfg = params.Defaults(to)
		}
		r.resolved = params.NormalizeConfig(cfg)
	}

	kept := params.Partial{}
	for f, v := range r.overrides {
		if spec, _ := params.LookupField(f); spec.Universal() {
			kept[f] = v
		}
	}
	r.overrides = kept

	if r.preset != nil {
		r.preset = nil
		r.mode = ModeManual
	}
	r.perBackend[to] = r.resolved.Clone()
}

// ResetBackend drops every edit for the current backend.
func (r *Resolver) ResetBackend() {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.resolved.Backend
	defaults := params.Defaults(b)
	r.perBackend[b] = defaults.Clone()
	r.overrides = params.Partial{}
	r.mode = ModeManual
	r.preset = nil
	r.resolved = defaults
}

// Preset returns the selected preset, if any.
func (r *Resolver) Preset() (params.Preset, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.preset == nil {
		return params.Preset{}, false
	}
	return *r.preset, true
}

// Mode returns the current mode.
func (r *Resolver) Mode() Mode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}
