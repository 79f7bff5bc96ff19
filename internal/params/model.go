package params

import (
	"fmt"
	"strings"
)

// Backend enumerates the vectorization algorithms the engine implements.
type Backend string

const (
	BackendEdge       Backend = "edge"
	BackendCenterline Backend = "centerline"
	BackendSuperpixel Backend = "superpixel"
	BackendDots       Backend = "dots"
)

// Backends lists every backend in display order.
var Backends = []Backend{BackendEdge, BackendCenterline, BackendSuperpixel, BackendDots}

// ParseBackend converts user input into a Backend.
func ParseBackend(s string) (Backend, error) {
	b := Backend(strings.ToLower(strings.TrimSpace(s)))
	if !b.Valid() {
		return "", fmt.Errorf("%w: backend %q", ErrInvalidValue, s)
	}
	return b, nil
}

func (b Backend) Valid() bool {
	switch b {
	case BackendEdge, BackendCenterline, BackendSuperpixel, BackendDots:
		return true
	}
	return false
}

func (b Backend) String() string { return string(b) }

type EdgeSection struct {
	PassCount          int  `json:"pass_count" yaml:"pass_count"`
	EnableReversePass  bool `json:"enable_reverse_pass" yaml:"enable_reverse_pass"`
	EnableDiagonalPass bool `json:"enable_diagonal_pass" yaml:"enable_diagonal_pass"`
}

type CenterlineSection struct {
	WindowSize              int     `json:"window_size" yaml:"window_size"`
	SensitivityK            float64 `json:"sensitivity_k" yaml:"sensitivity_k"`
	MinBranchLength         int     `json:"min_branch_length" yaml:"min_branch_length"`
	DouglasPeuckerEpsilon   float64 `json:"douglas_peucker_epsilon" yaml:"douglas_peucker_epsilon"`
	EnableAdaptiveThreshold bool    `json:"enable_adaptive_threshold" yaml:"enable_adaptive_threshold"`
}

type SuperpixelSection struct {
	NumSuperpixels int     `json:"num_superpixels" yaml:"num_superpixels"`
	Compactness    float64 `json:"compactness" yaml:"compactness"`
	SlicIterations int     `json:"slic_iterations" yaml:"slic_iterations"`
	FillRegions    bool    `json:"fill_regions" yaml:"fill_regions"`
	StrokeRegions  bool    `json:"stroke_regions" yaml:"stroke_regions"`
}

type DotsSection struct {
	MinRadius      float64 `json:"min_radius" yaml:"min_radius"`
	MaxRadius      float64 `json:"max_radius" yaml:"max_radius"`
	DotDensity     float64 `json:"dot_density" yaml:"dot_density"`
	AdaptiveSizing bool    `json:"adaptive_sizing" yaml:"adaptive_sizing"`
}

// AlgorithmConfig is the full parameter set for one backend. Exactly one of
// the section pointers is set and it matches Backend. Values are treated as
// immutable: use With to derive a changed copy.
type AlgorithmConfig struct {
	Backend Backend `json:"backend"`

	Detail                    float64 `json:"detail"`
	StrokeWidth               float64 `json:"stroke_width"`
	NoiseFiltering            bool    `json:"noise_filtering"`
	PreserveColors            bool    `json:"preserve_colors"`
	BackgroundRemoval         bool    `json:"background_removal"`
	BackgroundRemovalStrength float64 `json:"background_removal_strength"`

	// Edge-only features. Other backends carry them so a request that sets
	// them can be rejected instead of silently dropped.
	EnableFlowTracing   bool `json:"enable_flow_tracing"`
	EnableBezierFitting bool `json:"enable_bezier_fitting"`
	EnableEtfFdog       bool `json:"enable_etf_fdog"`

	Edge       *EdgeSection       `json:"edge,omitempty"`
	Centerline *CenterlineSection `json:"centerline,omitempty"`
	Superpixel *SuperpixelSection `json:"superpixel,omitempty"`
	Dots       *DotsSection       `json:"dots,omitempty"`
}

const (
	DefaultDetail                    = 0.5
	DefaultStrokeWidth               = 1.0
	DefaultBackgroundRemovalStrength = 0.5

	DefaultPassCount = 1

	DefaultWindowSize            = 25
	DefaultSensitivityK          = 0.4
	DefaultMinBranchLength       = 8
	DefaultDouglasPeuckerEpsilon = 1.0

	DefaultNumSuperpixels = 200
	DefaultCompactness    = 10
	DefaultSlicIterations = 10

	DefaultMinRadius  = 0.5
	DefaultMaxRadius  = 3.0
	DefaultDotDensity = 0.4
)

// Defaults returns the engine defaults for a backend.
func Defaults(b Backend) AlgorithmConfig {
	cfg := AlgorithmConfig{
		Backend:                   b,
		Detail:                    DefaultDetail,
		StrokeWidth:               DefaultStrokeWidth,
		NoiseFiltering:            true,
		BackgroundRemovalStrength: DefaultBackgroundRemovalStrength,
	}
	switch b {
	case BackendEdge:
		cfg.Edge = &EdgeSection{PassCount: DefaultPassCount}
	case BackendCenterline:
		cfg.Centerline = &CenterlineSection{
			WindowSize:              DefaultWindowSize,
			SensitivityK:            DefaultSensitivityK,
			MinBranchLength:         DefaultMinBranchLength,
			DouglasPeuckerEpsilon:   DefaultDouglasPeuckerEpsilon,
			EnableAdaptiveThreshold: true,
		}
	case BackendSuperpixel:
		cfg.Superpixel = &SuperpixelSection{
			NumSuperpixels: DefaultNumSuperpixels,
			Compactness:    DefaultCompactness,
			SlicIterations: DefaultSlicIterations,
			FillRegions:    true,
			StrokeRegions:  true,
		}
	case BackendDots:
		cfg.Dots = &DotsSection{
			MinRadius:      DefaultMinRadius,
			MaxRadius:      DefaultMaxRadius,
			DotDensity:     DefaultDotDensity,
			AdaptiveSizing: true,
		}
	}
	return cfg
}

// Clone returns a deep copy so the sections are not shared.
func (c AlgorithmConfig) Clone() AlgorithmConfig {
	out := c
	if c.Edge != nil {
		s := *c.Edge
		out.Edge = &s
	}
	if c.Centerline != nil {
		s := *c.Centerline
		out.Centerline = &s
	}
	if c.Superpixel != nil {
		s := *c.Superpixel
		out.Superpixel = &s
	}
	if c.Dots != nil {
		s := *c.Dots
		out.Dots = &s
	}
	return out
}

// Equal compares two configs field by field, following section pointers.
func (c AlgorithmConfig) Equal(o AlgorithmConfig) bool {
	a, b := c.Partial(), o.Partial()
	if c.Backend != o.Backend || len(a) != len(b) {
		return false
	}
	for f, v := range a {
		w, ok := b[f]
		if !ok || !v.Equal(w) {
			return false
		}
	}
	return true
}

// Get reads a field. ok is false when the field does not exist on this
// config's backend.
func (c AlgorithmConfig) Get(f Field) (Value, bool) {
	switch f {
	case FieldBackend:
		return BackendValue(c.Backend), true
	case FieldDetail:
		return Number(c.Detail), true
	case FieldStrokeWidth:
		return Number(c.StrokeWidth), true
	case FieldNoiseFiltering:
		return Flag(c.NoiseFiltering), true
	case FieldPreserveColors:
		return Flag(c.PreserveColors), true
	case FieldBackgroundRemoval:
		return Flag(c.BackgroundRemoval), true
	case FieldBackgroundRemovalStrength:
		return Number(c.BackgroundRemovalStrength), true
	case FieldEnableFlowTracing:
		return Flag(c.EnableFlowTracing), true
	case FieldEnableBezierFitting:
		return Flag(c.EnableBezierFitting), true
	case FieldEnableEtfFdog:
		return Flag(c.EnableEtfFdog), true
	case FieldPassCount:
		if c.Edge != nil {
			return Int(c.Edge.PassCount), true
		}
	case FieldEnableReversePass:
		if c.Edge != nil {
			return Flag(c.Edge.EnableReversePass), true
		}
	case FieldEnableDiagonalPass:
		if c.Edge != nil {
			return Flag(c.Edge.EnableDiagonalPass), true
		}
	case FieldWindowSize:
		if c.Centerline != nil {
			return Int(c.Centerline.WindowSize), true
		}
	case FieldSensitivityK:
		if c.Centerline != nil {
			return Number(c.Centerline.SensitivityK), true
		}
	case FieldMinBranchLength:
		if c.Centerline != nil {
			return Int(c.Centerline.MinBranchLength), true
		}
	case FieldDouglasPeuckerEpsilon:
		if c.Centerline != nil {
			return Number(c.Centerline.DouglasPeuckerEpsilon), true
		}
	case FieldEnableAdaptiveThreshold:
		if c.Centerline != nil {
			return Flag(c.Centerline.EnableAdaptiveThreshold), true
		}
	case FieldNumSuperpixels:
		if c.Superpixel != nil {
			return Int(c.Superpixel.NumSuperpixels), true
		}
	case FieldCompactness:
		if c.Superpixel != nil {
			return Number(c.Superpixel.Compactness), true
		}
	case FieldSlicIterations:
		if c.Superpixel != nil {
			return Int(c.Superpixel.SlicIterations), true
		}
	case FieldFillRegions:
		if c.Superpixel != nil {
			return Flag(c.Superpixel.FillRegions), true
		}
	case FieldStrokeRegions:
		if c.Superpixel != nil {
			return Flag(c.Superpixel.StrokeRegions), true
		}
	case FieldMinRadius:
		if c.Dots != nil {
			return Number(c.Dots.MinRadius), true
		}
	case FieldMaxRadius:
		if c.Dots != nil {
			return Number(c.Dots.MaxRadius), true
		}
	case FieldDotDensity:
		if c.Dots != nil {
			return Number(c.Dots.DotDensity), true
		}
	case FieldAdaptiveSizing:
		if c.Dots != nil {
			return Flag(c.Dots.AdaptiveSizing), true
		}
	}
	return Value{}, false
}

// With returns a copy of c with one field replaced. Setting FieldBackend
// replaces the whole config with the target backend's defaults; the resolver
// is responsible for carrying user values across. The receiver is never
// modified.
func (c AlgorithmConfig) With(f Field, v Value) (AlgorithmConfig, error) {
	spec, ok := LookupField(f)
	if !ok {
		return c, fmt.Errorf("%w: %q", ErrUnknownField, f)
	}
	if err := spec.check(v); err != nil {
		return c, err
	}
	if _, present := c.Get(f); !present {
		return c, fmt.Errorf("%w: %s is a %s parameter, config is %s", ErrFieldNotApplicable, f, spec.Backend, c.Backend)
	}

	out := c.Clone()
	switch f {
	case FieldBackend:
		if v.backend == c.Backend {
			return out, nil
		}
		return Defaults(v.backend), nil
	case FieldDetail:
		out.Detail = v.num
	case FieldStrokeWidth:
		out.StrokeWidth = v.num
	case FieldNoiseFiltering:
		out.NoiseFiltering = v.flag
	case FieldPreserveColors:
		out.PreserveColors = v.flag
	case FieldBackgroundRemoval:
		out.BackgroundRemoval = v.flag
	case FieldBackgroundRemovalStrength:
		out.BackgroundRemovalStrength = v.num
	case FieldEnableFlowTracing:
		out.EnableFlowTracing = v.flag
	case FieldEnableBezierFitting:
		out.EnableBezierFitting = v.flag
	case FieldEnableEtfFdog:
		out.EnableEtfFdog = v.flag
	case FieldPassCount:
		out.Edge.PassCount = roundInt(v.num)
	case FieldEnableReversePass:
		out.Edge.EnableReversePass = v.flag
	case FieldEnableDiagonalPass:
		out.Edge.EnableDiagonalPass = v.flag
	case FieldWindowSize:
		out.Centerline.WindowSize = roundInt(v.num)
	case FieldSensitivityK:
		out.Centerline.SensitivityK = v.num
	case FieldMinBranchLength:
		out.Centerline.MinBranchLength = roundInt(v.num)
	case FieldDouglasPeuckerEpsilon:
		out.Centerline.DouglasPeuckerEpsilon = v.num
	case FieldEnableAdaptiveThreshold:
		out.Centerline.EnableAdaptiveThreshold = v.flag
	case FieldNumSuperpixels:
		out.Superpixel.NumSuperpixels = roundInt(v.num)
	case FieldCompactness:
		out.Superpixel.Compactness = v.num
	case FieldSlicIterations:
		out.Superpixel.SlicIterations = roundInt(v.num)
	case FieldFillRegions:
		out.Superpixel.FillRegions = v.flag
	case FieldStrokeRegions:
		out.Superpixel.StrokeRegions = v.flag
	case FieldMinRadius:
		out.Dots.MinRadius = v.num
	case FieldMaxRadius:
		out.Dots.MaxRadius = v.num
	case FieldDotDensity:
		out.Dots.DotDensity = v.num
	case FieldAdaptiveSizing:
		out.Dots.AdaptiveSizing = v.flag
	default:
		return c, fmt.Errorf("%w: %q", ErrUnknownField, f)
	}
	return out, nil
}

// Partial lists every field present on this config, backend excluded.
func (c AlgorithmConfig) Partial() Partial {
	out := make(Partial, len(fieldTable))
	for _, spec := range fieldTable {
		if spec.Name == FieldBackend {
			continue
		}
		if v, ok := c.Get(spec.Name); ok {
			out[spec.Name] = v
		}
	}
	return out
}

// Merge applies p on top of base in canonical field order. FieldBackend in p
// is ignored; fields that do not exist on base's backend are an error.
func Merge(base AlgorithmConfig, p Partial) (AlgorithmConfig, error) {
	out := base.Clone()
	for _, f := range p.Fields() {
		if f == FieldBackend {
			continue
		}
		next, err := out.With(f, p[f])
		if err != nil {
			return base, err
		}
		out = next
	}
	return out, nil
}
