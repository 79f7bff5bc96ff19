package params

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var (
	ErrUnknownField       = errors.New("unknown field")
	ErrInvalidValue       = errors.New("invalid value")
	ErrFieldNotApplicable = errors.New("field not applicable to backend")
	ErrInvalidConfig      = errors.New("invalid configuration")
)

// Field names one configurable parameter. Names double as the wire and
// query-string keys.
type Field string

const (
	FieldBackend Field = "backend"

	FieldDetail                    Field = "detail"
	FieldStrokeWidth               Field = "stroke_width"
	FieldNoiseFiltering            Field = "noise_filtering"
	FieldPreserveColors            Field = "preserve_colors"
	FieldBackgroundRemoval         Field = "background_removal"
	FieldBackgroundRemovalStrength Field = "background_removal_strength"

	FieldEnableFlowTracing   Field = "enable_flow_tracing"
	FieldEnableBezierFitting Field = "enable_bezier_fitting"
	FieldEnableEtfFdog       Field = "enable_etf_fdog"

	FieldPassCount          Field = "pass_count"
	FieldEnableReversePass  Field = "enable_reverse_pass"
	FieldEnableDiagonalPass Field = "enable_diagonal_pass"

	FieldWindowSize              Field = "window_size"
	FieldSensitivityK            Field = "sensitivity_k"
	FieldMinBranchLength         Field = "min_branch_length"
	FieldDouglasPeuckerEpsilon   Field = "douglas_peucker_epsilon"
	FieldEnableAdaptiveThreshold Field = "enable_adaptive_threshold"

	FieldNumSuperpixels Field = "num_superpixels"
	FieldCompactness    Field = "compactness"
	FieldSlicIterations Field = "slic_iterations"
	FieldFillRegions    Field = "fill_regions"
	FieldStrokeRegions  Field = "stroke_regions"

	FieldMinRadius      Field = "min_radius"
	FieldMaxRadius      Field = "max_radius"
	FieldDotDensity     Field = "dot_density"
	FieldAdaptiveSizing Field = "adaptive_sizing"
)

// Kind is the value type a field accepts.
type Kind string

const (
	KindNumber  Kind = "number"
	KindInt     Kind = "int"
	KindFlag    Kind = "flag"
	KindBackend Kind = "backend"
)

// FieldSpec describes one field: its type, bounds and scope.
type FieldSpec struct {
	Name Field   `json:"name"`
	Kind Kind    `json:"kind"`
	Min  float64 `json:"min,omitempty"`
	Max  float64 `json:"max,omitempty"`
	// Backend is empty for universal fields.
	Backend Backend `json:"backend,omitempty"`
	// EdgeFeature marks toggles only the edge backend honours.
	EdgeFeature bool `json:"edge_feature,omitempty"`
	// Sticky fields follow the user across a backend switch.
	Sticky      bool   `json:"sticky,omitempty"`
	Description string `json:"description"`
}

// Universal reports whether the field exists on every backend.
func (s FieldSpec) Universal() bool { return s.Backend == "" }

func (s FieldSpec) numeric() bool { return s.Kind == KindNumber || s.Kind == KindInt }

func (s FieldSpec) clamp(v float64) float64 {
	if math.IsNaN(v) {
		v = s.Min
	}
	v = math.Min(math.Max(v, s.Min), s.Max)
	if s.Kind == KindInt {
		v = math.Round(v)
	}
	return v
}

func (s FieldSpec) inBounds(v float64) bool {
	if math.IsNaN(v) || v < s.Min || v > s.Max {
		return false
	}
	if s.Kind == KindInt && v != math.Trunc(v) {
		return false
	}
	return true
}

// check verifies the value's kind matches the field.
func (s FieldSpec) check(v Value) error {
	switch s.Kind {
	case KindNumber, KindInt:
		if v.kind != valueNumber {
			return fmt.Errorf("%w: %s expects a number", ErrInvalidValue, s.Name)
		}
	case KindFlag:
		if v.kind != valueFlag {
			return fmt.Errorf("%w: %s expects true or false", ErrInvalidValue, s.Name)
		}
	case KindBackend:
		if v.kind != valueBackend || !v.backend.Valid() {
			return fmt.Errorf("%w: %s expects one of edge, centerline, superpixel, dots", ErrInvalidValue, s.Name)
		}
	}
	return nil
}

var fieldTable = []FieldSpec{
	{Name: FieldBackend, Kind: KindBackend, Description: "vectorization algorithm"},

	{Name: FieldDetail, Kind: KindNumber, Min: 0, Max: 1, Sticky: true, Description: "amount of detail kept from the source"},
	{Name: FieldStrokeWidth, Kind: KindNumber, Min: 0.1, Max: 10, Sticky: true, Description: "output stroke width in pixels"},
	{Name: FieldNoiseFiltering, Kind: KindFlag, Description: "denoise before tracing"},
	{Name: FieldPreserveColors, Kind: KindFlag, Sticky: true, Description: "keep source colors instead of monochrome"},
	{Name: FieldBackgroundRemoval, Kind: KindFlag, Description: "remove a uniform background"},
	{Name: FieldBackgroundRemovalStrength, Kind: KindNumber, Min: 0, Max: 1, Description: "background removal aggressiveness"},

	{Name: FieldEnableFlowTracing, Kind: KindFlag, EdgeFeature: true, Description: "ETF-guided flow tracing"},
	{Name: FieldEnableBezierFitting, Kind: KindFlag, EdgeFeature: true, Description: "fit cubic Bezier curves to traced paths"},
	{Name: FieldEnableEtfFdog, Kind: KindFlag, EdgeFeature: true, Description: "ETF/FDoG edge detection"},

	{Name: FieldPassCount, Kind: KindInt, Min: 1, Max: 10, Backend: BackendEdge, Description: "number of tracing passes"},
	{Name: FieldEnableReversePass, Kind: KindFlag, Backend: BackendEdge, Description: "add a reverse direction pass"},
	{Name: FieldEnableDiagonalPass, Kind: KindFlag, Backend: BackendEdge, Description: "add a diagonal pass"},

	{Name: FieldWindowSize, Kind: KindInt, Min: 15, Max: 50, Backend: BackendCenterline, Description: "adaptive threshold window"},
	{Name: FieldSensitivityK, Kind: KindNumber, Min: 0.1, Max: 1, Backend: BackendCenterline, Description: "threshold sensitivity"},
	{Name: FieldMinBranchLength, Kind: KindInt, Min: 4, Max: 24, Backend: BackendCenterline, Description: "shortest skeleton branch kept"},
	{Name: FieldDouglasPeuckerEpsilon, Kind: KindNumber, Min: 0.5, Max: 3, Backend: BackendCenterline, Description: "path simplification tolerance"},
	{Name: FieldEnableAdaptiveThreshold, Kind: KindFlag, Backend: BackendCenterline, Description: "adaptive instead of global threshold"},

	{Name: FieldNumSuperpixels, Kind: KindInt, Min: 20, Max: 1000, Backend: BackendSuperpixel, Description: "target region count"},
	{Name: FieldCompactness, Kind: KindNumber, Min: 1, Max: 50, Backend: BackendSuperpixel, Description: "SLIC compactness"},
	{Name: FieldSlicIterations, Kind: KindInt, Min: 5, Max: 15, Backend: BackendSuperpixel, Description: "SLIC iterations"},
	{Name: FieldFillRegions, Kind: KindFlag, Backend: BackendSuperpixel, Description: "fill regions"},
	{Name: FieldStrokeRegions, Kind: KindFlag, Backend: BackendSuperpixel, Description: "outline regions"},

	{Name: FieldMinRadius, Kind: KindNumber, Min: 0.2, Max: 9.5, Backend: BackendDots, Description: "smallest dot radius"},
	{Name: FieldMaxRadius, Kind: KindNumber, Min: 0.5, Max: 10, Backend: BackendDots, Description: "largest dot radius"},
	{Name: FieldDotDensity, Kind: KindNumber, Min: 0.05, Max: 1, Backend: BackendDots, Description: "dot placement density"},
	{Name: FieldAdaptiveSizing, Kind: KindFlag, Backend: BackendDots, Description: "scale dots by local tone"},
}

// radiusGap is added to min_radius when the dots radii collide.
const radiusGap = 0.5

var fieldIndex = func() map[Field]FieldSpec {
	m := make(map[Field]FieldSpec, len(fieldTable))
	for _, s := range fieldTable {
		m[s.Name] = s
	}
	return m
}()

// LookupField returns the spec for f.
func LookupField(f Field) (FieldSpec, bool) {
	s, ok := fieldIndex[f]
	return s, ok
}

// FieldSpecs returns every field spec in declaration order.
func FieldSpecs() []FieldSpec {
	out := make([]FieldSpec, len(fieldTable))
	copy(out, fieldTable)
	return out
}

// Partial is a sparse set of field values.
type Partial map[Field]Value

// Fields returns the keys sorted by name.
func (p Partial) Fields() []Field {
	out := make([]Field, 0, len(p))
	for f := range p {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (p Partial) Clone() Partial {
	out := make(Partial, len(p))
	for f, v := range p {
		out[f] = v
	}
	return out
}

func roundInt(v float64) int {
	return int(math.Round(v))
}
