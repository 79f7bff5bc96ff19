package params

import (
	"fmt"
	"strings"
)

// Issue codes reported by Validate.
const (
	CodeOutOfRange      = "out_of_range"
	CodeRadiusOrder     = "radius_order"
	CodeBackendFeature  = "backend_exclusive_feature"
	CodeSectionMismatch = "section_mismatch"
	CodeUnknownBackend  = "unknown_backend"
	CodeFeatureAutofix  = "feature_autofix"
	CodeFeatureIgnored  = "feature_ignored"
	CodeEmptyOutput     = "empty_output"
	CodeUnusedSetting   = "unused_setting"
)

// Issue is one validation finding tied to a field.
type Issue struct {
	Field   Field  `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Report groups blocking errors and informational warnings.
type Report struct {
	Errors   []Issue `json:"errors"`
	Warnings []Issue `json:"warnings"`
}

func (r Report) OK() bool { return len(r.Errors) == 0 }

// Err returns a *ValidationError when the report has errors.
func (r Report) Err() error {
	if r.OK() {
		return nil
	}
	return &ValidationError{Issues: append([]Issue(nil), r.Errors...)}
}

// ValidationError blocks dispatch of a configuration.
type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, is := range e.Issues {
		parts = append(parts, fmt.Sprintf("%s: %s", is.Field, is.Message))
	}
	return "invalid configuration: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidConfig }

// Validate checks a resolved config. It does not modify or normalize it.
func Validate(cfg AlgorithmConfig) Report {
	var r Report
	errorf := func(f Field, code, format string, args ...any) {
		r.Errors = append(r.Errors, Issue{Field: f, Code: code, Message: fmt.Sprintf(format, args...)})
	}
	warnf := func(f Field, code, format string, args ...any) {
		r.Warnings = append(r.Warnings, Issue{Field: f, Code: code, Message: fmt.Sprintf(format, args...)})
	}

	if !cfg.Backend.Valid() {
		errorf(FieldBackend, CodeUnknownBackend, "unknown backend %q", cfg.Backend)
		return r
	}

	sections := map[Backend]bool{
		BackendEdge:       cfg.Edge != nil,
		BackendCenterline: cfg.Centerline != nil,
		BackendSuperpixel: cfg.Superpixel != nil,
		BackendDots:       cfg.Dots != nil,
	}
	for _, b := range Backends {
		switch {
		case b == cfg.Backend && !sections[b]:
			errorf(FieldBackend, CodeSectionMismatch, "%s parameters are missing", b)
		case b != cfg.Backend && sections[b]:
			errorf(FieldBackend, CodeSectionMismatch, "%s parameters set on a %s config", b, cfg.Backend)
		}
	}

	for _, spec := range fieldTable {
		if !spec.numeric() {
			continue
		}
		if !spec.Universal() && spec.Backend != cfg.Backend {
			continue
		}
		v, ok := cfg.Get(spec.Name)
		if !ok {
			continue
		}
		if !spec.inBounds(v.num) {
			if spec.Kind == KindInt {
				errorf(spec.Name, CodeOutOfRange, "must be a whole number in [%g, %g], got %g", spec.Min, spec.Max, v.num)
			} else {
				errorf(spec.Name, CodeOutOfRange, "must be in [%g, %g], got %g", spec.Min, spec.Max, v.num)
			}
		}
	}

	if cfg.Dots != nil && cfg.Dots.MinRadius >= cfg.Dots.MaxRadius {
		errorf(FieldMinRadius, CodeRadiusOrder, "min_radius %g must be below max_radius %g", cfg.Dots.MinRadius, cfg.Dots.MaxRadius)
	}

	for _, f := range enabledEdgeFeatures(cfg) {
		switch cfg.Backend {
		case BackendCenterline, BackendSuperpixel:
			errorf(f, CodeBackendFeature, "%s is only supported by the edge backend", f)
		case BackendDots:
			warnf(f, CodeFeatureIgnored, "%s is ignored by the dots backend", f)
		}
	}

	if cfg.Backend == BackendEdge && cfg.EnableBezierFitting && !cfg.EnableFlowTracing {
		warnf(FieldEnableBezierFitting, CodeFeatureAutofix, "bezier fitting requires flow tracing and will be disabled")
	}
	if cfg.Superpixel != nil && !cfg.Superpixel.FillRegions && !cfg.Superpixel.StrokeRegions {
		warnf(FieldFillRegions, CodeEmptyOutput, "neither fill_regions nor stroke_regions is enabled, output will be empty")
	}
	if !cfg.BackgroundRemoval && cfg.BackgroundRemovalStrength != DefaultBackgroundRemovalStrength {
		warnf(FieldBackgroundRemovalStrength, CodeUnusedSetting, "background_removal_strength has no effect while background_removal is off")
	}
	return r
}

func enabledEdgeFeatures(cfg AlgorithmConfig) []Field {
	var out []Field
	if cfg.EnableFlowTracing {
		out = append(out, FieldEnableFlowTracing)
	}
	if cfg.EnableBezierFitting {
		out = append(out, FieldEnableBezierFitting)
	}
	if cfg.EnableEtfFdog {
		out = append(out, FieldEnableEtfFdog)
	}
	return out
}
