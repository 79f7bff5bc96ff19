package params

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeIsIdempotent(t *testing.T) {
	inputs := []struct {
		name    string
		backend Backend
		p       Partial
	}{
		{"empty", BackendEdge, Partial{}},
		{"universal extremes", BackendEdge, Partial{FieldDetail: Number(7), FieldStrokeWidth: Number(-3)}},
		{"nan", BackendEdge, Partial{FieldDetail: Number(math.NaN())}},
		{"fractional ints", BackendCenterline, Partial{FieldWindowSize: Number(17.6), FieldMinBranchLength: Number(100)}},
		{"dots collide", BackendDots, Partial{FieldMinRadius: Number(4), FieldMaxRadius: Number(2)}},
		{"dots collide at ceiling", BackendDots, Partial{FieldMinRadius: Number(50), FieldMaxRadius: Number(50)}},
		{"superpixel", BackendSuperpixel, Partial{FieldNumSuperpixels: Number(5000), FieldCompactness: Number(0)}},
		{"foreign section dropped", BackendDots, Partial{FieldPassCount: Int(3), FieldDetail: Number(0.2)}},
	}
	for _, tc := range inputs {
		t.Run(tc.name, func(t *testing.T) {
			once := Normalize(tc.p, tc.backend)
			twice := Normalize(once, tc.backend)
			assert.Equal(t, once, twice)
		})
	}
}

func TestNormalizeClampsAndRounds(t *testing.T) {
	got := Normalize(Partial{
		FieldDetail:          Number(1.5),
		FieldStrokeWidth:     Number(0),
		FieldWindowSize:      Number(17.6),
		FieldMinBranchLength: Number(2),
	}, BackendCenterline)

	assert.Equal(t, Number(1), got[FieldDetail])
	assert.Equal(t, Number(0.1), got[FieldStrokeWidth])
	assert.Equal(t, Number(18), got[FieldWindowSize])
	assert.Equal(t, Number(4), got[FieldMinBranchLength])
}

func TestNormalizeDotsRadiusFixup(t *testing.T) {
	got := Normalize(Partial{FieldMinRadius: Number(4), FieldMaxRadius: Number(2)}, BackendDots)
	assert.Equal(t, Number(4), got[FieldMinRadius])
	assert.Equal(t, Number(4.5), got[FieldMaxRadius])

	cfg, err := Merge(Defaults(BackendDots), Partial{FieldMinRadius: Number(4), FieldMaxRadius: Number(2)})
	require.NoError(t, err)
	cfg = NormalizeConfig(cfg)
	assert.Equal(t, 4.0, cfg.Dots.MinRadius)
	assert.Equal(t, 4.5, cfg.Dots.MaxRadius)
	assert.True(t, Validate(cfg).OK())
}

func TestNormalizeSingleRadiusLeftAlone(t *testing.T) {
	got := Normalize(Partial{FieldMinRadius: Number(4)}, BackendDots)
	assert.Equal(t, Partial{FieldMinRadius: Number(4)}, got)
}

func TestNormalizeDropsForeignAndUnknownFields(t *testing.T) {
	got := Normalize(Partial{
		FieldPassCount:         Int(2),
		Field("bogus"):         Number(1),
		FieldEnableFlowTracing: Flag(true),
	}, BackendCenterline)
	assert.Equal(t, Partial{FieldEnableFlowTracing: Flag(true)}, got)
}

func TestWithReturnsNewValue(t *testing.T) {
	base := Defaults(BackendEdge)
	next, err := base.With(FieldPassCount, Int(4))
	require.NoError(t, err)

	assert.Equal(t, DefaultPassCount, base.Edge.PassCount)
	assert.Equal(t, 4, next.Edge.PassCount)
	assert.NotSame(t, base.Edge, next.Edge)
}

func TestWithErrors(t *testing.T) {
	base := Defaults(BackendEdge)

	_, err := base.With(Field("nope"), Number(1))
	assert.ErrorIs(t, err, ErrUnknownField)

	_, err = base.With(FieldDetail, Flag(true))
	assert.ErrorIs(t, err, ErrInvalidValue)

	_, err = base.With(FieldWindowSize, Int(20))
	assert.ErrorIs(t, err, ErrFieldNotApplicable)
}

func TestWithBackendLoadsDefaults(t *testing.T) {
	cfg, err := Defaults(BackendEdge).With(FieldBackend, BackendValue(BackendDots))
	require.NoError(t, err)
	assert.True(t, cfg.Equal(Defaults(BackendDots)))
}

func TestDefaultsAreValid(t *testing.T) {
	for _, b := range Backends {
		r := Validate(Defaults(b))
		assert.Empty(t, r.Errors, "backend %s", b)
		assert.Empty(t, r.Warnings, "backend %s", b)
		assert.True(t, Defaults(b).Equal(NormalizeConfig(Defaults(b))), "backend %s", b)
	}
}

func TestValidateEdgeFeatureExclusivity(t *testing.T) {
	centerline := Defaults(BackendCenterline)
	centerline.EnableFlowTracing = true
	r := Validate(centerline)
	require.Len(t, r.Errors, 1)
	assert.Equal(t, FieldEnableFlowTracing, r.Errors[0].Field)
	assert.Equal(t, CodeBackendFeature, r.Errors[0].Code)

	superpixel := Defaults(BackendSuperpixel)
	superpixel.EnableEtfFdog = true
	assert.False(t, Validate(superpixel).OK())

	dots := Defaults(BackendDots)
	dots.EnableBezierFitting = true
	r = Validate(dots)
	assert.True(t, r.OK())
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, CodeFeatureIgnored, r.Warnings[0].Code)
}

func TestValidateOutOfRange(t *testing.T) {
	cfg := Defaults(BackendSuperpixel)
	cfg.Detail = 1.2
	cfg.Superpixel.NumSuperpixels = 5

	r := Validate(cfg)
	fields := map[Field]bool{}
	for _, is := range r.Errors {
		fields[is.Field] = true
		assert.Equal(t, CodeOutOfRange, is.Code)
	}
	assert.True(t, fields[FieldDetail])
	assert.True(t, fields[FieldNumSuperpixels])

	var verr *ValidationError
	require.ErrorAs(t, r.Err(), &verr)
	assert.Len(t, verr.Issues, 2)
	assert.ErrorIs(t, r.Err(), ErrInvalidConfig)
}

func TestValidateSectionMismatch(t *testing.T) {
	cfg := Defaults(BackendEdge)
	cfg.Dots = &DotsSection{MinRadius: 1, MaxRadius: 2, DotDensity: 0.5}
	r := Validate(cfg)
	require.NotEmpty(t, r.Errors)
	assert.Equal(t, CodeSectionMismatch, r.Errors[0].Code)

	missing := AlgorithmConfig{Backend: BackendCenterline, Detail: 0.5, StrokeWidth: 1}
	assert.False(t, Validate(missing).OK())

	assert.False(t, Validate(AlgorithmConfig{Backend: "laser"}).OK())
}

func TestValidateRadiusOrder(t *testing.T) {
	cfg := Defaults(BackendDots)
	cfg.Dots.MinRadius = 3
	cfg.Dots.MaxRadius = 3
	r := Validate(cfg)
	require.Len(t, r.Errors, 1)
	assert.Equal(t, CodeRadiusOrder, r.Errors[0].Code)
}

func TestBezierWithoutFlowTracingIsAutofixed(t *testing.T) {
	cfg := Defaults(BackendEdge)
	cfg.EnableBezierFitting = true

	r := Validate(cfg)
	assert.True(t, r.OK())
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, CodeFeatureAutofix, r.Warnings[0].Code)

	p := ToEngineParams(cfg)
	assert.False(t, p.EnableBezierFitting)

	cfg.EnableFlowTracing = true
	p = ToEngineParams(cfg)
	assert.True(t, p.EnableBezierFitting)
	assert.True(t, p.EnableFlowTracing)
}

func TestEngineParamsDropEdgeFeaturesOffEdge(t *testing.T) {
	cfg := Defaults(BackendDots)
	cfg.EnableFlowTracing = true
	p := ToEngineParams(cfg)
	assert.False(t, p.EnableFlowTracing)
	assert.Equal(t, "dots", p.Backend)
	assert.Equal(t, DefaultMaxRadius, p.MaxRadius)
}

func TestParseValue(t *testing.T) {
	v, err := ParseValue(FieldDetail, " 0.25 ")
	require.NoError(t, err)
	assert.Equal(t, Number(0.25), v)

	v, err = ParseValue(FieldPreserveColors, "true")
	require.NoError(t, err)
	assert.Equal(t, Flag(true), v)

	v, err = ParseValue(FieldBackend, "Dots")
	require.NoError(t, err)
	assert.Equal(t, BackendValue(BackendDots), v)

	_, err = ParseValue(FieldDetail, "lots")
	assert.ErrorIs(t, err, ErrInvalidValue)

	_, err = ParseValue(Field("x"), "1")
	assert.ErrorIs(t, err, ErrUnknownField)
}

func TestValueFromAny(t *testing.T) {
	v, err := ValueFromAny(FieldPassCount, 3)
	require.NoError(t, err)
	assert.Equal(t, Int(3), v)

	_, err = ValueFromAny(FieldPassCount, true)
	assert.ErrorIs(t, err, ErrInvalidValue)

	v, err = ValueFromAny(FieldFillRegions, "false")
	require.NoError(t, err)
	assert.Equal(t, Flag(false), v)
}

func TestPresetTitle(t *testing.T) {
	assert.Equal(t, "Line Art", Preset{Name: "line-art"}.Title())
	assert.Equal(t, "Pointillism", Preset{Name: "pointillism"}.Title())
}

func TestBuiltinPresetsResolveToValidConfigs(t *testing.T) {
	c := DefaultCatalog()
	require.Len(t, c.List(), len(BuiltinPresets()))
	for _, p := range c.List() {
		cfg, err := p.Config()
		require.NoError(t, err, p.Name)
		assert.Equal(t, p.Backend, cfg.Backend)
		assert.True(t, Validate(cfg).OK(), p.Name)
	}
}

func TestNewCatalogRejectsForeignFields(t *testing.T) {
	_, err := NewCatalog(Preset{Name: "bad", Backend: BackendDots, Values: Partial{FieldPassCount: Int(2)}})
	assert.ErrorIs(t, err, ErrFieldNotApplicable)
}

func TestLoadCatalogMergesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "presets.yaml")
	doc := `presets:
  - name: sketch
    description: overridden
    backend: edge
    values:
      detail: 0.3
      pass_count: 5
  - name: blueprint
    backend: centerline
    values:
      window_size: 40
      preserve_colors: true
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	c, err := LoadCatalog(path)
	require.NoError(t, err)
	assert.Len(t, c.List(), len(BuiltinPresets())+1)

	sketch, ok := c.Get("sketch")
	require.True(t, ok)
	assert.Equal(t, "overridden", sketch.Description)
	cfg, err := sketch.Config()
	require.NoError(t, err)
	assert.Equal(t, 0.3, cfg.Detail)
	assert.Equal(t, 5, cfg.Edge.PassCount)

	bp, ok := c.Get("blueprint")
	require.True(t, ok)
	cfg, err = bp.Config()
	require.NoError(t, err)
	assert.Equal(t, 40, cfg.Centerline.WindowSize)
	assert.True(t, cfg.PreserveColors)
}

func TestLoadCatalogBadBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p.yaml")
	require.NoError(t, os.WriteFile(path, []byte("presets:\n  - name: x\n    backend: laser\n"), 0o644))
	_, err := LoadCatalog(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidValue))
}
