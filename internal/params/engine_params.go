package params

// EngineParams is the flat parameter block sent to the engine. It mirrors
// AlgorithmConfig after the downstream fix-ups the engine expects.
type EngineParams struct {
	Backend                   string  `msgpack:"backend" json:"backend"`
	Detail                    float64 `msgpack:"detail" json:"detail"`
	StrokeWidth               float64 `msgpack:"stroke_width" json:"stroke_width"`
	NoiseFiltering            bool    `msgpack:"noise_filtering" json:"noise_filtering"`
	PreserveColors            bool    `msgpack:"preserve_colors" json:"preserve_colors"`
	BackgroundRemoval         bool    `msgpack:"background_removal" json:"background_removal"`
	BackgroundRemovalStrength float64 `msgpack:"background_removal_strength" json:"background_removal_strength"`

	EnableFlowTracing   bool `msgpack:"enable_flow_tracing" json:"enable_flow_tracing"`
	EnableBezierFitting bool `msgpack:"enable_bezier_fitting" json:"enable_bezier_fitting"`
	EnableEtfFdog       bool `msgpack:"enable_etf_fdog" json:"enable_etf_fdog"`

	PassCount          int  `msgpack:"pass_count,omitempty" json:"pass_count,omitempty"`
	EnableReversePass  bool `msgpack:"enable_reverse_pass,omitempty" json:"enable_reverse_pass,omitempty"`
	EnableDiagonalPass bool `msgpack:"enable_diagonal_pass,omitempty" json:"enable_diagonal_pass,omitempty"`

	WindowSize              int     `msgpack:"window_size,omitempty" json:"window_size,omitempty"`
	SensitivityK            float64 `msgpack:"sensitivity_k,omitempty" json:"sensitivity_k,omitempty"`
	MinBranchLength         int     `msgpack:"min_branch_length,omitempty" json:"min_branch_length,omitempty"`
	DouglasPeuckerEpsilon   float64 `msgpack:"douglas_peucker_epsilon,omitempty" json:"douglas_peucker_epsilon,omitempty"`
	EnableAdaptiveThreshold bool    `msgpack:"enable_adaptive_threshold,omitempty" json:"enable_adaptive_threshold,omitempty"`

	NumSuperpixels int     `msgpack:"num_superpixels,omitempty" json:"num_superpixels,omitempty"`
	Compactness    float64 `msgpack:"compactness,omitempty" json:"compactness,omitempty"`
	SlicIterations int     `msgpack:"slic_iterations,omitempty" json:"slic_iterations,omitempty"`
	FillRegions    bool    `msgpack:"fill_regions,omitempty" json:"fill_regions,omitempty"`
	StrokeRegions  bool    `msgpack:"stroke_regions,omitempty" json:"stroke_regions,omitempty"`

	MinRadius      float64 `msgpack:"min_radius,omitempty" json:"min_radius,omitempty"`
	MaxRadius      float64 `msgpack:"max_radius,omitempty" json:"max_radius,omitempty"`
	DotDensity     float64 `msgpack:"dot_density,omitempty" json:"dot_density,omitempty"`
	AdaptiveSizing bool    `msgpack:"adaptive_sizing,omitempty" json:"adaptive_sizing,omitempty"`
}

// ToEngineParams flattens a validated config. Bezier fitting is dropped when
// flow tracing is off, and edge features are dropped on non-edge backends.
func ToEngineParams(cfg AlgorithmConfig) EngineParams {
	p := EngineParams{
		Backend:                   string(cfg.Backend),
		Detail:                    cfg.Detail,
		StrokeWidth:               cfg.StrokeWidth,
		NoiseFiltering:            cfg.NoiseFiltering,
		PreserveColors:            cfg.PreserveColors,
		BackgroundRemoval:         cfg.BackgroundRemoval,
		BackgroundRemovalStrength: cfg.BackgroundRemovalStrength,
	}
	if cfg.Backend == BackendEdge {
		p.EnableFlowTracing = cfg.EnableFlowTracing
		p.EnableBezierFitting = cfg.EnableBezierFitting && cfg.EnableFlowTracing
		p.EnableEtfFdog = cfg.EnableEtfFdog
	}
	if s := cfg.Edge; s != nil {
		p.PassCount = s.PassCount
		p.EnableReversePass = s.EnableReversePass
		p.EnableDiagonalPass = s.EnableDiagonalPass
	}
	if s := cfg.Centerline; s != nil {
		p.WindowSize = s.WindowSize
		p.SensitivityK = s.SensitivityK
		p.MinBranchLength = s.MinBranchLength
		p.DouglasPeuckerEpsilon = s.DouglasPeuckerEpsilon
		p.EnableAdaptiveThreshold = s.EnableAdaptiveThreshold
	}
	if s := cfg.Superpixel; s != nil {
		p.NumSuperpixels = s.NumSuperpixels
		p.Compactness = s.Compactness
		p.SlicIterations = s.SlicIterations
		p.FillRegions = s.FillRegions
		p.StrokeRegions = s.StrokeRegions
	}
	if s := cfg.Dots; s != nil {
		p.MinRadius = s.MinRadius
		p.MaxRadius = s.MaxRadius
		p.DotDensity = s.DotDensity
		p.AdaptiveSizing = s.AdaptiveSizing
	}
	return p
}
