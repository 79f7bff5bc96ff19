package params

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

var ErrUnknownPreset = errors.New("unknown preset")

// Preset is a named starting point for one backend.
type Preset struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Backend     Backend `json:"backend"`
	Values      Partial `json:"values"`
}

var titleCaser = cases.Title(language.English)

// Title is the display name, e.g. "line-art" becomes "Line Art".
func (p Preset) Title() string {
	return titleCaser.String(strings.NewReplacer("-", " ", "_", " ").Replace(p.Name))
}

// Config expands the preset into a normalized config.
func (p Preset) Config() (AlgorithmConfig, error) {
	if !p.Backend.Valid() {
		return AlgorithmConfig{}, fmt.Errorf("preset %q: %w: backend %q", p.Name, ErrInvalidValue, p.Backend)
	}
	cfg, err := Merge(Defaults(p.Backend), Normalize(p.Values, p.Backend))
	if err != nil {
		return AlgorithmConfig{}, fmt.Errorf("preset %q: %w", p.Name, err)
	}
	return NormalizeConfig(cfg), nil
}

func (p Preset) validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("preset name is required")
	}
	for f := range p.Values {
		spec, ok := LookupField(f)
		if !ok {
			return fmt.Errorf("preset %q: %w: %q", p.Name, ErrUnknownField, f)
		}
		if f == FieldBackend {
			return fmt.Errorf("preset %q: backend belongs in the backend key", p.Name)
		}
		if !spec.Universal() && spec.Backend != p.Backend {
			return fmt.Errorf("preset %q: %w: %s on %s", p.Name, ErrFieldNotApplicable, f, p.Backend)
		}
	}
	_, err := p.Config()
	return err
}

// BuiltinPresets returns the presets shipped with the service.
func BuiltinPresets() []Preset {
	return []Preset{
		{
			Name:        "line-art",
			Description: "clean single-weight outlines with smooth curves",
			Backend:     BackendEdge,
			Values: Partial{
				FieldDetail:              Number(0.6),
				FieldStrokeWidth:         Number(1.2),
				FieldEnableFlowTracing:   Flag(true),
				FieldEnableBezierFitting: Flag(true),
				FieldPassCount:           Int(2),
			},
		},
		{
			Name:        "sketch",
			Description: "loose multi-pass pencil look",
			Backend:     BackendEdge,
			Values: Partial{
				FieldDetail:            Number(0.8),
				FieldStrokeWidth:       Number(0.8),
				FieldEnableEtfFdog:     Flag(true),
				FieldPassCount:         Int(3),
				FieldEnableReversePass: Flag(true),
			},
		},
		{
			Name:        "technical",
			Description: "skeleton strokes for diagrams and lettering",
			Backend:     BackendCenterline,
			Values: Partial{
				FieldDetail:                Number(0.7),
				FieldWindowSize:            Int(30),
				FieldDouglasPeuckerEpsilon: Number(0.8),
			},
		},
		{
			Name:        "poster",
			Description: "flat filled color regions",
			Backend:     BackendSuperpixel,
			Values: Partial{
				FieldPreserveColors: Flag(true),
				FieldNumSuperpixels: Int(150),
				FieldCompactness:    Number(20),
				FieldStrokeRegions:  Flag(false),
			},
		},
		{
			Name:        "comic",
			Description: "filled regions with dark outlines",
			Backend:     BackendSuperpixel,
			Values: Partial{
				FieldPreserveColors: Flag(true),
				FieldNumSuperpixels: Int(300),
				FieldStrokeWidth:    Number(1.5),
			},
		},
		{
			Name:        "stipple",
			Description: "monochrome stippling",
			Backend:     BackendDots,
			Values: Partial{
				FieldDetail:     Number(0.7),
				FieldMinRadius:  Number(0.5),
				FieldMaxRadius:  Number(2.5),
				FieldDotDensity: Number(0.6),
			},
		},
		{
			Name:        "pointillism",
			Description: "large colored dots",
			Backend:     BackendDots,
			Values: Partial{
				FieldPreserveColors: Flag(true),
				FieldMinRadius:      Number(1),
				FieldMaxRadius:      Number(4),
				FieldDotDensity:     Number(0.5),
			},
		},
	}
}

// Catalog is an ordered, name-indexed preset set.
type Catalog struct {
	order  []string
	byName map[string]Preset
}

// NewCatalog validates presets and indexes them. Later presets with the same
// name replace earlier ones in place.
func NewCatalog(presets ...Preset) (*Catalog, error) {
	c := &Catalog{byName: make(map[string]Preset, len(presets))}
	for _, p := range presets {
		p.Name = strings.TrimSpace(p.Name)
		if err := p.validate(); err != nil {
			return nil, err
		}
		if _, ok := c.byName[p.Name]; !ok {
			c.order = append(c.order, p.Name)
		}
		p.Values = p.Values.Clone()
		c.byName[p.Name] = p
	}
	return c, nil
}

// DefaultCatalog holds the builtin presets.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(BuiltinPresets()...)
	if err != nil {
		panic(fmt.Errorf("builtin presets: %w", err))
	}
	return c
}

func (c *Catalog) Get(name string) (Preset, bool) {
	p, ok := c.byName[strings.TrimSpace(name)]
	return p, ok
}

func (c *Catalog) List() []Preset {
	out := make([]Preset, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.byName[name])
	}
	return out
}

type presetFile struct {
	Presets []presetDoc `yaml:"presets"`
}

type presetDoc struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Backend     string         `yaml:"backend"`
	Values      map[string]any `yaml:"values"`
}

// ParsePresets decodes a YAML preset document.
func ParsePresets(data []byte) ([]Preset, error) {
	var doc presetFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode presets: %w", err)
	}
	out := make([]Preset, 0, len(doc.Presets))
	for _, d := range doc.Presets {
		b, err := ParseBackend(d.Backend)
		if err != nil {
			return nil, fmt.Errorf("preset %q: %w", d.Name, err)
		}
		values, err := ParsePartial(d.Values)
		if err != nil {
			return nil, fmt.Errorf("preset %q: %w", d.Name, err)
		}
		out = append(out, Preset{Name: d.Name, Description: d.Description, Backend: b, Values: values})
	}
	return out, nil
}

// LoadCatalog returns the builtin presets extended, or overridden by name,
// with the presets in path. An empty path yields the builtins.
func LoadCatalog(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read presets: %w", err)
	}
	extra, err := ParsePresets(data)
	if err != nil {
		return nil, err
	}
	return NewCatalog(append(BuiltinPresets(), extra...)...)
}
