package params

// Normalize clamps every field in p into its engine-safe range for backend.
// Integer fields are rounded. Fields that belong to another backend's
// section, or that are unknown, are dropped. When both dots radii are present
// and min_radius >= max_radius, max_radius becomes min_radius + 0.5.
//
// Normalize never fails, never modifies p and is idempotent.
func Normalize(p Partial, backend Backend) Partial {
	out := make(Partial, len(p))
	for f, v := range p {
		spec, ok := LookupField(f)
		if !ok {
			continue
		}
		if !spec.Universal() && spec.Backend != backend {
			continue
		}
		if spec.check(v) != nil {
			continue
		}
		if spec.numeric() {
			v = Number(spec.clamp(v.num))
		}
		out[f] = v
	}

	minR, hasMin := out[FieldMinRadius]
	maxR, hasMax := out[FieldMaxRadius]
	if hasMin && hasMax && minR.num >= maxR.num {
		spec, _ := LookupField(FieldMaxRadius)
		out[FieldMaxRadius] = Number(spec.clamp(minR.num + radiusGap))
	}
	return out
}

// NormalizeConfig returns cfg with every field normalized. A config whose
// backend section is missing gets that backend's defaults for the section.
func NormalizeConfig(cfg AlgorithmConfig) AlgorithmConfig {
	if !cfg.Backend.Valid() {
		return cfg.Clone()
	}
	base := Defaults(cfg.Backend)
	p := cfg.Partial()
	for f := range p {
		spec, _ := LookupField(f)
		if !spec.Universal() && spec.Backend != cfg.Backend {
			delete(p, f)
		}
	}
	out, err := Merge(base, Normalize(p, cfg.Backend))
	if err != nil {
		// Normalize only keeps fields valid for the backend.
		return base
	}
	return out
}
