package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/robmcdonald5/vec2art-sub009/internal/params"
	"github.com/robmcdonald5/vec2art-sub009/internal/resolver"
)

type configResponse struct {
	Mode           resolver.Mode          `json:"mode"`
	SelectedPreset string                 `json:"selected_preset,omitempty"`
	Overrides      params.Partial         `json:"manual_overrides"`
	Resolved       params.AlgorithmConfig `json:"resolved"`
	Report         params.Report          `json:"report"`
}

func (a *App) configState() configResponse {
	st := a.Orch.ConfigState()
	return configResponse{
		Mode:           st.Mode,
		SelectedPreset: st.SelectedPreset,
		Overrides:      st.ManualOverrides,
		Resolved:       st.Resolved,
		Report:         params.Validate(st.Resolved),
	}
}

func (a *App) GetConfig(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, a.configState())
}

type patchConfigRequest struct {
	Field  params.Field   `json:"field"`
	Value  any            `json:"value"`
	Fields map[string]any `json:"fields"`
}

// PatchConfig applies one field edit or a batch. A batch applies the backend
// first so the remaining fields land in the new backend's section. Edits are
// applied in order and stop at the first error.
func (a *App) PatchConfig(w http.ResponseWriter, r *http.Request) {
	var req patchConfigRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}

	edits := params.Partial{}
	if req.Field != "" {
		v, err := params.ValueFromAny(req.Field, req.Value)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		edits[req.Field] = v
	}
	if len(req.Fields) > 0 {
		batch, err := params.ParsePartial(req.Fields)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		for f, v := range batch {
			edits[f] = v
		}
	}
	if len(edits) == 0 {
		a.error(w, http.StatusBadRequest, "bad_request", "field or fields is required")
		return
	}

	order := edits.Fields()
	if v, ok := edits[params.FieldBackend]; ok {
		if err := a.Orch.UpdateField(params.FieldBackend, v); err != nil {
			a.fail(w, r, err)
			return
		}
	}
	for _, f := range order {
		if f == params.FieldBackend {
			continue
		}
		if err := a.Orch.UpdateField(f, edits[f]); err != nil {
			a.fail(w, r, err)
			return
		}
	}
	a.json(w, http.StatusOK, a.configState())
}

type selectPresetRequest struct {
	Name string `json:"name"`
}

func (a *App) SelectPreset(w http.ResponseWriter, r *http.Request) {
	var req selectPresetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "name is required")
		return
	}
	if err := a.Orch.SelectPreset(req.Name); err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, a.configState())
}

func (a *App) ClearPreset(w http.ResponseWriter, r *http.Request) {
	a.Orch.ClearPreset()
	a.json(w, http.StatusOK, a.configState())
}

func (a *App) ResetConfig(w http.ResponseWriter, r *http.Request) {
	a.Orch.ResetBackend()
	a.json(w, http.StatusOK, a.configState())
}

type presetView struct {
	params.Preset
	Title string `json:"title"`
}

func (a *App) ListPresets(w http.ResponseWriter, r *http.Request) {
	presets := a.Orch.Presets()
	items := make([]presetView, 0, len(presets))
	for _, p := range presets {
		items = append(items, presetView{Preset: p, Title: p.Title()})
	}
	a.json(w, http.StatusOK, map[string]any{"items": items})
}

func (a *App) ListFields(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, map[string]any{"items": params.FieldSpecs()})
}
