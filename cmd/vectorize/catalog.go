package main

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/robmcdonald5/vec2art-sub009/internal/params"
	"github.com/robmcdonald5/vec2art-sub009/internal/resolver"
)

func loadCatalog() (*params.Catalog, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return params.LoadCatalog(cfg.PresetsFile)
}

func newPresetsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "presets",
		Short: "List available presets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := loadCatalog()
			if err != nil {
				return err
			}
			rows := [][]string{{"Name", "Title", "Backend", "Description"}}
			for _, p := range catalog.List() {
				rows = append(rows, []string{p.Name, p.Title(), string(p.Backend), p.Description})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
		},
	}
}

func newFieldsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fields",
		Short: "List configurable fields",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rows := [][]string{{"Field", "Kind", "Range", "Backend", "Description"}}
			for _, s := range params.FieldSpecs() {
				rows = append(rows, fieldRow(s))
			}
			return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
		},
	}
}

func fieldRow(s params.FieldSpec) []string {
	rng := ""
	if s.Kind == params.KindNumber || s.Kind == params.KindInt {
		rng = fmt.Sprintf("%g..%g", s.Min, s.Max)
	}
	scope := string(s.Backend)
	if s.Universal() {
		scope = "all"
	}
	return []string{string(s.Name), string(s.Kind), rng, scope, s.Description}
}

func newValidateCmd() *cobra.Command {
	var f sessionFlags
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Resolve a configuration and report problems without running it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := loadCatalog()
			if err != nil {
				return err
			}
			r := resolver.New(catalog, params.BackendEdge)
			if err := f.apply(r); err != nil {
				return err
			}
			st := r.State()
			pterm.Info.Printfln("backend %s, mode %s", st.Resolved.Backend, st.Mode)
			report := r.Validate()
			for _, is := range report.Warnings {
				pterm.Warning.Printfln("%s: %s", is.Field, is.Message)
			}
			for _, is := range report.Errors {
				pterm.Error.Printfln("%s: %s", is.Field, is.Message)
			}
			if err := report.Err(); err != nil {
				return err
			}
			pterm.Success.Println("configuration is valid")
			return nil
		},
	}
	f.register(cmd)
	return cmd
}
