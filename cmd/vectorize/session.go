package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/robmcdonald5/vec2art-sub009/internal/infra"
	"github.com/robmcdonald5/vec2art-sub009/internal/params"
)

// session is the part of a configuration session the CLI drives. Both the
// resolver and the orchestrator facade satisfy it.
type session interface {
	SelectPreset(name string) error
	UpdateField(f params.Field, v params.Value) error
	Validate() params.Report
}

type sessionFlags struct {
	Preset  string
	Backend string
	Sets    []string
}

func (f *sessionFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.Preset, "preset", "", "start from a named preset")
	cmd.Flags().StringVar(&f.Backend, "backend", "", "edge, centerline, superpixel or dots")
	cmd.Flags().StringArrayVar(&f.Sets, "set", nil, "override a field, e.g. --set detail=0.7 (repeatable)")
}

// apply selects the preset, then the backend, then each override in order.
func (f *sessionFlags) apply(s session) error {
	if f.Preset != "" {
		if err := s.SelectPreset(f.Preset); err != nil {
			return err
		}
	}
	if f.Backend != "" {
		b, err := params.ParseBackend(f.Backend)
		if err != nil {
			return err
		}
		if err := s.UpdateField(params.FieldBackend, params.BackendValue(b)); err != nil {
			return err
		}
	}
	for _, kv := range f.Sets {
		field, v, err := parseSet(kv)
		if err != nil {
			return err
		}
		if err := s.UpdateField(field, v); err != nil {
			return fmt.Errorf("--set %s: %w", kv, err)
		}
	}
	return nil
}

func parseSet(kv string) (params.Field, params.Value, error) {
	k, raw, ok := strings.Cut(kv, "=")
	if !ok || strings.TrimSpace(k) == "" {
		return "", params.Value{}, fmt.Errorf("--set %q: expected field=value", kv)
	}
	field := params.Field(strings.TrimSpace(k))
	v, err := params.ParseValue(field, raw)
	if err != nil {
		return "", params.Value{}, err
	}
	return field, v, nil
}

// loadConfig reads the environment and applies CLI overrides.
func loadConfig() (*infra.Config, error) {
	cfg, err := infra.LoadConfig()
	if err != nil {
		return nil, err
	}
	if flags.PresetsFile != "" {
		cfg.PresetsFile = flags.PresetsFile
	}
	return cfg, nil
}

func cliLogger(cfg *infra.Config) zerolog.Logger {
	level := cfg.LogLevel
	if !flags.Verbose && level == "" {
		level = "warn"
	}
	return infra.NewLoggerTo(os.Stderr, cfg.AppEnv, level, cfg.LogFile)
}
