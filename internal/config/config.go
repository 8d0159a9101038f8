// Package config loads and validates run configuration for an ensemble
// campaign from a .ensemble.yaml file, grounded on the teacher's
// internal/config package: global.go's LoadGlobalConfigFromPath
// ENOENT-falls-back-to-defaults pattern, adapted from a user-wide
// ~/.choo/config.yaml to a per-campaign .ensemble.yaml, and validate.go's
// ValidationError/errors.Join pattern.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hpcflow/ensemble/internal/alloc"
	"github.com/hpcflow/ensemble/internal/history"
	"github.com/hpcflow/ensemble/internal/term"
)

// FieldConfig describes one named field of a sim or gen's input/output
// dtype, the YAML-facing counterpart of history.FieldSpec.
type FieldConfig struct {
	Name  string `yaml:"name"`
	Kind  string `yaml:"kind"` // float64, int, bool, string, float64[]
	Shape []int  `yaml:"shape,omitempty"`
}

// ToFieldSpec converts a FieldConfig to the history package's runtime type.
func (f FieldConfig) ToFieldSpec() (history.FieldSpec, error) {
	kind, err := parseKind(f.Kind)
	if err != nil {
		return history.FieldSpec{}, fmt.Errorf("config: field %q: %w", f.Name, err)
	}
	return history.FieldSpec{Name: f.Name, Kind: kind, Shape: f.Shape}, nil
}

// parseKind maps the YAML-facing kind name to history.FieldKind, matching
// the spellings FieldKind.String() produces.
func parseKind(name string) (history.FieldKind, error) {
	switch name {
	case "float64":
		return history.KindFloat64, nil
	case "int":
		return history.KindInt, nil
	case "bool":
		return history.KindBool, nil
	case "string":
		return history.KindString, nil
	case "float64[]", "float64vector":
		return history.KindFloat64Vector, nil
	default:
		return 0, fmt.Errorf("unknown field kind %q", name)
	}
}

// SimSpecsConfig is the YAML form of the sim_specs half of a campaign.
type SimSpecsConfig struct {
	In         []string      `yaml:"in"`
	Out        []FieldConfig `yaml:"out"`
	SaveEveryK int           `yaml:"save_every_k"`
}

// ToAllocSpecs converts to the runtime type the manager/alloc packages use.
func (c SimSpecsConfig) ToAllocSpecs() (alloc.SimSpecs, error) {
	out, err := toFieldSpecs(c.Out)
	if err != nil {
		return alloc.SimSpecs{}, err
	}
	return alloc.SimSpecs{In: c.In, Out: out, SaveEveryK: c.SaveEveryK}, nil
}

// GenSpecsConfig is the YAML form of the gen_specs half of a campaign.
type GenSpecsConfig struct {
	In            []string      `yaml:"in"`
	Out           []FieldConfig `yaml:"out"`
	SaveEveryK    int           `yaml:"save_every_k"`
	NumActiveGens int           `yaml:"num_active_gens"`
}

// ToAllocSpecs converts to the runtime type the manager/alloc packages use.
func (c GenSpecsConfig) ToAllocSpecs() (alloc.GenSpecs, error) {
	out, err := toFieldSpecs(c.Out)
	if err != nil {
		return alloc.GenSpecs{}, err
	}
	return alloc.GenSpecs{In: c.In, Out: out, SaveEveryK: c.SaveEveryK, NumActiveGens: c.NumActiveGens}, nil
}

func toFieldSpecs(fields []FieldConfig) ([]history.FieldSpec, error) {
	out := make([]history.FieldSpec, len(fields))
	for i, f := range fields {
		spec, err := f.ToFieldSpec()
		if err != nil {
			return nil, err
		}
		out[i] = spec
	}
	return out, nil
}

// StopValConfig names the stop_val field/target pair from the termination
// oracle's early-stop criterion.
type StopValConfig struct {
	Field string  `yaml:"field"`
	Value float64 `yaml:"value"`
}

// ExitCriteriaConfig is the YAML form of term.ExitCriteria, with durations
// expressed as Go duration strings rather than time.Duration. SimMax and
// GenMax are pointers so that an explicit `sim_max: 0` / `gen_max: 0` in
// the YAML (terminate before any dispatch) is distinguishable from the
// field being absent entirely.
type ExitCriteriaConfig struct {
	SimMax               *int           `yaml:"sim_max"`
	GenMax               *int           `yaml:"gen_max"`
	StopVal              *StopValConfig `yaml:"stop_val"`
	ElapsedWallclockTime string         `yaml:"elapsed_wallclock_time"`
}

// ToExitCriteria converts to term.ExitCriteria, parsing the duration
// string the way the teacher's validate.go parses Review.Timeout.
func (c ExitCriteriaConfig) ToExitCriteria() (term.ExitCriteria, error) {
	ec := term.ExitCriteria{SimMax: c.SimMax, GenMax: c.GenMax}
	if c.StopVal != nil {
		ec.StopVal = &term.StopVal{Field: c.StopVal.Field, Val: c.StopVal.Value}
	}
	if c.ElapsedWallclockTime != "" {
		d, err := time.ParseDuration(c.ElapsedWallclockTime)
		if err != nil {
			return term.ExitCriteria{}, fmt.Errorf("config: exit_criteria.elapsed_wallclock_time: %w", err)
		}
		ec.ElapsedWallclockTime = d
	}
	return ec, nil
}

// CheckpointConfig names where the manager's checkpoint store lives.
type CheckpointConfig struct {
	Path string `yaml:"path"`
}

// WorkersConfig names the worker topology: how many worker loops the CLI
// launches for a run.
type WorkersConfig struct {
	Count int `yaml:"count"`
}

// Config is the top-level .ensemble.yaml document.
type Config struct {
	SimSpecs     SimSpecsConfig     `yaml:"sim_specs"`
	GenSpecs     GenSpecsConfig     `yaml:"gen_specs"`
	ExitCriteria ExitCriteriaConfig `yaml:"exit_criteria"`
	Checkpoint   CheckpointConfig   `yaml:"checkpoint"`
	Workers      WorkersConfig      `yaml:"workers"`
	LogLevel     string             `yaml:"log_level"`
}

// Load reads path, falling back to DefaultConfig() when the file doesn't
// exist, mirroring the teacher's LoadGlobalConfigFromPath.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

var errNoExitCriterion = errors.New("at least one of sim_max, gen_max, stop_val, elapsed_wallclock_time must be set")
