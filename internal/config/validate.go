package config

import (
	"errors"
	"fmt"
	"time"
)

// ValidationError contains details about what failed validation.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config.%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// validateConfig checks all config values for validity.
// Returns nil if valid, or joined errors for all validation failures.
func validateConfig(cfg *Config) error {
	var errs []error

	if cfg.Workers.Count < 1 {
		errs = append(errs, &ValidationError{
			Field:   "workers.count",
			Value:   cfg.Workers.Count,
			Message: "must be at least 1",
		})
	}

	if cfg.GenSpecs.NumActiveGens < 0 {
		errs = append(errs, &ValidationError{
			Field:   "gen_specs.num_active_gens",
			Value:   cfg.GenSpecs.NumActiveGens,
			Message: "must be non-negative",
		})
	}

	if cfg.SimSpecs.SaveEveryK < 0 {
		errs = append(errs, &ValidationError{
			Field:   "sim_specs.save_every_k",
			Value:   cfg.SimSpecs.SaveEveryK,
			Message: "must be non-negative (0 = disabled)",
		})
	}

	if cfg.GenSpecs.SaveEveryK < 0 {
		errs = append(errs, &ValidationError{
			Field:   "gen_specs.save_every_k",
			Value:   cfg.GenSpecs.SaveEveryK,
			Message: "must be non-negative (0 = disabled)",
		})
	}

	for i, f := range cfg.SimSpecs.Out {
		if _, err := parseKind(f.Kind); err != nil {
			errs = append(errs, &ValidationError{
				Field:   fmt.Sprintf("sim_specs.out[%d].kind", i),
				Value:   f.Kind,
				Message: err.Error(),
			})
		}
	}
	for i, f := range cfg.GenSpecs.Out {
		if _, err := parseKind(f.Kind); err != nil {
			errs = append(errs, &ValidationError{
				Field:   fmt.Sprintf("gen_specs.out[%d].kind", i),
				Value:   f.Kind,
				Message: err.Error(),
			})
		}
	}

	ec := cfg.ExitCriteria
	if ec.SimMax == nil && ec.GenMax == nil && ec.StopVal == nil && ec.ElapsedWallclockTime == "" {
		errs = append(errs, &ValidationError{
			Field:   "exit_criteria",
			Value:   ec,
			Message: errNoExitCriterion.Error(),
		})
	}
	if ec.ElapsedWallclockTime != "" {
		if _, err := time.ParseDuration(ec.ElapsedWallclockTime); err != nil {
			errs = append(errs, &ValidationError{
				Field:   "exit_criteria.elapsed_wallclock_time",
				Value:   ec.ElapsedWallclockTime,
				Message: fmt.Sprintf("invalid duration: %v", err),
			})
		}
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, &ValidationError{
			Field:   "log_level",
			Value:   cfg.LogLevel,
			Message: "must be one of: debug, info, warn, error",
		})
	}

	if cfg.Checkpoint.Path == "" {
		errs = append(errs, &ValidationError{
			Field:   "checkpoint.path",
			Value:   cfg.Checkpoint.Path,
			Message: "must not be empty",
		})
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
