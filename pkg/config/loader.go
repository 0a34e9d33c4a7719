package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// OverrideFile is an optional second config layered over the main file,
// intended for per-environment tweaks (non-zero values win).
const OverrideFile = "conductor.override.yaml"

// Initialize loads, merges and validates configuration from path.
//
// Steps performed:
//  1. Start from built-in defaults
//  2. Read the YAML file, expanding {{.ENV_VAR}} references
//  3. Unmarshal over the defaults (only keys present in the file override)
//  4. Layer conductor.override.yaml from the same directory, if present
//  5. Validate the result
func Initialize(path string) (*Config, error) {
	cfg := Default()

	if err := loadYAMLInto(path, cfg); err != nil {
		return nil, err
	}

	if overlay, err := loadOverride(overridePathFor(path)); err != nil {
		return nil, err
	} else if overlay != nil {
		if err := mergo.Merge(cfg, overlay, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge override config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	slog.Info("Configuration initialized",
		"path", path,
		"execution_mode", cfg.ExecutionMode,
		"max_concurrency", cfg.MaxConcurrency,
		"storage_backend", cfg.Storage.Backend(),
		"dry_run", cfg.DryRun.Enabled)

	return cfg, nil
}

// Backend reports which storage backend the open policy will select.
func (s StorageConfig) Backend() string {
	switch {
	case s.PostgresDSN != "":
		return "postgres"
	case s.SQLitePath != "":
		return "sqlite"
	default:
		return "memory"
	}
}

func loadYAMLInto(path string, target any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return nil
}

// loadOverride returns nil without error when the override file is absent.
func loadOverride(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	overlay := &Config{}
	if err := loadYAMLInto(path, overlay); err != nil {
		return nil, err
	}
	return overlay, nil
}

func overridePathFor(mainPath string) string {
	return filepath.Join(filepath.Dir(mainPath), OverrideFile)
}
