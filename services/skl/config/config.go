// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads .skl/skl.yaml.
//
// Precedence, lowest first: built-in defaults, the YAML file, SKL_*
// environment variables. The merged result is validated before use.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/skl/services/llm"
	"github.com/AleutianAI/skl/services/skl/classifier"
	"github.com/AleutianAI/skl/services/skl/rfc"
	"github.com/AleutianAI/skl/services/skl/session"
)

// FileName is the config file inside the store directory.
const FileName = "skl.yaml"

// Store backends.
const (
	BackendFile   = "file"
	BackendBadger = "badger"
)

// Telemetry exporters.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

// Config is the full SKL configuration.
type Config struct {
	// QueueMax is the number of pending proposals at which intake refuses
	// new pushes.
	QueueMax int `yaml:"queue_max" validate:"min=1"`

	// CircuitBreakerThreshold is the number of verifier disagreements that
	// halts automated trust in an agent for a pass.
	CircuitBreakerThreshold int `yaml:"circuit_breaker_threshold" validate:"min=1"`

	// ReviewThreshold is the change count since review that flags drift.
	ReviewThreshold int `yaml:"review_threshold" validate:"min=1"`

	// RFCResponseWindow is how long humans have to answer a new RFC.
	RFCResponseWindow time.Duration `yaml:"rfc_response_window" validate:"gt=0"`

	// BaseBranch is what the pre-push hook diffs against.
	BaseBranch string `yaml:"base_branch" validate:"required"`

	// ScopeDefinitions is the path of the scope definitions document,
	// relative to the repository root. Empty disables semantic scope checks.
	ScopeDefinitions string `yaml:"scope_definitions"`

	Budget    session.Budget  `yaml:"budget"`
	Store     StoreConfig     `yaml:"store"`
	Verifier  VerifierConfig  `yaml:"verifier"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// StoreConfig selects the knowledge store backend.
type StoreConfig struct {
	Backend string `yaml:"backend" validate:"oneof=file badger"`

	// Dir is the store directory for the file backend.
	Dir string `yaml:"dir" validate:"required"`

	// BadgerPath is the database directory for the badger backend.
	BadgerPath string `yaml:"badger_path" validate:"required_if=Backend badger"`
}

// VerifierConfig configures stage 2 classification.
type VerifierConfig struct {
	// Enabled turns the verifier on. When off every non-overridden
	// classification is uncertain.
	Enabled bool `yaml:"enabled"`

	Provider string     `yaml:"provider" validate:"oneof=ollama openai"`
	LLM      llm.Config `yaml:",inline"`

	classifier.VerifierConfig `yaml:",inline"`
}

// TelemetryConfig selects trace and metric exporters.
type TelemetryConfig struct {
	Exporter     string `yaml:"exporter" validate:"oneof=none stdout otlp"`
	OTLPEndpoint string `yaml:"otlp_endpoint" validate:"required_if=Exporter otlp"`

	// MetricsAddr is where `skl watch` serves /metrics.
	MetricsAddr string `yaml:"metrics_addr" validate:"required"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		QueueMax:                15,
		CircuitBreakerThreshold: session.DefaultCircuitBreakerThreshold,
		ReviewThreshold:         5,
		RFCResponseWindow:       rfc.DefaultResponseWindow,
		BaseBranch:              "main",
		Budget:                  session.DefaultBudget(),
		Store: StoreConfig{
			Backend:    BackendFile,
			Dir:        ".skl",
			BadgerPath: filepath.Join(".skl", "db"),
		},
		Verifier: VerifierConfig{
			Provider:       "ollama",
			VerifierConfig: classifier.DefaultVerifierConfig(),
		},
		Telemetry: TelemetryConfig{
			Exporter:    ExporterNone,
			MetricsAddr: "127.0.0.1:9464",
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []string
	if err := validate.Struct(c); err != nil {
		var ves validator.ValidationErrors
		if !errors.As(err, &ves) {
			return fmt.Errorf("invalid config: %w", err)
		}
		for _, fe := range ves {
			errs = append(errs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
	}
	if c.Verifier.Enabled {
		if err := c.Verifier.VerifierConfig.Validate(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Load reads path over the defaults, applies SKL_* overrides and
// validates. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// WriteDefault writes the default configuration to path, creating parent
// directories. An existing file is left alone and reported as fs.ErrExist.
func WriteDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
