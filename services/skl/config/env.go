// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"fmt"
	"strconv"
	"time"
)

// EnvPrefix starts every override variable.
const EnvPrefix = "SKL_"

type envSetter func(c *Config, v string) error

func intVar(field func(*Config) *int) envSetter {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func stringVar(field func(*Config) *string) envSetter {
	return func(c *Config, v string) error {
		*field(c) = v
		return nil
	}
}

func boolVar(field func(*Config) *bool) envSetter {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}

func durationVar(field func(*Config) *time.Duration) envSetter {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}

// envVars maps override names, without EnvPrefix, to fields. The API key
// is not listed; transports read it from their own variables.
var envVars = []struct {
	name string
	set  envSetter
}{
	{"QUEUE_MAX", intVar(func(c *Config) *int { return &c.QueueMax })},
	{"CIRCUIT_BREAKER_THRESHOLD", intVar(func(c *Config) *int { return &c.CircuitBreakerThreshold })},
	{"REVIEW_THRESHOLD", intVar(func(c *Config) *int { return &c.ReviewThreshold })},
	{"RFC_RESPONSE_WINDOW", durationVar(func(c *Config) *time.Duration { return &c.RFCResponseWindow })},
	{"BASE_BRANCH", stringVar(func(c *Config) *string { return &c.BaseBranch })},
	{"SCOPE_DEFINITIONS", stringVar(func(c *Config) *string { return &c.ScopeDefinitions })},
	{"BUDGET_MAX_PROPOSALS", intVar(func(c *Config) *int { return &c.Budget.MaxProposals })},
	{"BUDGET_MAX_DURATION_MINUTES", intVar(func(c *Config) *int { return &c.Budget.MaxDurationMinutes })},
	{"BUDGET_SELF_UNCERTAINTY_THRESHOLD", intVar(func(c *Config) *int { return &c.Budget.SelfUncertaintyThreshold })},
	{"STORE_BACKEND", stringVar(func(c *Config) *string { return &c.Store.Backend })},
	{"STORE_DIR", stringVar(func(c *Config) *string { return &c.Store.Dir })},
	{"STORE_BADGER_PATH", stringVar(func(c *Config) *string { return &c.Store.BadgerPath })},
	{"VERIFIER_ENABLED", boolVar(func(c *Config) *bool { return &c.Verifier.Enabled })},
	{"VERIFIER_PROVIDER", stringVar(func(c *Config) *string { return &c.Verifier.Provider })},
	{"VERIFIER_BASE_URL", stringVar(func(c *Config) *string { return &c.Verifier.LLM.BaseURL })},
	{"VERIFIER_MODEL", stringVar(func(c *Config) *string { return &c.Verifier.LLM.Model })},
	{"VERIFIER_TIMEOUT", durationVar(func(c *Config) *time.Duration { return &c.Verifier.Timeout })},
	{"TELEMETRY_EXPORTER", stringVar(func(c *Config) *string { return &c.Telemetry.Exporter })},
	{"OTLP_ENDPOINT", stringVar(func(c *Config) *string { return &c.Telemetry.OTLPEndpoint })},
	{"METRICS_ADDR", stringVar(func(c *Config) *string { return &c.Telemetry.MetricsAddr })},
}

// applyEnv overlays SKL_* variables found by lookup onto c.
func applyEnv(c *Config, lookup func(string) (string, bool)) error {
	for _, ev := range envVars {
		v, ok := lookup(EnvPrefix + ev.name)
		if !ok || v == "" {
			continue
		}
		if err := ev.set(c, v); err != nil {
			return fmt.Errorf("%s%s=%q: %w", EnvPrefix, ev.name, v, err)
		}
	}
	return nil
}
