// Copyright (C) 2025 Kodiak Ops (engineering@kodiakops.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package devops manages declarative infrastructure configuration:
// typed config loading, deterministic rendering of Terraform HCL and
// service manifests, hash-based change planning, and atomic applies.
//
// Rendering is a pure function of the config. No external provisioner
// binary is invoked; the rendered tree is the artifact, and the apply
// step records content hashes so subsequent plans are true diffs.
package devops

import (
	"bytes"
	"fmt"
	"os"
	"sort"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Provider declares one infrastructure provider block.
type Provider struct {
	// Name is the provider name ("aws", "google", "local").
	Name string `yaml:"name" validate:"required,hostname_rfc1123"`

	// Version is the provider version constraint.
	Version string `yaml:"version" validate:"required"`

	// Attributes are provider-level settings (region, project).
	Attributes map[string]string `yaml:"attributes,omitempty"`
}

// Resource declares one managed resource.
type Resource struct {
	// Type is the resource type ("compute_instance", "storage_bucket").
	Type string `yaml:"type" validate:"required"`

	// Name is the resource's logical name, unique per type.
	Name string `yaml:"name" validate:"required,hostname_rfc1123"`

	// Attributes are the resource's settings. Values are scalars;
	// nested structure belongs in separate resources.
	Attributes map[string]string `yaml:"attributes,omitempty"`

	// DependsOn lists "type.name" references this resource needs first.
	DependsOn []string `yaml:"depends_on,omitempty"`
}

// Key returns the resource's unique "type.name" key.
func (r Resource) Key() string { return r.Type + "." + r.Name }

// Service declares one service manifest to render.
type Service struct {
	// Name is the service name.
	Name string `yaml:"name" validate:"required,hostname_rfc1123"`

	// Image is the container image reference.
	Image string `yaml:"image" validate:"required"`

	// Replicas is the desired instance count.
	Replicas int `yaml:"replicas" validate:"gte=0,lte=1000"`

	// Port is the service port.
	Port int `yaml:"port" validate:"gte=0,lte=65535"`

	// Env is the service environment, rendered sorted.
	Env map[string]string `yaml:"env,omitempty"`
}

// InfraConfig is the full desired infrastructure state.
type InfraConfig struct {
	// Environment names the target environment ("dev", "staging",
	// "production").
	Environment string `yaml:"environment" validate:"required,oneof=dev staging production"`

	// Providers are the provider blocks for main.tf.
	Providers []Provider `yaml:"providers" validate:"dive"`

	// Resources are the managed resources.
	Resources []Resource `yaml:"resources" validate:"dive"`

	// Services are the manifests to render under configs/.
	Services []Service `yaml:"services" validate:"dive"`
}

var infraValidate = validator.New(validator.WithRequiredStructEnabled())

// LoadConfig reads and validates an InfraConfig from a YAML file.
//
// Description:
//
//	Decodes strictly (unknown fields are errors), runs struct
//	validation, and rejects duplicate resource keys and duplicate
//	service names. Dependency references must resolve to declared
//	resources.
//
// Inputs:
//
//	path - YAML config file path.
//
// Outputs:
//
//	*InfraConfig - The validated config.
//	error - Non-nil on read, decode, or validation failure.
func LoadConfig(path string) (*InfraConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read infra config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes and validates raw YAML config bytes.
func ParseConfig(data []byte) (*InfraConfig, error) {
	var cfg InfraConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse infra config: %w", err)
	}

	if err := infraValidate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate infra config: %w", err)
	}
	if err := cfg.check(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// check enforces the cross-field rules validator tags cannot express.
func (c *InfraConfig) check() error {
	keys := make(map[string]bool, len(c.Resources))
	for _, r := range c.Resources {
		if keys[r.Key()] {
			return fmt.Errorf("duplicate resource %q", r.Key())
		}
		keys[r.Key()] = true
	}
	for _, r := range c.Resources {
		for _, dep := range r.DependsOn {
			if !keys[dep] {
				return fmt.Errorf("resource %q depends on undeclared %q", r.Key(), dep)
			}
		}
	}

	svcNames := make(map[string]bool, len(c.Services))
	for _, s := range c.Services {
		if svcNames[s.Name] {
			return fmt.Errorf("duplicate service %q", s.Name)
		}
		svcNames[s.Name] = true
	}
	return nil
}

// SortedResources returns the resources ordered by key for stable
// rendering.
func (c *InfraConfig) SortedResources() []Resource {
	out := make([]Resource, len(c.Resources))
	copy(out, c.Resources)
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// SortedServices returns the services ordered by name.
func (c *InfraConfig) SortedServices() []Service {
	out := make([]Service, len(c.Services))
	copy(out, c.Services)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
