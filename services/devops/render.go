// Copyright (C) 2025 Kodiak Ops (engineering@kodiakops.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package devops

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// RenderedFile is one output of rendering: a relative path and its
// content.
type RenderedFile struct {
	// Path is relative to the infra output directory.
	Path string

	// Content is the full file content.
	Content []byte
}

// Render produces the full rendered tree for a config: main.tf plus one
// manifest per service under configs/.
//
// Rendering is deterministic: maps are emitted in sorted key order, so
// rendering the same config twice yields byte-identical files.
func Render(cfg *InfraConfig) ([]RenderedFile, error) {
	files := []RenderedFile{
		{Path: "main.tf", Content: []byte(renderHCL(cfg))},
	}

	for _, svc := range cfg.SortedServices() {
		content, err := renderManifest(cfg.Environment, svc)
		if err != nil {
			return nil, fmt.Errorf("render manifest for %q: %w", svc.Name, err)
		}
		files = append(files, RenderedFile{
			Path:    path.Join("configs", svc.Name+".yaml"),
			Content: content,
		})
	}
	return files, nil
}

// renderHCL renders the Terraform main.tf for the config.
func renderHCL(cfg *InfraConfig) string {
	var b strings.Builder

	b.WriteString("# Generated by kodiak infra render. Do not edit by hand.\n")
	fmt.Fprintf(&b, "# environment: %s\n\n", cfg.Environment)

	providers := make([]Provider, len(cfg.Providers))
	copy(providers, cfg.Providers)
	sort.Slice(providers, func(i, j int) bool { return providers[i].Name < providers[j].Name })

	if len(providers) > 0 {
		b.WriteString("terraform {\n  required_providers {\n")
		for _, p := range providers {
			fmt.Fprintf(&b, "    %s = {\n      version = %q\n    }\n", p.Name, p.Version)
		}
		b.WriteString("  }\n}\n\n")
	}

	for _, p := range providers {
		fmt.Fprintf(&b, "provider %q {\n", p.Name)
		writeHCLAttrs(&b, p.Attributes, "  ")
		b.WriteString("}\n\n")
	}

	for _, r := range cfg.SortedResources() {
		fmt.Fprintf(&b, "resource %q %q {\n", r.Type, r.Name)
		writeHCLAttrs(&b, r.Attributes, "  ")
		if len(r.DependsOn) > 0 {
			deps := make([]string, len(r.DependsOn))
			copy(deps, r.DependsOn)
			sort.Strings(deps)
			fmt.Fprintf(&b, "  depends_on = [%s]\n", strings.Join(deps, ", "))
		}
		b.WriteString("}\n\n")
	}

	return strings.TrimRight(b.String(), "\n") + "\n"
}

// writeHCLAttrs writes attribute assignments in sorted key order.
func writeHCLAttrs(b *strings.Builder, attrs map[string]string, indent string) {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "%s%s = %q\n", indent, k, attrs[k])
	}
}

// manifest is the YAML shape of a rendered service manifest.
type manifest struct {
	Name        string            `yaml:"name"`
	Environment string            `yaml:"environment"`
	Image       string            `yaml:"image"`
	Replicas    int               `yaml:"replicas"`
	Port        int               `yaml:"port,omitempty"`
	Env         map[string]string `yaml:"env,omitempty"`
}

// renderManifest renders one service manifest. yaml.v3 marshals maps in
// sorted key order, so output is stable.
func renderManifest(environment string, svc Service) ([]byte, error) {
	m := manifest{
		Name:        svc.Name,
		Environment: environment,
		Image:       svc.Image,
		Replicas:    svc.Replicas,
		Port:        svc.Port,
		Env:         svc.Env,
	}
	out, err := yaml.Marshal(m)
	if err != nil {
		return nil, err
	}
	header := []byte("# Generated by kodiak infra render. Do not edit by hand.\n")
	return append(header, out...), nil
}
