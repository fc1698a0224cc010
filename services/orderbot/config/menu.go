// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed menu.yaml
var defaultMenuYAML []byte

// Menu is the seed data for the product catalog.
type Menu struct {
	Products []MenuProduct `yaml:"products" validate:"min=1,dive"`
}

// MenuProduct is one flavor and its sizes.
type MenuProduct struct {
	Key         string        `yaml:"key" validate:"required"`
	Name        string        `yaml:"name" validate:"required"`
	Aliases     []string      `yaml:"aliases"`
	Ingredients string        `yaml:"ingredients"`
	Emoji       string        `yaml:"emoji"`
	ImageURL    string        `yaml:"image_url" validate:"omitempty,url"`
	Variants    []MenuVariant `yaml:"variants" validate:"min=1,dive"`
}

// MenuVariant is one sellable size of a product.
type MenuVariant struct {
	SizeOz     int   `yaml:"size_oz" validate:"gt=0"`
	PriceCents int64 `yaml:"price_cents" validate:"gt=0"`

	// Unavailable hides the variant from search without removing it.
	Unavailable bool `yaml:"unavailable"`
}

// DefaultMenu returns the embedded menu.
func DefaultMenu() (Menu, error) {
	return ParseMenu(defaultMenuYAML)
}

// LoadMenuFile reads a menu from disk.
func LoadMenuFile(path string) (Menu, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Menu{}, fmt.Errorf("reading %s: %w", path, err)
	}
	return ParseMenu(data)
}

// ParseMenu decodes and validates a menu document.
func ParseMenu(data []byte) (Menu, error) {
	if len(data) > MaxYAMLFileSize {
		return Menu{}, fmt.Errorf("menu YAML exceeds maximum size (%d > %d)", len(data), MaxYAMLFileSize)
	}
	var m Menu
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Menu{}, fmt.Errorf("parsing menu YAML: %w", err)
	}
	if err := validate.Struct(m); err != nil {
		return Menu{}, fmt.Errorf("menu validation: %w", err)
	}
	seen := make(map[string]struct{}, len(m.Products))
	for _, p := range m.Products {
		if _, dup := seen[p.Key]; dup {
			return Menu{}, fmt.Errorf("menu: duplicate product key %q", p.Key)
		}
		seen[p.Key] = struct{}{}
	}
	return m, nil
}
