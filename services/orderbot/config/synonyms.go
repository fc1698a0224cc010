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
	"log/slog"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/orderbot/services/orderbot/normalize"
)

//go:embed synonyms.yaml
var defaultSynonymsYAML []byte

var (
	cachedSynonyms normalize.Table
	synonymsOnce   sync.Once
	synonymsErr    error
)

// LoadSynonyms parses and caches the embedded synonyms.yaml.
//
// # Thread Safety
//
// Safe for concurrent use (uses sync.Once internally).
func LoadSynonyms() (normalize.Table, error) {
	synonymsOnce.Do(func() {
		cachedSynonyms, synonymsErr = ParseSynonyms(defaultSynonymsYAML)
		if synonymsErr == nil {
			slog.Info("synonym table loaded", slog.Int("rules", len(cachedSynonyms.Rules)))
		}
	})
	return cachedSynonyms, synonymsErr
}

// MustLoadSynonyms returns the embedded table, or an empty one on error.
// Normalization still folds accents without synonyms, so a broken table
// degrades matching rather than stopping the service.
func MustLoadSynonyms() normalize.Table {
	t, err := LoadSynonyms()
	if err != nil {
		slog.Warn("synonym table failed to load, continuing without synonyms",
			slog.String("error", err.Error()))
		return normalize.Table{}
	}
	return t
}

// LoadSynonymsFile reads a synonym table from disk.
func LoadSynonymsFile(path string) (normalize.Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return normalize.Table{}, fmt.Errorf("reading %s: %w", path, err)
	}
	return ParseSynonyms(data)
}

// ParseSynonyms decodes a synonyms document. It does not check for cycles;
// normalize.NewEngine does.
func ParseSynonyms(data []byte) (normalize.Table, error) {
	if len(data) > MaxYAMLFileSize {
		return normalize.Table{}, fmt.Errorf("synonyms YAML exceeds maximum size (%d > %d)", len(data), MaxYAMLFileSize)
	}
	var t normalize.Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return normalize.Table{}, fmt.Errorf("parsing synonyms YAML: %w", err)
	}
	for i, r := range t.Rules {
		if r.From == "" || r.To == "" {
			return normalize.Table{}, fmt.Errorf("synonyms[%d]: from and to must not be empty", i)
		}
	}
	return t, nil
}
