// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package normalize turns raw customer utterances into a canonical form that
// the catalog matcher and the reference resolver can compare against.
//
// Normalization is:
//
//  1. Fold: lowercase, strip diacritics (NFD + remove Mn + NFC), collapse
//     whitespace.
//  2. Synonyms: apply the word-bounded synonym table until nothing changes.
//     A rule whose source is itself a catalog term is skipped, so a real
//     "chocolate" product is never rewritten into another flavor.
//
// The synonym table is validated as acyclic at load, which makes Normalize
// idempotent: Normalize(Normalize(x)) == Normalize(x).
package normalize

import (
	"fmt"
	"iter"
	"log/slog"
	"sync/atomic"
)

// NormalizedText is the output of Engine.Normalize. Only the engine produces
// it; converting an arbitrary string skips folding and synonyms.
type NormalizedText string

// String implements fmt.Stringer.
func (t NormalizedText) String() string { return string(t) }

// Vocabulary reports whether a folded term names something the catalog sells.
type Vocabulary interface {
	Contains(term string) bool
}

// VocabularyFunc adapts a function to Vocabulary.
type VocabularyFunc func(term string) bool

// Contains implements Vocabulary.
func (f VocabularyFunc) Contains(term string) bool { return f(term) }

// Engine normalizes utterances and extracts size tokens.
//
// # Thread Safety
//
// Safe for concurrent use. Reload swaps the synonym table atomically; calls
// in flight keep the table they started with.
type Engine struct {
	table  atomic.Pointer[compiledTable]
	vocab  Vocabulary
	sizes  SizeConfig
	logger *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithVocabulary installs the catalog guard for synonym rules.
func WithVocabulary(v Vocabulary) Option {
	return func(e *Engine) { e.vocab = v }
}

// WithSizeConfig overrides DefaultSizeConfig.
func WithSizeConfig(c SizeConfig) Option {
	return func(e *Engine) { e.sizes = c.folded() }
}

// WithLogger sets the logger used for reload messages.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEngine compiles table and returns an engine.
//
// # Outputs
//
//   - *Engine: Ready to use.
//   - error: Non-nil if the table has empty entries, duplicates or a cycle.
func NewEngine(table Table, opts ...Option) (*Engine, error) {
	e := &Engine{
		sizes:  DefaultSizeConfig().folded(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	compiled, err := compileTable(table)
	if err != nil {
		return nil, err
	}
	e.table.Store(compiled)
	return e, nil
}

// Reload replaces the synonym table. On error the current table stays.
func (e *Engine) Reload(table Table) error {
	compiled, err := compileTable(table)
	if err != nil {
		return fmt.Errorf("normalize: reload: %w", err)
	}
	e.table.Store(compiled)
	e.logger.Info("synonym table reloaded", slog.Int("rules", len(compiled.rules)))
	return nil
}

// RuleCount returns the number of active rules.
func (e *Engine) RuleCount() int {
	return len(e.table.Load().rules)
}

// Normalize folds text and applies synonyms to a fixpoint.
func (e *Engine) Normalize(text string) NormalizedText {
	out := Fold(text)
	if out == "" {
		return ""
	}
	t := e.table.Load()

	// Acyclic tables converge in at most len(rules) passes.
	changed := true
	for pass := 0; changed && pass <= len(t.rules); pass++ {
		changed = false
		for _, r := range t.rules {
			if e.vocab != nil && e.vocab.Contains(r.from) {
				continue
			}
			next := r.pattern.ReplaceAllLiteralString(out, r.to)
			if next != out {
				out = next
				changed = true
			}
		}
	}
	if changed {
		e.logger.Warn("synonym rewriting did not settle", slog.Int("rules", len(t.rules)))
	}
	return NormalizedText(out)
}

// ExtractSizeTokens lazily yields size and quantity tokens found in text, in
// order of appearance. The returned sequence can be ranged over any number
// of times; each range rescans text.
func (e *Engine) ExtractSizeTokens(text NormalizedText) iter.Seq[SizeToken] {
	return scanSizes(string(text), e.sizes)
}
