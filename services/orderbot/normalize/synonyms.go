// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package normalize

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// SynonymRule replaces the word or phrase From with To at word boundaries.
type SynonymRule struct {
	From string `yaml:"from" json:"from"`
	To   string `yaml:"to" json:"to"`
}

// Table is an ordered list of synonym rules.
type Table struct {
	Rules []SynonymRule `yaml:"synonyms" json:"synonyms"`
}

type compiledRule struct {
	from    string
	to      string
	pattern *regexp.Regexp
}

type compiledTable struct {
	rules []compiledRule
}

// compileTable folds both sides of every rule, drops rules that fold to the
// identity and rejects tables that could rewrite forever.
func compileTable(t Table) (*compiledTable, error) {
	seen := make(map[string]struct{}, len(t.Rules))
	rules := make([]compiledRule, 0, len(t.Rules))
	for i, r := range t.Rules {
		from, to := Fold(r.From), Fold(r.To)
		if from == "" || to == "" {
			return nil, fmt.Errorf("normalize: synonym rule %d: from and to must be non-empty", i)
		}
		if from == to {
			continue
		}
		if _, dup := seen[from]; dup {
			return nil, fmt.Errorf("normalize: synonym %q defined twice", from)
		}
		seen[from] = struct{}{}
		rules = append(rules, compiledRule{
			from:    from,
			to:      to,
			pattern: wordPattern(from),
		})
	}
	if err := checkAcyclic(rules); err != nil {
		return nil, err
	}
	return &compiledTable{rules: rules}, nil
}

// wordPattern matches phrase only at word boundaries.
func wordPattern(phrase string) *regexp.Regexp {
	return regexp.MustCompile(`\b` + regexp.QuoteMeta(phrase) + `\b`)
}

// checkAcyclic rejects tables where a replacement can re-trigger a rule
// that leads back to itself. Such a table has no fixpoint.
func checkAcyclic(rules []compiledRule) error {
	edges := make(map[int][]int, len(rules))
	for i, a := range rules {
		for j, b := range rules {
			if mayTrigger(a.to, b) {
				edges[i] = append(edges[i], j)
			}
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make([]int, len(rules))
	var visit func(i int, path []string) error
	visit = func(i int, path []string) error {
		switch state[i] {
		case visiting:
			return fmt.Errorf("normalize: synonym cycle: %s", strings.Join(append(path, rules[i].from), " -> "))
		case done:
			return nil
		}
		state[i] = visiting
		for _, j := range edges[i] {
			if err := visit(j, append(path, rules[i].from)); err != nil {
				return err
			}
		}
		state[i] = done
		return nil
	}
	for i := range rules {
		if err := visit(i, nil); err != nil {
			return err
		}
	}
	return nil
}

// mayTrigger reports whether writing out into some text can create a new
// match for r. Besides r.from occurring inside out, a match can straddle
// the edge of the replacement: "a" -> "b c" followed by " d" feeds a rule
// on "c d", and "b" -> "c" inside "x b y" feeds a rule on "x c y".
func mayTrigger(out string, r compiledRule) bool {
	if r.pattern.MatchString(out) {
		return true
	}
	ow, fw := strings.Fields(out), strings.Fields(r.from)
	for k := 1; k <= min(len(ow), len(fw)); k++ {
		if slices.Equal(ow[len(ow)-k:], fw[:k]) || slices.Equal(ow[:k], fw[len(fw)-k:]) {
			return true
		}
	}
	for i := 0; i+len(ow) <= len(fw); i++ {
		if slices.Equal(fw[i:i+len(ow)], ow) {
			return true
		}
	}
	return false
}
