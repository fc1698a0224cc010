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
	"iter"
	"regexp"
	"slices"
	"strconv"
)

// TokenKind distinguishes a size mention from a count.
type TokenKind string

const (
	KindSize     TokenKind = "size"
	KindQuantity TokenKind = "quantity"
)

// UnitOunce is the only unit the menu is sold in.
const UnitOunce = "oz"

// SizeToken is one numeric mention in an utterance.
//
// Position is the byte offset of the token in the normalized text. Unit is
// UnitOunce when the customer wrote one, empty otherwise.
type SizeToken struct {
	Position  int       `json:"position"`
	Magnitude int       `json:"magnitude"`
	Unit      string    `json:"unit,omitempty"`
	Kind      TokenKind `json:"kind"`
	Text      string    `json:"text"`
}

// SizeConfig holds the vocabulary the size scanner understands.
type SizeConfig struct {
	// KnownSizes are the ounce sizes on the menu. A bare number equal to one
	// of these is read as a size.
	KnownSizes []int `yaml:"known_sizes" json:"known_sizes"`

	// Units are words that mark the preceding number as ounces.
	Units []string `yaml:"units" json:"units"`

	// Aliases map size adjectives to ounces ("pequeno" -> 8).
	Aliases map[string]int `yaml:"aliases" json:"aliases"`

	// NumberWords map spelled-out numbers to values ("dos" -> 2).
	NumberWords map[string]int `yaml:"number_words" json:"number_words"`
}

// DefaultSizeConfig returns the Spanish vocabulary for an 8/16 oz menu.
func DefaultSizeConfig() SizeConfig {
	return SizeConfig{
		KnownSizes: []int{8, 16},
		Units:      []string{"oz", "onza", "onzas"},
		Aliases: map[string]int{
			"pequeno": 8,
			"pequena": 8,
			"chico":   8,
			"chica":   8,
			"small":   8,
			"grande":  16,
			"large":   16,
			"big":     16,
		},
		NumberWords: map[string]int{
			"un": 1, "uno": 1, "una": 1,
			"dos": 2, "tres": 3, "cuatro": 4, "cinco": 5,
			"seis": 6, "siete": 7, "ocho": 8, "nueve": 9, "diez": 10,
			"once": 11, "doce": 12, "trece": 13, "catorce": 14, "quince": 15,
			"dieciseis": 16, "diecisiete": 17, "dieciocho": 18, "diecinueve": 19,
			"veinte": 20,
		},
	}
}

// folded returns a copy of c with every word folded.
func (c SizeConfig) folded() SizeConfig {
	out := SizeConfig{
		KnownSizes:  slices.Clone(c.KnownSizes),
		Units:       make([]string, 0, len(c.Units)),
		Aliases:     make(map[string]int, len(c.Aliases)),
		NumberWords: make(map[string]int, len(c.NumberWords)),
	}
	for _, u := range c.Units {
		out.Units = append(out.Units, Fold(u))
	}
	for k, v := range c.Aliases {
		out.Aliases[Fold(k)] = v
	}
	for k, v := range c.NumberWords {
		out.NumberWords[Fold(k)] = v
	}
	return out
}

var (
	wordRE       = regexp.MustCompile(`[\p{L}\p{N}]+`)
	numberUnitRE = regexp.MustCompile(`^(\d+)(\p{L}*)$`)
)

type word struct {
	text  string
	start int
}

// scanSizes returns a sequence that tokenizes text on every iteration. No
// work happens until the caller ranges over it.
func scanSizes(text string, cfg SizeConfig) iter.Seq[SizeToken] {
	return func(yield func(SizeToken) bool) {
		locs := wordRE.FindAllStringIndex(text, -1)
		words := make([]word, len(locs))
		for i, loc := range locs {
			words[i] = word{text: text[loc[0]:loc[1]], start: loc[0]}
		}
		at := func(i int) string {
			if i < 0 || i >= len(words) {
				return ""
			}
			return words[i].text
		}

		for i := 0; i < len(words); i++ {
			w := words[i]

			if oz, ok := cfg.Aliases[w.text]; ok {
				if !yield(SizeToken{Position: w.start, Magnitude: oz, Kind: KindSize, Text: w.text}) {
					return
				}
				continue
			}

			n, suffix, ok := parseNumber(w.text, cfg)
			if !ok {
				continue
			}

			tok := SizeToken{Position: w.start, Magnitude: n, Text: w.text}
			switch {
			case suffix != "" && slices.Contains(cfg.Units, suffix):
				tok.Unit, tok.Kind = UnitOunce, KindSize
			case suffix != "":
				// "3x" or similar: not something we understand.
				continue
			case slices.Contains(cfg.Units, at(i+1)):
				tok.Unit, tok.Kind = UnitOunce, KindSize
				tok.Text = w.text + " " + at(i+1)
				i++
			case at(i-1) == "de":
				tok.Kind = KindSize
			case slices.Contains(cfg.KnownSizes, n) && at(i+1) != "de":
				tok.Kind = KindSize
			default:
				tok.Kind = KindQuantity
			}
			if !yield(tok) {
				return
			}
		}
	}
}

// parseNumber reads digits (optionally glued to a unit, as in "16oz") or a
// number word.
func parseNumber(w string, cfg SizeConfig) (int, string, bool) {
	if n, ok := cfg.NumberWords[w]; ok {
		return n, "", true
	}
	m := numberUnitRE.FindStringSubmatch(w)
	if m == nil {
		return 0, "", false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0, "", false
	}
	return n, m[2], true
}

// Sizes collects the magnitudes of size tokens in seq, in order.
func Sizes(seq iter.Seq[SizeToken]) []int {
	var out []int
	for tok := range seq {
		if tok.Kind == KindSize {
			out = append(out, tok.Magnitude)
		}
	}
	return out
}
