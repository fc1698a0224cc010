// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resolve

import (
	"fmt"
	"strconv"
	"strings"
)

// Source records how a ResolvedItem's product was determined.
type Source string

const (
	SourceExplicit  Source = "explicit"
	SourceInherited Source = "inherited-from-context"
	SourcePronoun   Source = "pronoun-resolved"
)

// Reason explains an unresolved outcome.
type Reason string

const (
	ReasonNoContext        Reason = "no-context"
	ReasonAmbiguousSizes   Reason = "ambiguous-product-for-sizes"
	ReasonAmbiguousPronoun Reason = "ambiguous-product-for-pronoun"
	ReasonSizeNotOffered   Reason = "size-not-offered"
	ReasonMissingSize      Reason = "missing-size"
)

// ResolvedItem is a concrete catalog reference recovered from an utterance.
// SizeOz is zero when the customer did not say a size.
type ResolvedItem struct {
	ProductKey string `json:"product_key"`
	Name       string `json:"name"`
	SizeOz     int    `json:"size_oz,omitempty"`
	Quantity   int    `json:"quantity"`
	Source     Source `json:"source"`
}

// Candidate is a product the resolver considered but could not commit to.
type Candidate struct {
	Key   string `json:"key"`
	Name  string `json:"name"`
	Sizes []int  `json:"sizes,omitempty"`
}

// Outcome is either Resolved (Reason empty, Items set) or Unresolved
// (Reason set, Items empty).
type Outcome struct {
	Items  []ResolvedItem `json:"items,omitempty"`
	Reason Reason         `json:"reason,omitempty"`

	// Elliptical is true when the utterance leaned on earlier turns: a
	// pronoun marker, or sizes/quantities with no product named.
	Elliptical bool `json:"elliptical"`

	// Candidates feed the clarification question of an unresolved outcome.
	Candidates []Candidate `json:"candidates,omitempty"`

	// NeedsClarification is set when the turn must stop and ask instead of
	// letting the model guess.
	NeedsClarification bool `json:"needs_clarification,omitempty"`
}

// Resolved builds a resolved outcome.
func Resolved(items []ResolvedItem, elliptical bool) Outcome {
	return Outcome{Items: items, Elliptical: elliptical}
}

// Unresolved builds an unresolved outcome. Every reason except
// ReasonNoContext needs clarification; callers decide that one.
func Unresolved(reason Reason, elliptical bool, candidates ...Candidate) Outcome {
	return Outcome{
		Reason:             reason,
		Elliptical:         elliptical,
		Candidates:         candidates,
		NeedsClarification: reason != ReasonNoContext,
	}
}

// IsResolved reports whether the outcome carries items.
func (o Outcome) IsResolved() bool { return o.Reason == "" }

// Clarification is the question to send the customer for an unresolved
// outcome. Empty for resolved outcomes.
func (o Outcome) Clarification() string {
	switch o.Reason {
	case "":
		return ""
	case ReasonAmbiguousSizes, ReasonAmbiguousPronoun:
		if len(o.Candidates) > 1 {
			return fmt.Sprintf("¿Te refieres a %s?", joinOr(candidateNames(o.Candidates)))
		}
		return "¿De cuál producto me hablas?"
	case ReasonSizeNotOffered:
		if len(o.Candidates) == 1 && len(o.Candidates[0].Sizes) > 0 {
			return fmt.Sprintf("Ese tamaño no lo manejamos. ¿Quieres %s de %s onzas?",
				o.Candidates[0].Name, joinOr(sizeStrings(o.Candidates[0].Sizes)))
		}
		return "Ese tamaño no lo manejamos. ¿De qué tamaño lo quieres?"
	case ReasonMissingSize:
		if len(o.Candidates) == 1 && len(o.Candidates[0].Sizes) > 0 {
			return fmt.Sprintf("¿De qué tamaño quieres %s? Lo tenemos de %s onzas.",
				o.Candidates[0].Name, joinOr(sizeStrings(o.Candidates[0].Sizes)))
		}
		return "¿De qué tamaño lo quieres?"
	default:
		return "¿De qué producto me hablas? Si quieres te muestro el menú."
	}
}

func candidateNames(cs []Candidate) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Name
	}
	return out
}

func sizeStrings(sizes []int) []string {
	out := make([]string, len(sizes))
	for i, s := range sizes {
		out[i] = strconv.Itoa(s)
	}
	return out
}

// joinOr renders ["a","b","c"] as "a, b o c".
func joinOr(parts []string) string {
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0]
	}
	return strings.Join(parts[:len(parts)-1], ", ") + " o " + parts[len(parts)-1]
}
