// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package catalog

import (
	"cmp"
	"context"
	"fmt"
	"iter"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/AleutianAI/orderbot/services/orderbot/config"
	"github.com/AleutianAI/orderbot/services/orderbot/normalize"
)

// Matching thresholds.
const (
	// DefaultMinScore is the lowest match score Search reports.
	DefaultMinScore = 0.6

	scoreExact    = 1.0
	scoreContains = 0.8
	typoRatio     = 0.7
	typoWeight    = 0.9
	sizeBonus     = 0.1
)

// ignoreWords never contribute to a match.
var ignoreWords = map[string]struct{}{
	"de": {}, "del": {}, "la": {}, "el": {}, "un": {}, "una": {}, "uno": {},
	"pave": {}, "onza": {}, "onzas": {}, "oz": {}, "y": {}, "con": {},
}

var (
	tokenRE    = regexp.MustCompile(`[\p{L}\p{N}]+`)
	digitsRE   = regexp.MustCompile(`^\d+\p{L}*$`)
	pavePrefix = regexp.MustCompile(`^pave\s+(de\s+)?`)
)

type productTerms struct {
	terms    []string
	patterns []*regexp.Regexp
}

// MemoryCatalog is an in-memory Catalog.
//
// # Thread Safety
//
// Safe for concurrent use. Only availability is mutable after construction.
type MemoryCatalog struct {
	mu       sync.RWMutex
	products []Product
	byKey    map[string]int
	byID     map[int][2]int

	terms    []productTerms
	vocab    map[string]struct{}
	bm25     *bm25Index
	minScore float64
}

// MemoryOption configures a MemoryCatalog.
type MemoryOption func(*MemoryCatalog)

// WithMinScore sets the lowest score Search reports.
func WithMinScore(s float64) MemoryOption {
	return func(c *MemoryCatalog) { c.minScore = s }
}

// NewMemoryCatalog indexes products. Variant ids that are zero are assigned
// sequentially in menu order.
func NewMemoryCatalog(products []Product, opts ...MemoryOption) (*MemoryCatalog, error) {
	c := &MemoryCatalog{
		byKey:    make(map[string]int, len(products)),
		byID:     make(map[int][2]int),
		vocab:    make(map[string]struct{}),
		minScore: DefaultMinScore,
	}
	for _, opt := range opts {
		opt(c)
	}

	nextID := 1
	docs := make(map[string][]string, len(products))
	order := make([]string, 0, len(products))
	for pi, p := range products {
		if p.Key == "" || p.Name == "" {
			return nil, fmt.Errorf("catalog: product %d: key and name are required", pi)
		}
		if _, dup := c.byKey[p.Key]; dup {
			return nil, fmt.Errorf("catalog: duplicate product key %q", p.Key)
		}
		p.Aliases = slices.Clone(p.Aliases)
		p.Variants = slices.Clone(p.Variants)
		for vi := range p.Variants {
			if p.Variants[vi].ID == 0 {
				p.Variants[vi].ID = nextID
			}
			id := p.Variants[vi].ID
			if _, dup := c.byID[id]; dup {
				return nil, fmt.Errorf("catalog: duplicate variant id %d", id)
			}
			c.byID[id] = [2]int{pi, vi}
			nextID = max(nextID, id) + 1
		}
		c.byKey[p.Key] = pi
		c.products = append(c.products, p)

		pt := buildTerms(p)
		c.terms = append(c.terms, pt)
		for _, t := range pt.terms {
			c.vocab[t] = struct{}{}
		}

		docs[p.Key] = tokenRE.FindAllString(normalize.Fold(strings.Join(append(append([]string{p.Name}, p.Aliases...), p.Ingredients), " ")), -1)
		order = append(order, p.Key)
	}
	c.bm25 = buildBM25(docs, order)
	return c, nil
}

// FromMenu builds a catalog from configuration seed data.
func FromMenu(m config.Menu, opts ...MemoryOption) (*MemoryCatalog, error) {
	products := make([]Product, 0, len(m.Products))
	for _, mp := range m.Products {
		p := Product{
			Key:         mp.Key,
			Name:        mp.Name,
			Aliases:     mp.Aliases,
			Ingredients: mp.Ingredients,
			Emoji:       mp.Emoji,
			ImageURL:    mp.ImageURL,
		}
		for _, mv := range mp.Variants {
			p.Variants = append(p.Variants, Variant{
				SizeOz:     mv.SizeOz,
				PriceCents: mv.PriceCents,
				Available:  !mv.Unavailable,
			})
		}
		products = append(products, p)
	}
	return NewMemoryCatalog(products, opts...)
}

// buildTerms collects the folded phrases that name p, longest first. Each
// pattern also accepts a plural suffix.
func buildTerms(p Product) productTerms {
	seen := make(map[string]struct{})
	var terms []string
	add := func(s string) {
		s = normalize.Fold(s)
		if s == "" {
			return
		}
		if _, ok := seen[s]; ok {
			return
		}
		seen[s] = struct{}{}
		terms = append(terms, s)
	}

	name := normalize.Fold(p.Name)
	add(name)
	add(pavePrefix.ReplaceAllString(name, ""))
	add(strings.ReplaceAll(p.Key, "-", " "))
	for _, a := range p.Aliases {
		add(a)
	}
	slices.SortStableFunc(terms, func(a, b string) int { return cmp.Compare(len(b), len(a)) })

	pt := productTerms{terms: terms}
	for _, t := range terms {
		pt.patterns = append(pt.patterns, regexp.MustCompile(`\b`+regexp.QuoteMeta(t)+`(?:e?s)?\b`))
	}
	return pt
}

// Contains implements normalize.Vocabulary.
func (c *MemoryCatalog) Contains(term string) bool {
	_, ok := c.vocab[normalize.Fold(term)]
	return ok
}

// Products implements Catalog.
func (c *MemoryCatalog) Products() []Product {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Product, len(c.products))
	for i, p := range c.products {
		out[i] = cloneProduct(p)
	}
	return out
}

// Product implements Catalog.
func (c *MemoryCatalog) Product(key string) (Product, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i, ok := c.byKey[key]
	if !ok {
		return Product{}, false
	}
	return cloneProduct(c.products[i]), true
}

// Variant implements Catalog.
func (c *MemoryCatalog) Variant(productKey string, sizeOz int) (Item, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i, ok := c.byKey[productKey]
	if !ok {
		return Item{}, false
	}
	p := c.products[i]
	for _, v := range p.Variants {
		if v.SizeOz == sizeOz {
			return itemOf(p, v, 0), true
		}
	}
	return Item{}, false
}

// VariantByID implements Catalog.
func (c *MemoryCatalog) VariantByID(id int) (Item, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	loc, ok := c.byID[id]
	if !ok {
		return Item{}, false
	}
	p := c.products[loc[0]]
	return itemOf(p, p.Variants[loc[1]], 0), true
}

// SetAvailable marks a variant in or out of stock.
func (c *MemoryCatalog) SetAvailable(id int, available bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	loc, ok := c.byID[id]
	if !ok {
		return fmt.Errorf("catalog: unknown variant %d", id)
	}
	c.products[loc[0]].Variants[loc[1]].Available = available
	return nil
}

// Mentions implements Catalog.
func (c *MemoryCatalog) Mentions(text normalize.NormalizedText) []Mention {
	s := string(text)
	if s == "" {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []Mention
	for i, pt := range c.terms {
		best := Mention{Position: -1}
		for j, re := range pt.patterns {
			loc := re.FindStringIndex(s)
			if loc == nil {
				continue
			}
			// Terms are longest first, so a tie keeps the longer term.
			if best.Position < 0 || loc[0] < best.Position {
				best = Mention{Position: loc[0], Term: pt.terms[j]}
			}
		}
		if best.Position >= 0 {
			best.Product = cloneProduct(c.products[i])
			out = append(out, best)
		}
	}
	slices.SortStableFunc(out, func(a, b Mention) int { return cmp.Compare(a.Position, b.Position) })
	return out
}

// Search implements Catalog.
//
// A product scores 1.0 when one of its terms appears in the query at word
// boundaries or equals a query word, 0.8 when a query word and a term
// contain one another, and 0.9 x similarity for near misses above 0.7.
// Variants of the requested size get +0.1. Ties are broken by BM25 over the
// product's descriptive text, then menu order, then size.
func (c *MemoryCatalog) Search(ctx context.Context, q Query) (iter.Seq[Item], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text := string(q.Text)
	words := queryWords(text)
	if len(words) == 0 {
		return nil, ErrEmptyQuery
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	bm := c.bm25.score(words)
	type hit struct {
		item  Item
		bm    float64
		order int
	}
	var hits []hit
	for i, p := range c.products {
		score := c.matchScore(i, text, words)
		if score < c.minScore {
			continue
		}
		for _, v := range p.Variants {
			if !v.Available {
				continue
			}
			s := score
			if q.SizeOz > 0 && v.SizeOz == q.SizeOz {
				s += sizeBonus
			}
			hits = append(hits, hit{item: itemOf(p, v, s), bm: bm[p.Key], order: i})
		}
	}

	slices.SortStableFunc(hits, func(a, b hit) int {
		if d := cmp.Compare(b.item.Score, a.item.Score); d != 0 {
			return d
		}
		if d := cmp.Compare(b.bm, a.bm); d != 0 {
			return d
		}
		if d := cmp.Compare(a.order, b.order); d != 0 {
			return d
		}
		return cmp.Compare(a.item.SizeOz, b.item.SizeOz)
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}

	items := make([]Item, len(hits))
	for i, h := range hits {
		items[i] = h.item
	}
	return slices.Values(items), nil
}

func (c *MemoryCatalog) matchScore(i int, text string, words []string) float64 {
	pt := c.terms[i]
	for _, re := range pt.patterns {
		if re.MatchString(text) {
			return scoreExact
		}
	}
	var best float64
	for _, w := range words {
		for _, t := range pt.terms {
			switch {
			case w == t:
				return scoreExact
			case strings.Contains(t, w) || strings.Contains(w, t):
				best = max(best, scoreContains)
			default:
				if r := similarity(w, t); r > typoRatio {
					best = max(best, r*typoWeight)
				}
			}
		}
	}
	return best
}

// queryWords tokenizes text, dropping filler words, single letters and
// numbers.
func queryWords(text string) []string {
	var out []string
	for _, w := range tokenRE.FindAllString(text, -1) {
		if _, skip := ignoreWords[w]; skip {
			continue
		}
		if len([]rune(w)) < 2 || digitsRE.MatchString(w) {
			continue
		}
		out = append(out, w)
	}
	return out
}

func itemOf(p Product, v Variant, score float64) Item {
	return Item{
		ID:         v.ID,
		ProductKey: p.Key,
		Name:       p.Name,
		SizeOz:     v.SizeOz,
		PriceCents: v.PriceCents,
		ImageURL:   p.ImageURL,
		Available:  v.Available,
		Score:      score,
	}
}

func cloneProduct(p Product) Product {
	p.Aliases = slices.Clone(p.Aliases)
	p.Variants = slices.Clone(p.Variants)
	return p
}

var _ Catalog = (*MemoryCatalog)(nil)
