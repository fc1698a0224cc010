// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resolve expands elliptical customer utterances into concrete
// catalog references using the conversation context.
//
// Rules, first match wins:
//
//  1. Explicit: the text names a product. Sizes and quantities are paired to
//     the nearest preceding product mention.
//  2. Pronoun: "el mismo", "otro igual", ... with a product in context. The
//     most recent product is inherited.
//  3. Sizes only: several sizes, no product, exactly one candidate product
//     in recent context. One item per size.
//  4. Otherwise unresolved.
//
// Ties never narrow to a guess: several equally recent products fail closed.
// The resolver only reads the context; it never mutates it.
package resolve

import (
	"iter"
	"regexp"
	"slices"

	"github.com/AleutianAI/orderbot/services/orderbot/catalog"
	"github.com/AleutianAI/orderbot/services/orderbot/convctx"
	"github.com/AleutianAI/orderbot/services/orderbot/normalize"
)

// Default tuning, matching config/default.yaml.
const (
	DefaultAmbiguityThreshold = 1
	DefaultMinSizeTokens      = 2
)

// DefaultPronounMarkers are the Spanish phrases that point back at the last
// product discussed.
var DefaultPronounMarkers = []string{
	"el mismo", "la misma", "lo mismo",
	"otro igual", "otra igual", "uno igual", "una igual",
}

// Catalog is the part of the catalog the resolver reads.
type Catalog interface {
	Mentions(text normalize.NormalizedText) []catalog.Mention
	Product(key string) (catalog.Product, bool)
}

// SizeScanner yields size and quantity tokens. *normalize.Engine satisfies
// it.
type SizeScanner interface {
	ExtractSizeTokens(text normalize.NormalizedText) iter.Seq[normalize.SizeToken]
}

// Config tunes the resolver.
type Config struct {
	// AmbiguityThreshold is the most recent products the sizes-only rule
	// will consider. More than this is ambiguous.
	AmbiguityThreshold int

	// MinSizeTokens is how many sizes make a sizes-only utterance.
	MinSizeTokens int

	// PronounMarkers are matched at word boundaries after folding.
	PronounMarkers []string
}

// Resolver implements the rules above.
//
// # Thread Safety
//
// Immutable after construction; safe for concurrent use.
type Resolver struct {
	catalog Catalog
	sizes   SizeScanner
	cfg     Config
	markers []*regexp.Regexp
}

// New creates a Resolver. Zero config fields take their defaults.
func New(cat Catalog, sizes SizeScanner, cfg Config) *Resolver {
	if cat == nil {
		panic("resolve.New: catalog must not be nil")
	}
	if sizes == nil {
		panic("resolve.New: sizes must not be nil")
	}
	if cfg.AmbiguityThreshold <= 0 {
		cfg.AmbiguityThreshold = DefaultAmbiguityThreshold
	}
	if cfg.MinSizeTokens <= 0 {
		cfg.MinSizeTokens = DefaultMinSizeTokens
	}
	if len(cfg.PronounMarkers) == 0 {
		cfg.PronounMarkers = DefaultPronounMarkers
	}
	r := &Resolver{catalog: cat, sizes: sizes, cfg: cfg}
	for _, m := range cfg.PronounMarkers {
		folded := normalize.Fold(m)
		if folded == "" {
			continue
		}
		r.markers = append(r.markers, regexp.MustCompile(`\b`+regexp.QuoteMeta(folded)+`\b`))
	}
	return r
}

// Resolve maps text onto catalog references using cc.
func (r *Resolver) Resolve(text normalize.NormalizedText, cc convctx.ConversationContext) Outcome {
	tokens := slices.Collect(r.sizes.ExtractSizeTokens(text))
	mentions := r.catalog.Mentions(text)
	pronoun := r.hasPronoun(text)

	if len(mentions) > 0 {
		return r.resolveExplicit(mentions, tokens)
	}

	sizeCount := countKind(tokens, normalize.KindSize)
	elliptical := pronoun || sizeCount > 0

	if pronoun && len(cc.LastDiscussedProducts) > 0 {
		return r.resolvePronoun(cc, tokens)
	}

	if sizeCount >= r.cfg.MinSizeTokens {
		return r.resolveSizesOnly(cc, tokens)
	}

	if sizeCount == 0 && hasCount(tokens) {
		if cand, ok := r.singleCandidate(cc); ok {
			return Unresolved(ReasonMissingSize, true, cand)
		}
	}

	// Only a pronoun with nothing to point at is asked about here. A lone
	// size or a bare number is as likely an address, an order number or a
	// head count, so the model sees it.
	out := Unresolved(ReasonNoContext, elliptical)
	out.NeedsClarification = pronoun && len(cc.LastDiscussedProducts) == 0
	return out
}

// askForProduct is the no-context outcome for an utterance that clearly
// refers back to something the context cannot supply.
func askForProduct() Outcome {
	out := Unresolved(ReasonNoContext, true)
	out.NeedsClarification = true
	return out
}

// hasCount reports a quantity above one. "un"/"una" are usually articles,
// not counts.
func hasCount(tokens []normalize.SizeToken) bool {
	for _, t := range tokens {
		if t.Kind == normalize.KindQuantity && t.Magnitude > 1 {
			return true
		}
	}
	return false
}

func (r *Resolver) hasPronoun(text normalize.NormalizedText) bool {
	for _, re := range r.markers {
		if re.MatchString(string(text)) {
			return true
		}
	}
	return false
}

// resolveExplicit walks mentions and tokens in text order. A quantity
// binds forward to the next size or product mention; a size binds back to
// the last product mentioned, or to the first one when it comes before any.
func (r *Resolver) resolveExplicit(mentions []catalog.Mention, tokens []normalize.SizeToken) Outcome {
	type slot struct {
		defaultQty int
		pairs      []sizePair
	}
	slots := make([]slot, len(mentions))

	cur, pending := -1, 0
	mi := 0
	for _, tok := range tokens {
		for mi < len(mentions) && mentions[mi].Position <= tok.Position {
			cur = mi
			slots[cur].defaultQty = pending
			pending = 0
			mi++
		}
		switch tok.Kind {
		case normalize.KindQuantity:
			pending = tok.Magnitude
		case normalize.KindSize:
			target := max(cur, 0)
			q := pending
			if q <= 0 {
				q = slots[target].defaultQty
			}
			slots[target].pairs = append(slots[target].pairs, sizePair{size: tok.Magnitude, quantity: max(q, 1)})
			pending = 0
		}
	}
	for ; mi < len(mentions); mi++ {
		slots[mi].defaultQty = pending
		pending = 0
	}

	var items []ResolvedItem
	for i, m := range mentions {
		pairs := slots[i].pairs
		if len(pairs) == 0 {
			pairs = []sizePair{{quantity: max(slots[i].defaultQty, 1)}}
		}
		for _, pair := range pairs {
			if pair.size != 0 && !slices.Contains(m.Product.Sizes(), pair.size) {
				return Unresolved(ReasonSizeNotOffered, false, candidateOf(m.Product))
			}
			items = append(items, ResolvedItem{
				ProductKey: m.Product.Key,
				Name:       m.Product.Name,
				SizeOz:     pair.size,
				Quantity:   pair.quantity,
				Source:     SourceExplicit,
			})
		}
	}
	return Resolved(items, false)
}

func (r *Resolver) resolvePronoun(cc convctx.ConversationContext, tokens []normalize.SizeToken) Outcome {
	recent := distinctByKey(cc.RecentProducts())
	if len(recent) > 1 {
		return Unresolved(ReasonAmbiguousPronoun, true, r.candidates(recent)...)
	}
	p, ok := r.catalog.Product(recent[0].Key)
	if !ok {
		return askForProduct()
	}
	return r.inherit(p, tokens, SourcePronoun)
}

func (r *Resolver) resolveSizesOnly(cc convctx.ConversationContext, tokens []normalize.SizeToken) Outcome {
	distinct := distinctByKey(cc.LastDiscussedProducts)
	if len(distinct) == 0 {
		return askForProduct()
	}
	if len(distinct) > r.cfg.AmbiguityThreshold {
		return Unresolved(ReasonAmbiguousSizes, true, r.candidates(distinct)...)
	}
	recent := cc.RecentProducts()
	if len(distinctByKey(recent)) != 1 {
		return Unresolved(ReasonAmbiguousSizes, true, r.candidates(recent)...)
	}
	p, ok := r.catalog.Product(recent[0].Key)
	if !ok {
		return askForProduct()
	}
	return r.inherit(p, tokens, SourceInherited)
}

// singleCandidate returns the one product in recent context, if there is
// exactly one.
func (r *Resolver) singleCandidate(cc convctx.ConversationContext) (Candidate, bool) {
	recent := distinctByKey(cc.RecentProducts())
	if len(recent) != 1 {
		return Candidate{}, false
	}
	p, ok := r.catalog.Product(recent[0].Key)
	if !ok {
		return Candidate{}, false
	}
	return candidateOf(p), true
}

func (r *Resolver) inherit(p catalog.Product, tokens []normalize.SizeToken, src Source) Outcome {
	var items []ResolvedItem
	for _, pair := range pairTokens(tokens) {
		if pair.size != 0 && !slices.Contains(p.Sizes(), pair.size) {
			return Unresolved(ReasonSizeNotOffered, true, candidateOf(p))
		}
		items = append(items, ResolvedItem{
			ProductKey: p.Key,
			Name:       p.Name,
			SizeOz:     pair.size,
			Quantity:   pair.quantity,
			Source:     src,
		})
	}
	return Resolved(items, true)
}

func (r *Resolver) candidates(refs []convctx.ProductRef) []Candidate {
	out := make([]Candidate, 0, len(refs))
	for _, ref := range distinctByKey(refs) {
		if p, ok := r.catalog.Product(ref.Key); ok {
			out = append(out, candidateOf(p))
			continue
		}
		out = append(out, Candidate{Key: ref.Key, Name: ref.Name})
	}
	return out
}

type sizePair struct {
	size     int
	quantity int
}

// pairTokens turns a token run into (size, quantity) pairs. Each size takes
// the quantity immediately before it; a run with no size yields one pair of
// size zero. Quantities default to one.
func pairTokens(tokens []normalize.SizeToken) []sizePair {
	var pairs []sizePair
	pending := 0
	for _, tok := range tokens {
		switch tok.Kind {
		case normalize.KindQuantity:
			pending = tok.Magnitude
		case normalize.KindSize:
			q := pending
			if q <= 0 {
				q = 1
			}
			pairs = append(pairs, sizePair{size: tok.Magnitude, quantity: q})
			pending = 0
		}
	}
	if len(pairs) == 0 {
		q := pending
		if q <= 0 {
			q = 1
		}
		pairs = append(pairs, sizePair{quantity: q})
	}
	return pairs
}

func countKind(tokens []normalize.SizeToken, k normalize.TokenKind) int {
	n := 0
	for _, t := range tokens {
		if t.Kind == k {
			n++
		}
	}
	return n
}

// distinctByKey keeps the first ref per product key, preserving order.
func distinctByKey(refs []convctx.ProductRef) []convctx.ProductRef {
	seen := make(map[string]struct{}, len(refs))
	out := make([]convctx.ProductRef, 0, len(refs))
	for _, ref := range refs {
		if _, dup := seen[ref.Key]; dup {
			continue
		}
		seen[ref.Key] = struct{}{}
		out = append(out, ref)
	}
	return out
}

func candidateOf(p catalog.Product) Candidate {
	return Candidate{Key: p.Key, Name: p.Name, Sizes: p.Sizes()}
}
