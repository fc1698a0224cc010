// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package catalog holds the menu and answers product searches.
package catalog

import (
	"context"
	"errors"
	"iter"

	"github.com/AleutianAI/orderbot/services/orderbot/normalize"
)

// ErrEmptyQuery is returned by Search when the query has no usable terms.
var ErrEmptyQuery = errors.New("catalog: empty query")

// Product is one flavor on the menu.
type Product struct {
	Key         string    `json:"key"`
	Name        string    `json:"name"`
	Aliases     []string  `json:"aliases,omitempty"`
	Ingredients string    `json:"ingredients,omitempty"`
	Emoji       string    `json:"emoji,omitempty"`
	ImageURL    string    `json:"image_url,omitempty"`
	Variants    []Variant `json:"variants"`
}

// Variant is a sellable size of a product.
type Variant struct {
	ID         int   `json:"id"`
	SizeOz     int   `json:"size_oz"`
	PriceCents int64 `json:"price_cents"`
	Available  bool  `json:"available"`
}

// Sizes returns the ounce sizes the product is offered in, available or not.
func (p Product) Sizes() []int {
	out := make([]int, 0, len(p.Variants))
	for _, v := range p.Variants {
		out = append(out, v.SizeOz)
	}
	return out
}

// Item is a search hit: a single product variant.
type Item struct {
	ID         int     `json:"id"`
	ProductKey string  `json:"product_key"`
	Name       string  `json:"name"`
	SizeOz     int     `json:"size_oz"`
	PriceCents int64   `json:"price_cents"`
	ImageURL   string  `json:"image_url,omitempty"`
	Available  bool    `json:"available"`
	Score      float64 `json:"score"`
}

// Query is a product search.
type Query struct {
	Text normalize.NormalizedText

	// SizeOz boosts variants of this size. Zero means no preference.
	SizeOz int

	// Limit caps the number of items. Zero or negative means DefaultLimit.
	Limit int
}

// DefaultLimit is the number of items Search returns when Query.Limit is
// unset.
const DefaultLimit = 5

// Mention is a product named explicitly in an utterance.
type Mention struct {
	Product  Product
	Position int
	Term     string
}

// Catalog is the read side of the menu.
type Catalog interface {
	// Search yields matching available variants, best first.
	Search(ctx context.Context, q Query) (iter.Seq[Item], error)

	// Mentions returns the products named in text at word boundaries, in
	// order of first appearance, each at most once.
	Mentions(text normalize.NormalizedText) []Mention

	// Product looks up a product by key.
	Product(key string) (Product, bool)

	// Variant looks up one size of a product.
	Variant(productKey string, sizeOz int) (Item, bool)

	// VariantByID looks up a variant by its numeric id.
	VariantByID(id int) (Item, bool)

	// Products lists the menu in display order.
	Products() []Product

	// Contains reports whether term is a product name, key or alias.
	normalize.Vocabulary
}
