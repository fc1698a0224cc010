// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/orderbot/services/llm"
	"github.com/AleutianAI/orderbot/services/orderbot/catalog"
	"github.com/AleutianAI/orderbot/services/orderbot/convctx"
	"github.com/AleutianAI/orderbot/services/orderbot/normalize"
)

// =============================================================================
// search_products
// =============================================================================

// SearchToolName is the catalog search tool. A successful call always
// refreshes the discussed products in the conversation context.
const SearchToolName = "search_products"

const maxSearchLimit = 10

var searchTracer = otel.Tracer("orderbot.tools.search_products")

// Searcher is the catalog search the tool runs.
type Searcher interface {
	Search(ctx context.Context, q catalog.Query) (iter.Seq[catalog.Item], error)
}

// Normalizer folds free text and finds sizes in it. *normalize.Engine
// satisfies it.
type Normalizer interface {
	Normalize(text string) normalize.NormalizedText
	ExtractSizeTokens(text normalize.NormalizedText) iter.Seq[normalize.SizeToken]
}

type searchProductsParams struct {
	Query  string `json:"query" validate:"required,max=200"`
	SizeOz int    `json:"size_oz,omitempty" validate:"gte=0"`
	Limit  int    `json:"limit,omitempty" validate:"gte=0"`
}

// ProductHit is one search result as the model sees it.
type ProductHit struct {
	ID         int    `json:"id"`
	Name       string `json:"name"`
	SizeOz     int    `json:"size_oz"`
	PriceCents int64  `json:"price_cents"`
	Price      string `json:"price"`
	ImageURL   string `json:"image_url,omitempty"`
}

// SearchOutput is the data of a successful search.
type SearchOutput struct {
	Query    string       `json:"query"`
	Products []ProductHit `json:"products"`
	Total    int          `json:"total"`
}

type searchProductsTool struct {
	catalog    Searcher
	normalizer Normalizer
	logger     *slog.Logger
}

// NewSearchProductsTool creates the search_products tool.
func NewSearchProductsTool(cat Searcher, n Normalizer, logger *slog.Logger) Tool {
	if cat == nil || n == nil {
		panic("tools.NewSearchProductsTool: catalog and normalizer must not be nil")
	}
	return &searchProductsTool{catalog: cat, normalizer: n, logger: loggerOr(logger)}
}

func (t *searchProductsTool) Name() string { return SearchToolName }

func (t *searchProductsTool) NeedsConversationID() bool { return false }

func (t *searchProductsTool) Definition() llm.ToolDef {
	return functionDef(SearchToolName,
		"Busca pavés en el catálogo por nombre, sabor o ingrediente. "+
			"Úsala cuando el cliente pregunte por un producto, un precio o un tamaño. "+
			"Devuelve los productos disponibles con id, tamaño en onzas y precio.",
		objectSchema(map[string]llm.ToolParamDef{
			"query": {
				Type:        "string",
				Description: "Texto de búsqueda, por ejemplo 'milo' o 'pave de arequipe grande'.",
			},
			"size_oz": {
				Type:        "integer",
				Description: "Tamaño preferido en onzas.",
				Enum:        []any{8, 16},
			},
			"limit": {
				Type:        "integer",
				Description: "Máximo de resultados.",
				Default:     catalog.DefaultLimit,
			},
		}, "query"),
	)
}

// Execute runs the search.
//
// The returned Effect replaces last_discussed_products with the distinct
// products found, in rank order, and sets the topic. A search with no hits
// clears the list, so a later "el mismo" cannot bind to stale products.
func (t *searchProductsTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	start := time.Now()

	var p searchProductsParams
	if err := bindArgs(SearchToolName, args, &p); err != nil {
		return Failure(err.Error(), nil), nil
	}
	if p.Limit <= 0 {
		p.Limit = catalog.DefaultLimit
	}
	p.Limit = min(p.Limit, maxSearchLimit)

	ctx, span := searchTracer.Start(ctx, "searchProductsTool.Execute",
		trace.WithAttributes(
			attribute.String("tool", SearchToolName),
			attribute.Int("limit", p.Limit),
		),
	)
	defer span.End()

	text := t.normalizer.Normalize(p.Query)
	sizes := normalize.Sizes(t.normalizer.ExtractSizeTokens(text))
	if p.SizeOz == 0 && len(sizes) > 0 {
		p.SizeOz = sizes[0]
	}

	seq, err := t.catalog.Search(ctx, catalog.Query{Text: text, SizeOz: p.SizeOz, Limit: p.Limit})
	if errors.Is(err, catalog.ErrEmptyQuery) {
		return Failure("La búsqueda está vacía. Pregunta al cliente qué producto busca.", nil), nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("search_products: %w", err)
	}

	out := SearchOutput{Query: string(text), Products: []ProductHit{}}
	refs := []convctx.ProductRef{}
	seen := make(map[string]bool)
	for item := range seq {
		out.Products = append(out.Products, ProductHit{
			ID:         item.ID,
			Name:       item.Name,
			SizeOz:     item.SizeOz,
			PriceCents: item.PriceCents,
			Price:      formatPesos(item.PriceCents),
			ImageURL:   item.ImageURL,
		})
		if !seen[item.ProductKey] {
			seen[item.ProductKey] = true
			refs = append(refs, convctx.ProductRef{Key: item.ProductKey, Name: item.Name})
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out.Total = len(out.Products)

	effect := &convctx.Patch{
		LastDiscussedProducts: refs,
		LastTopic:             convctx.TopicProductSearch,
		Phase:                 convctx.PhaseBrowsing,
	}
	if len(sizes) > 0 {
		effect.MentionedSizes = sizes
	}

	span.SetAttributes(
		attribute.Int("hits", out.Total),
		attribute.Int("products", len(refs)),
	)
	t.logger.Debug("catalog search",
		slog.String("tool", SearchToolName),
		slog.Int("hits", out.Total),
		slog.Duration("duration", time.Since(start)),
	)

	res := Success(out, effect)
	res.Duration = time.Since(start)
	return res, nil
}
