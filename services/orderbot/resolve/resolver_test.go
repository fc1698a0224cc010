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
	"context"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/orderbot/services/orderbot/catalog"
	"github.com/AleutianAI/orderbot/services/orderbot/config"
	"github.com/AleutianAI/orderbot/services/orderbot/convctx"
	"github.com/AleutianAI/orderbot/services/orderbot/normalize"
)

type fixture struct {
	cat    *catalog.MemoryCatalog
	engine *normalize.Engine
	res    *Resolver
}

func newFixture(t *testing.T, cfg Config) fixture {
	t.Helper()
	menu, err := config.DefaultMenu()
	require.NoError(t, err)
	cat, err := catalog.FromMenu(menu)
	require.NoError(t, err)
	table, err := config.LoadSynonyms()
	require.NoError(t, err)
	engine, err := normalize.NewEngine(table, normalize.WithVocabulary(cat))
	require.NoError(t, err)
	return fixture{cat: cat, engine: engine, res: New(cat, engine, cfg)}
}

func (f fixture) resolve(text string, cc convctx.ConversationContext) Outcome {
	return f.res.Resolve(f.engine.Normalize(text), cc)
}

func ctxWith(refs ...convctx.ProductRef) convctx.ConversationContext {
	cc := convctx.New("+573001112233")
	cc.LastDiscussedProducts = refs
	return cc
}

var (
	maracuya = convctx.ProductRef{Key: "maracuya", Name: "Maracuyá"}
	arequipe = convctx.ProductRef{Key: "arequipe", Name: "Arequipe"}
	milo     = convctx.ProductRef{Key: "pave-de-milo", Name: "Pave de Milo"}
)

func withGen(ref convctx.ProductRef, gen uint64) convctx.ProductRef {
	ref.Generation = gen
	return ref
}

func TestResolve_SingleFlavorMultiSize(t *testing.T) {
	f := newFixture(t, Config{})

	out := f.resolve("uno de 8 y otro de 16", ctxWith(maracuya))

	require.True(t, out.IsResolved(), "reason: %s", out.Reason)
	assert.True(t, out.Elliptical)
	assert.Equal(t, []ResolvedItem{
		{ProductKey: "maracuya", Name: "Maracuyá", SizeOz: 8, Quantity: 1, Source: SourceInherited},
		{ProductKey: "maracuya", Name: "Maracuyá", SizeOz: 16, Quantity: 1, Source: SourceInherited},
	}, out.Items)
}

func TestResolve_MultiSizeAmbiguousWithTwoProducts(t *testing.T) {
	f := newFixture(t, Config{})

	out := f.resolve("uno de 8 y otro de 16", ctxWith(maracuya, arequipe))

	assert.False(t, out.IsResolved())
	assert.Equal(t, ReasonAmbiguousSizes, out.Reason)
	assert.True(t, out.NeedsClarification)
	assert.Empty(t, out.Items)
	assert.Equal(t, "¿Te refieres a Maracuyá o Arequipe?", out.Clarification())
}

func TestResolve_AmbiguityThresholdIsConfigurable(t *testing.T) {
	f := newFixture(t, Config{AmbiguityThreshold: 2})

	// Two products, the most recent one is unique: it wins.
	out := f.resolve("dos de 8 y uno de 16", ctxWith(withGen(milo, 1), withGen(maracuya, 2)))
	require.True(t, out.IsResolved(), "reason: %s", out.Reason)
	assert.Equal(t, []ResolvedItem{
		{ProductKey: "maracuya", Name: "Maracuyá", SizeOz: 8, Quantity: 2, Source: SourceInherited},
		{ProductKey: "maracuya", Name: "Maracuyá", SizeOz: 16, Quantity: 1, Source: SourceInherited},
	}, out.Items)

	// Equal recency fails closed even under the threshold.
	out = f.resolve("dos de 8 y uno de 16", ctxWith(withGen(maracuya, 2), withGen(arequipe, 2)))
	assert.Equal(t, ReasonAmbiguousSizes, out.Reason)

	// Above the threshold.
	out = f.resolve("dos de 8 y uno de 16", ctxWith(withGen(milo, 1), withGen(maracuya, 2), withGen(arequipe, 3)))
	assert.Equal(t, ReasonAmbiguousSizes, out.Reason)
}

func TestResolve_PronounWithEmptyContextFailsClosed(t *testing.T) {
	f := newFixture(t, Config{})

	out := f.resolve("el mismo", ctxWith())

	assert.False(t, out.IsResolved())
	assert.Equal(t, ReasonNoContext, out.Reason)
	assert.True(t, out.NeedsClarification)
	assert.Empty(t, out.Items)
	q := out.Clarification()
	assert.Contains(t, q, "¿")
	assert.Contains(t, q, "?")
}

func TestResolve_PronounInheritsMostRecent(t *testing.T) {
	f := newFixture(t, Config{})

	out := f.resolve("El mismo pero grande", ctxWith(withGen(milo, 1), withGen(arequipe, 2)))

	require.True(t, out.IsResolved(), "reason: %s", out.Reason)
	assert.Equal(t, []ResolvedItem{
		{ProductKey: "arequipe", Name: "Arequipe", SizeOz: 16, Quantity: 1, Source: SourcePronoun},
	}, out.Items)
}

func TestResolve_PronounTieFailsClosed(t *testing.T) {
	f := newFixture(t, Config{})

	out := f.resolve("otro igual", ctxWith(maracuya, arequipe))

	assert.Equal(t, ReasonAmbiguousPronoun, out.Reason)
	assert.True(t, out.NeedsClarification)
	require.Len(t, out.Candidates, 2)
	assert.Equal(t, "maracuya", out.Candidates[0].Key)
}

func TestResolve_ExplicitPairsSizesAndQuantities(t *testing.T) {
	f := newFixture(t, Config{})

	out := f.resolve("dos de maracuyá de 16 y tres de arequipe de 8", ctxWith(milo))

	require.True(t, out.IsResolved(), "reason: %s", out.Reason)
	assert.False(t, out.Elliptical)
	assert.Equal(t, []ResolvedItem{
		{ProductKey: "maracuya", Name: "Maracuyá", SizeOz: 16, Quantity: 2, Source: SourceExplicit},
		{ProductKey: "arequipe", Name: "Arequipe", SizeOz: 8, Quantity: 3, Source: SourceExplicit},
	}, out.Items)
}

func TestResolve_ExplicitSizesBeforeProduct(t *testing.T) {
	f := newFixture(t, Config{})

	out := f.resolve("uno de 8 y otro de 16 de choco", ctxWith())

	require.True(t, out.IsResolved(), "reason: %s", out.Reason)
	require.Len(t, out.Items, 2)
	for _, it := range out.Items {
		assert.Equal(t, "pave-de-milo", it.ProductKey)
		assert.Equal(t, SourceExplicit, it.Source)
	}
	assert.Equal(t, 8, out.Items[0].SizeOz)
	assert.Equal(t, 16, out.Items[1].SizeOz)
}

func TestResolve_ExplicitPluralWithoutSize(t *testing.T) {
	f := newFixture(t, Config{})

	out := f.resolve("quiero dos maracuyas", ctxWith())

	require.True(t, out.IsResolved(), "reason: %s", out.Reason)
	assert.Equal(t, []ResolvedItem{
		{ProductKey: "maracuya", Name: "Maracuyá", Quantity: 2, Source: SourceExplicit},
	}, out.Items)
}

func TestResolve_SizeNotOffered(t *testing.T) {
	f := newFixture(t, Config{})

	out := f.resolve("un arequipe de 12 onzas", ctxWith())

	assert.Equal(t, ReasonSizeNotOffered, out.Reason)
	assert.Equal(t, "Ese tamaño no lo manejamos. ¿Quieres Arequipe de 8 o 16 onzas?", out.Clarification())
}

func TestResolve_MissingSize(t *testing.T) {
	f := newFixture(t, Config{})

	out := f.resolve("quiero dos", ctxWith(maracuya))

	assert.Equal(t, ReasonMissingSize, out.Reason)
	assert.True(t, out.NeedsClarification)
	assert.Equal(t, "¿De qué tamaño quieres Maracuyá? Lo tenemos de 8 o 16 onzas.", out.Clarification())
}

func TestResolve_PlainMessageIsNotElliptical(t *testing.T) {
	f := newFixture(t, Config{})

	out := f.resolve("hola, un momento por favor", ctxWith(maracuya))

	assert.Equal(t, ReasonNoContext, out.Reason)
	assert.False(t, out.Elliptical)
	assert.False(t, out.NeedsClarification)
}

func TestResolve_SingleSizeWithContextDefersToModel(t *testing.T) {
	f := newFixture(t, Config{})

	out := f.resolve("uno de 16", ctxWith(maracuya))

	assert.Equal(t, ReasonNoContext, out.Reason)
	assert.True(t, out.Elliptical)
	assert.False(t, out.NeedsClarification)
}

func TestResolve_NumbersWithoutContextReachTheModel(t *testing.T) {
	f := newFixture(t, Config{})

	tests := []struct {
		name       string
		text       string
		elliptical bool
	}{
		{name: "order number", text: "cual es el estado de mi pedido 12"},
		{name: "street number", text: "mi direccion es calle 45"},
		{name: "head count", text: "hola, somos 3 personas"},
		{name: "bare quantity", text: "quiero dos"},
		{name: "street that looks like a size", text: "vivo en la calle 16", elliptical: true},
		{name: "single size", text: "uno de 16", elliptical: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := f.resolve(tt.text, ctxWith())

			assert.Equal(t, ReasonNoContext, out.Reason)
			assert.Equal(t, tt.elliptical, out.Elliptical)
			assert.False(t, out.NeedsClarification)
		})
	}
}

func TestResolve_DoesNotMutateContext(t *testing.T) {
	f := newFixture(t, Config{})
	cc := ctxWith(maracuya, arequipe)
	before := cc.Clone()

	_ = f.resolve("uno de 8 y otro de 16", cc)
	_ = f.resolve("el mismo", cc)

	assert.Equal(t, before, cc)
}

// An explicit item must always be findable by searching the same text.
func TestResolve_ExplicitRoundTripsWithSearch(t *testing.T) {
	f := newFixture(t, Config{})

	for _, p := range f.cat.Products() {
		text := f.engine.Normalize(p.Name)
		out := f.res.Resolve(text, ctxWith())
		require.True(t, out.IsResolved(), p.Name)

		for _, item := range out.Items {
			require.Equal(t, SourceExplicit, item.Source)
			seq, err := f.cat.Search(context.Background(), catalog.Query{Text: text, Limit: 10})
			require.NoError(t, err)
			found := slices.ContainsFunc(slices.Collect(seq), func(it catalog.Item) bool {
				return it.ProductKey == item.ProductKey
			})
			assert.True(t, found, "search(%q) did not return %s", text, item.ProductKey)
		}
	}
}

func TestJoinOr(t *testing.T) {
	assert.Equal(t, "", joinOr(nil))
	assert.Equal(t, "a", joinOr([]string{"a"}))
	assert.Equal(t, "a o b", joinOr([]string{"a", "b"}))
	assert.Equal(t, "a, b o c", joinOr([]string{"a", "b", "c"}))
}
