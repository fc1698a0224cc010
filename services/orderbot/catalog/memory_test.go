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
	"context"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/orderbot/services/orderbot/config"
	"github.com/AleutianAI/orderbot/services/orderbot/normalize"
)

func newTestCatalog(t *testing.T) *MemoryCatalog {
	t.Helper()
	menu, err := config.DefaultMenu()
	require.NoError(t, err)
	c, err := FromMenu(menu)
	require.NoError(t, err)
	return c
}

func newTestEngine(t *testing.T, c *MemoryCatalog) *normalize.Engine {
	t.Helper()
	table, err := config.LoadSynonyms()
	require.NoError(t, err)
	e, err := normalize.NewEngine(table, normalize.WithVocabulary(c))
	require.NoError(t, err)
	return e
}

func search(t *testing.T, c *MemoryCatalog, e *normalize.Engine, text string, size int) []Item {
	t.Helper()
	seq, err := c.Search(context.Background(), Query{Text: e.Normalize(text), SizeOz: size, Limit: 10})
	require.NoError(t, err)
	return slices.Collect(seq)
}

func TestFromMenu_AssignsIDs(t *testing.T) {
	c := newTestCatalog(t)

	item, ok := c.VariantByID(1)
	require.True(t, ok)
	assert.Equal(t, "pave-de-milo", item.ProductKey)
	assert.Equal(t, 8, item.SizeOz)

	item, ok = c.Variant("maracuya", 16)
	require.True(t, ok)
	assert.Equal(t, 4, item.ID)
	assert.Equal(t, int64(1600000), item.PriceCents)

	_, ok = c.Variant("maracuya", 12)
	assert.False(t, ok)
}

func TestSearch_ExactAndSynonym(t *testing.T) {
	c := newTestCatalog(t)
	e := newTestEngine(t, c)

	items := search(t, c, e, "Maracuyá", 0)
	require.Len(t, items, 2)
	assert.Equal(t, "maracuya", items[0].ProductKey)
	assert.Equal(t, 1.0, items[0].Score)

	items = search(t, c, e, "algo de chocolate", 0)
	require.NotEmpty(t, items)
	assert.Equal(t, "pave-de-milo", items[0].ProductKey)
}

func TestSearch_TypoTolerance(t *testing.T) {
	c := newTestCatalog(t)
	e := newTestEngine(t, c)

	items := search(t, c, e, "maracuyaa", 0)
	require.NotEmpty(t, items)
	assert.Equal(t, "maracuya", items[0].ProductKey)
	assert.Less(t, items[0].Score, 1.0)
}

func TestSearch_SizeBonusOrdersVariants(t *testing.T) {
	c := newTestCatalog(t)
	e := newTestEngine(t, c)

	items := search(t, c, e, "arequipe", 16)
	require.Len(t, items, 2)
	assert.Equal(t, 16, items[0].SizeOz)
	assert.InDelta(t, 1.1, items[0].Score, 1e-9)
	assert.Equal(t, 8, items[1].SizeOz)
}

func TestSearch_NoMatch(t *testing.T) {
	c := newTestCatalog(t)
	e := newTestEngine(t, c)
	assert.Empty(t, search(t, c, e, "hamburguesa", 0))
}

func TestSearch_EmptyQuery(t *testing.T) {
	c := newTestCatalog(t)
	_, err := c.Search(context.Background(), Query{Text: "de la 8"})
	assert.ErrorIs(t, err, ErrEmptyQuery)
}

func TestSearch_CancelledContext(t *testing.T) {
	c := newTestCatalog(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Search(ctx, Query{Text: "milo"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSearch_SkipsUnavailable(t *testing.T) {
	c := newTestCatalog(t)
	e := newTestEngine(t, c)
	item, ok := c.Variant("arequipe", 8)
	require.True(t, ok)
	require.NoError(t, c.SetAvailable(item.ID, false))

	items := search(t, c, e, "arequipe", 0)
	require.Len(t, items, 1)
	assert.Equal(t, 16, items[0].SizeOz)
}

func TestSearch_Limit(t *testing.T) {
	menu, err := config.DefaultMenu()
	require.NoError(t, err)
	c, err := FromMenu(menu, WithMinScore(0))
	require.NoError(t, err)

	seq, err := c.Search(context.Background(), Query{Text: "leche", Limit: 3})
	require.NoError(t, err)
	assert.Len(t, slices.Collect(seq), 3)
}

func TestMentions_OrderAndLongestTerm(t *testing.T) {
	c := newTestCatalog(t)
	e := newTestEngine(t, c)

	m := c.Mentions(e.Normalize("quiero arequipe y un pave de milo"))
	require.Len(t, m, 2)
	assert.Equal(t, "arequipe", m[0].Product.Key)
	assert.Equal(t, "pave-de-milo", m[1].Product.Key)
	assert.Equal(t, "pave de milo", m[1].Term)

	assert.Empty(t, c.Mentions(e.Normalize("el mismo")))
}

// Every product that Mentions finds must also come back from Search.
func TestMentions_RoundTripWithSearch(t *testing.T) {
	c := newTestCatalog(t)
	e := newTestEngine(t, c)

	for _, p := range c.Products() {
		for _, phrase := range []string{p.Name, "quiero " + p.Name + " por favor"} {
			text := e.Normalize(phrase)
			m := c.Mentions(text)
			require.Len(t, m, 1, phrase)

			items := search(t, c, e, phrase, 0)
			require.NotEmpty(t, items, phrase)
			assert.Equal(t, m[0].Product.Key, items[0].ProductKey, phrase)
		}
	}
}

func TestContains(t *testing.T) {
	c := newTestCatalog(t)
	assert.True(t, c.Contains("Maracuyá"))
	assert.True(t, c.Contains("milo"))
	assert.True(t, c.Contains("leche klim"))
	assert.False(t, c.Contains("chocolate"))
}

func TestNewMemoryCatalog_Rejects(t *testing.T) {
	_, err := NewMemoryCatalog([]Product{{Key: "a", Name: "A"}, {Key: "a", Name: "B"}})
	assert.Error(t, err)

	_, err = NewMemoryCatalog([]Product{{Key: "", Name: "A"}})
	assert.Error(t, err)

	_, err = NewMemoryCatalog([]Product{
		{Key: "a", Name: "A", Variants: []Variant{{ID: 7, SizeOz: 8}}},
		{Key: "b", Name: "B", Variants: []Variant{{ID: 7, SizeOz: 8}}},
	})
	assert.Error(t, err)
}

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, similarity("milo", "milo"))
	assert.Equal(t, 0.0, similarity("abc", "xyz"))
	assert.InDelta(t, 0.75, similarity("abcd", "abce"), 1e-9)
	assert.Greater(t, similarity("arequipe", "arekipe"), 0.7)
}

func TestBM25_PrefersRarerTerms(t *testing.T) {
	idx := buildBM25(map[string][]string{
		"a": {"leche", "klim"},
		"b": {"leche", "arequipe"},
	}, []string{"a", "b"})

	s := idx.score([]string{"klim", "leche"})
	assert.Equal(t, 1.0, s["a"])
	assert.Less(t, s["b"], 1.0)
	assert.Empty(t, buildBM25(nil, nil).score([]string{"x"}))
}
