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

import "math"

// BM25 tuning constants (Robertson et al. defaults).
const (
	bm25K1 = 1.5
	bm25B  = 0.75
)

type bm25Doc struct {
	key string
	tf  map[string]int
	len int
}

// bm25Index ranks products by how well their descriptive text matches a
// query. It is a secondary signal: the term matcher decides what is a hit,
// BM25 orders hits with equal match scores.
//
// Immutable after construction.
type bm25Index struct {
	docs   []bm25Doc
	idf    map[string]float64
	avgLen float64
}

// buildBM25 indexes one document per product. Each document is the tokens
// of the product's name, aliases and ingredients.
func buildBM25(docs map[string][]string, order []string) *bm25Index {
	idx := &bm25Index{idf: make(map[string]float64)}
	if len(order) == 0 {
		return idx
	}

	df := make(map[string]int)
	total := 0
	for _, key := range order {
		tf := make(map[string]int)
		for _, tok := range docs[key] {
			tf[tok]++
		}
		n := len(docs[key])
		idx.docs = append(idx.docs, bm25Doc{key: key, tf: tf, len: n})
		total += n
		for term := range tf {
			df[term]++
		}
	}

	n := len(idx.docs)
	idx.avgLen = float64(total) / float64(n)
	for term, freq := range df {
		// Lucene-style smoothing keeps idf >= 1.
		idx.idf[term] = math.Log(float64(n+1)/float64(freq+1)) + 1.0
	}
	return idx
}

// score returns product key -> score normalized to [0, 1]. Products with no
// overlap are omitted.
func (idx *bm25Index) score(terms []string) map[string]float64 {
	out := make(map[string]float64, len(idx.docs))
	if len(terms) == 0 || len(idx.docs) == 0 {
		return out
	}
	unique := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		unique[t] = struct{}{}
	}

	var maxScore float64
	for _, doc := range idx.docs {
		var s float64
		dl := float64(doc.len)
		for term := range unique {
			tf, ok := doc.tf[term]
			if !ok {
				continue
			}
			f := float64(tf)
			s += idx.idf[term] * (f * (bm25K1 + 1)) / (f + bm25K1*(1-bm25B+bm25B*dl/idx.avgLen))
		}
		if s > 0 {
			out[doc.key] = s
			maxScore = math.Max(maxScore, s)
		}
	}
	for k := range out {
		out[k] /= maxScore
	}
	return out
}
