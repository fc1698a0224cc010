// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package convctx

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	badgerstore "github.com/AleutianAI/orderbot/services/orderbot/storage/badger"
)

func openTestDB(t *testing.T) *badgerstore.DB {
	t.Helper()
	cfg := badgerstore.DefaultConfig()
	cfg.Path = t.TempDir()
	db, err := badgerstore.OpenDB(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestBadgerBackend_MissingIsNotFound(t *testing.T) {
	b := NewBadgerBackend(openTestDB(t), 0, nil)
	_, found, err := b.Load(context.Background(), "+573001112233")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestBadgerBackend_StoreRoundTrip(t *testing.T) {
	b := NewBadgerBackend(openTestDB(t), 0, nil)
	s := NewStore(b)
	ctx := context.Background()

	written, err := s.Update(ctx, "+573001112233", func(ConversationContext) (Patch, error) {
		return Patch{
			LastDiscussedProducts: []ProductRef{{Key: "maracuya", Name: "Maracuyá"}},
			CurrentOrderItems:     map[string]OrderLine{"maracuya-16": {ProductID: 2, Quantity: 2, SizeOz: 16}},
			LastTopic:             TopicOrderEdit,
			Phase:                 PhaseOrdering,
		}, nil
	})
	require.NoError(t, err)

	cc := s.Get(ctx, "+573001112233")
	assert.Equal(t, "Maracuyá", cc.LastDiscussedProducts[0].Name)
	assert.Equal(t, 2, cc.CurrentOrderItems["maracuya-16"].Quantity)
	assert.Equal(t, TopicOrderEdit, cc.LastTopic)
	assert.Equal(t, PhaseOrdering, cc.Phase)

	reread := NewStore(b).Get(ctx, "+573001112233")
	if diff := cmp.Diff(written, reread); diff != "" {
		t.Errorf("persisted context mismatch (-written +read):\n%s", diff)
	}
}

func TestBadgerBackend_Scan(t *testing.T) {
	b := NewBadgerBackend(openTestDB(t), 0, nil)
	s := NewStore(b)
	ctx := context.Background()

	for _, id := range []string{"+571", "+572", "+573"} {
		_, err := s.Update(ctx, id, func(ConversationContext) (Patch, error) {
			return Patch{LastTopic: TopicCheckout}, nil
		})
		require.NoError(t, err)
	}

	var ids []string
	require.NoError(t, b.Scan(ctx, func(cc ConversationContext) error {
		ids = append(ids, cc.ConversationID)
		return nil
	}))
	assert.Equal(t, []string{"+571", "+572", "+573"}, ids)
}
