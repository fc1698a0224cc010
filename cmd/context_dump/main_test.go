// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"testing"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/orderbot/services/orderbot/convctx"
	badgerstore "github.com/AleutianAI/orderbot/services/orderbot/storage/badger"
)

func TestReadEntries(t *testing.T) {
	dir := t.TempDir()
	db, err := badgerstore.OpenDB(badgerstore.Config{Path: dir})
	require.NoError(t, err)

	store := convctx.NewStore(convctx.NewBadgerBackend(db, time.Hour, nil))
	_, err = store.Update(context.Background(), "+573001234567", func(convctx.ConversationContext) (convctx.Patch, error) {
		return convctx.Patch{LastDiscussedProducts: []convctx.ProductRef{{Key: "arequipe", Name: "Arequipe"}}}, nil
	})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	raw, err := dgbadger.Open(dgbadger.DefaultOptions(dir).WithLogger(nil).WithReadOnly(true))
	require.NoError(t, err)
	defer raw.Close()

	entries, err := readEntries(raw)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "•••4567", entries[0].masked)
	assert.True(t, entries[0].hasExpiry)
	require.NoError(t, entries[0].decodeErr)
	assert.Equal(t, uint64(1), entries[0].ctx.Generation)
	assert.Equal(t, "arequipe", entries[0].ctx.LastDiscussedProducts[0].Key)
}
