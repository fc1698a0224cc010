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

// =============================================================================
// BadgerBackend: context persistence
// =============================================================================
//
// Storage layout:
//
//	convctx/v1/{conversationID}  →  JSON-encoded ConversationContext
//	                                TTL: retention (default 30 days),
//	                                refreshed on every Save
//
// Retention is enforced by Badger's native TTL: an expired key reads as
// ErrKeyNotFound, which Load reports as "not found" and the Store turns into
// a fresh empty context.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"

	badgerstore "github.com/AleutianAI/orderbot/services/orderbot/storage/badger"
)

// KeyPrefix is prepended to the conversation id to form the Badger key.
const KeyPrefix = "convctx/v1/"

const defaultRetention = 30 * 24 * time.Hour

// BadgerBackend stores contexts in BadgerDB.
//
// # Thread Safety
//
// Safe for concurrent use. Each Save is a single Badger transaction.
type BadgerBackend struct {
	db        *badgerstore.DB
	retention time.Duration
	logger    *slog.Logger
}

// NewBadgerBackend creates a backend over db. The caller owns db.
//
// # Inputs
//
//   - db: Opened database. Must not be nil.
//   - retention: Lifetime of an idle context. Zero selects 30 days.
//   - logger: May be nil.
func NewBadgerBackend(db *badgerstore.DB, retention time.Duration, logger *slog.Logger) *BadgerBackend {
	if db == nil {
		panic("NewBadgerBackend: db must not be nil")
	}
	if retention <= 0 {
		retention = defaultRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BadgerBackend{db: db, retention: retention, logger: logger}
}

// Load implements Backend.
func (b *BadgerBackend) Load(ctx context.Context, conversationID string) (ConversationContext, bool, error) {
	var raw []byte
	err := b.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		item, err := txn.Get(contextKey(conversationID))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, dgbadger.ErrKeyNotFound) {
		return ConversationContext{}, false, nil
	}
	if err != nil {
		return ConversationContext{}, false, fmt.Errorf("convctx: badger load: %w", err)
	}

	var cc ConversationContext
	if err := json.Unmarshal(raw, &cc); err != nil {
		return ConversationContext{}, false, fmt.Errorf("convctx: decode stored context: %w", err)
	}
	return cc, true, nil
}

// Save implements Backend.
func (b *BadgerBackend) Save(ctx context.Context, c ConversationContext) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("convctx: encode context: %w", err)
	}
	err = b.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return txn.SetEntry(dgbadger.NewEntry(contextKey(c.ConversationID), raw).WithTTL(b.retention))
	})
	if err != nil {
		return fmt.Errorf("convctx: badger save: %w", err)
	}
	b.logger.Debug("context saved",
		slog.Uint64("generation", c.Generation),
		slog.Int("bytes", len(raw)),
	)
	return nil
}

// Scan calls fn for every stored context, in key order. Decoding failures are
// logged and skipped. Returning an error from fn stops the scan.
func (b *BadgerBackend) Scan(ctx context.Context, fn func(ConversationContext) error) error {
	return b.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.Prefix = []byte(KeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("copy value: %w", err)
			}
			var cc ConversationContext
			if err := json.Unmarshal(raw, &cc); err != nil {
				b.logger.Warn("skipping undecodable context",
					slog.String("key_suffix", lastN(strings.TrimPrefix(string(item.Key()), KeyPrefix), 4)),
					slog.String("error", err.Error()))
				continue
			}
			if err := fn(cc); err != nil {
				return err
			}
		}
		return nil
	})
}

func contextKey(conversationID string) []byte {
	return []byte(KeyPrefix + conversationID)
}

func lastN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
