// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ingress

// =============================================================================
// Inbound Message Claims
// =============================================================================
//
// The messaging provider retries webhooks it considers undelivered, so the
// same MessageSid can arrive more than once. A claim records the first
// delivery and every later one is acknowledged without processing.
//
// Storage layout (Badger):
//
//	ingress/claim/v1/{MessageSid}  →  RFC3339 claim time, TTL: claim TTL

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"

	badgerstore "github.com/AleutianAI/orderbot/services/orderbot/storage/badger"
)

// ClaimKeyPrefix is prepended to the message id to form the Badger key.
const ClaimKeyPrefix = "ingress/claim/v1/"

// ErrEmptyMessageID is returned when a claim is attempted without an id.
var ErrEmptyMessageID = errors.New("ingress: empty message id")

// ClaimStore records which inbound messages have been seen.
//
// Thread Safety: Implementations must be safe for concurrent use.
type ClaimStore interface {
	// Claim returns true the first time messageID is seen within the TTL
	// and false for every repeat.
	Claim(ctx context.Context, messageID string) (bool, error)

	// Release forgets a claim so a redelivery is processed again.
	Release(ctx context.Context, messageID string) error
}

// =============================================================================
// Memory
// =============================================================================

// MemoryClaims keeps claims in a map with lazy expiry.
//
// Thread Safety: Safe for concurrent use via sync.Mutex.
type MemoryClaims struct {
	mu     sync.Mutex
	ttl    time.Duration
	claims map[string]time.Time
	now    func() time.Time
}

// NewMemoryClaims creates a claim store whose claims last ttl.
func NewMemoryClaims(ttl time.Duration) *MemoryClaims {
	return &MemoryClaims{ttl: ttl, claims: make(map[string]time.Time), now: time.Now}
}

// Claim implements ClaimStore.
func (m *MemoryClaims) Claim(ctx context.Context, messageID string) (bool, error) {
	if messageID == "" {
		return false, ErrEmptyMessageID
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if at, ok := m.claims[messageID]; ok && now.Sub(at) < m.ttl {
		return false, nil
	}
	m.claims[messageID] = now
	if len(m.claims)%256 == 0 {
		m.expireLocked(now)
	}
	return true, nil
}

// Release implements ClaimStore.
func (m *MemoryClaims) Release(_ context.Context, messageID string) error {
	m.mu.Lock()
	delete(m.claims, messageID)
	m.mu.Unlock()
	return nil
}

func (m *MemoryClaims) expireLocked(now time.Time) {
	for id, at := range m.claims {
		if now.Sub(at) >= m.ttl {
			delete(m.claims, id)
		}
	}
}

// =============================================================================
// Badger
// =============================================================================

// BadgerClaims stores claims in BadgerDB with native TTL so they survive a
// restart.
//
// # Thread Safety
//
// Safe for concurrent use. Two concurrent claims of the same id conflict in
// Badger and the loser reports the message as already claimed.
type BadgerClaims struct {
	db  *badgerstore.DB
	ttl time.Duration
}

// NewBadgerClaims creates a claim store over db. The caller owns db.
func NewBadgerClaims(db *badgerstore.DB, ttl time.Duration) *BadgerClaims {
	if db == nil {
		panic("NewBadgerClaims: db must not be nil")
	}
	return &BadgerClaims{db: db, ttl: ttl}
}

// Claim implements ClaimStore.
func (b *BadgerClaims) Claim(ctx context.Context, messageID string) (bool, error) {
	if messageID == "" {
		return false, ErrEmptyMessageID
	}
	key := []byte(ClaimKeyPrefix + messageID)
	claimed := false
	err := b.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		_, err := txn.Get(key)
		switch {
		case err == nil:
			return nil
		case !errors.Is(err, dgbadger.ErrKeyNotFound):
			return err
		}
		stamp := []byte(time.Now().UTC().Format(time.RFC3339))
		if err := txn.SetEntry(dgbadger.NewEntry(key, stamp).WithTTL(b.ttl)); err != nil {
			return err
		}
		claimed = true
		return nil
	})
	if errors.Is(err, dgbadger.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ingress: claim: %w", err)
	}
	return claimed, nil
}

// Release implements ClaimStore.
func (b *BadgerClaims) Release(ctx context.Context, messageID string) error {
	err := b.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return txn.Delete([]byte(ClaimKeyPrefix + messageID))
	})
	if err != nil {
		return fmt.Errorf("ingress: release claim: %w", err)
	}
	return nil
}
