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
	"log/slog"
	"sync"
	"time"
)

// Backend persists whole ConversationContext records.
//
// Save must replace the record atomically: a concurrent Load observes either
// the previous record or the new one.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Backend interface {
	// Load returns the stored context. found is false when none exists.
	Load(ctx context.Context, conversationID string) (cc ConversationContext, found bool, err error)

	// Save stores c under c.ConversationID.
	Save(ctx context.Context, c ConversationContext) error
}

// Mutator computes the fields to replace from the current context. It must
// be a pure function of its argument. Returning an error aborts the update.
type Mutator func(current ConversationContext) (Patch, error)

// Store is the only writer of ConversationContext records.
//
// # Description
//
// Updates for one conversation id are serialized by a per-key lock and
// applied as field-level merges, so two concurrent updates touching
// disjoint fields both survive. Distinct ids never share a lock.
// Reads are lock-free against the backend and always see a whole record.
//
// # Thread Safety
//
// Safe for concurrent use.
type Store struct {
	backend Backend
	locks   *keyedLocks
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the time source used for UpdatedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore creates a Store over backend.
func NewStore(backend Backend, opts ...Option) *Store {
	if backend == nil {
		panic("convctx.NewStore: backend must not be nil")
	}
	s := &Store{
		backend: backend,
		locks:   newKeyedLocks(),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewMemoryStore creates a Store over an in-process map.
func NewMemoryStore(opts ...Option) *Store {
	return NewStore(NewMemoryBackend(), opts...)
}

// Get returns a copy of the context for conversationID.
//
// Get never fails: a missing record, or a record the backend cannot read,
// yields a fresh empty context. Backend failures are logged.
func (s *Store) Get(ctx context.Context, conversationID string) ConversationContext {
	cc, found, err := s.backend.Load(ctx, conversationID)
	if err != nil {
		s.logger.Warn("context load failed, using empty context",
			slog.String("error", err.Error()))
		return New(conversationID)
	}
	if !found {
		return New(conversationID)
	}
	return cc.Clone()
}

// Update applies mutator to the current context and publishes the result.
//
// # Description
//
// The per-key lock is held from load to save, so the mutator always sees
// the latest committed record for its id. If the context is cancelled while
// waiting for the lock, or before the mutator runs, nothing is written.
//
// # Outputs
//
//   - ConversationContext: The committed context (or the unchanged one when
//     the patch is empty).
//   - error: ctx.Err() on cancellation; *MutationError when the mutator or
//     the backend fails. In every error case the stored record is unchanged.
func (s *Store) Update(ctx context.Context, conversationID string, mutator Mutator) (ConversationContext, error) {
	if conversationID == "" {
		return ConversationContext{}, ErrEmptyConversationID
	}

	unlock, err := s.locks.lock(ctx, conversationID)
	if err != nil {
		return ConversationContext{}, err
	}
	defer unlock()

	if err := ctx.Err(); err != nil {
		return ConversationContext{}, err
	}

	current, found, err := s.backend.Load(ctx, conversationID)
	if err != nil {
		return ConversationContext{}, &MutationError{ConversationID: conversationID, Err: err}
	}
	if !found {
		current = New(conversationID)
	}

	patch, err := runMutator(mutator, current.Clone())
	if err != nil {
		return ConversationContext{}, &MutationError{ConversationID: conversationID, Err: err}
	}
	if patch.IsEmpty() {
		return current.Clone(), nil
	}

	next := current.Clone()
	patch.applyTo(&next, s.now().UTC())

	if err := s.backend.Save(ctx, next); err != nil {
		return ConversationContext{}, &MutationError{ConversationID: conversationID, Err: err}
	}
	return next.Clone(), nil
}

// runMutator converts a panicking mutator into an error so the lock is
// released and nothing is committed.
func runMutator(m Mutator, current ConversationContext) (p Patch, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return m(current)
}

type panicError struct{ value any }

func (e *panicError) Error() string { return "mutator panicked" }

// =============================================================================
// Per-key locks
// =============================================================================

// keyedLocks hands out one lock per key and forgets keys nobody holds.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*keyLock)}
}

// lock blocks until the key's lock is held or ctx is done.
func (k *keyedLocks) lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
		return func() {
			<-l.ch
			k.release(key, l)
		}, nil
	case <-ctx.Done():
		k.release(key, l)
		return nil, ctx.Err()
	}
}

func (k *keyedLocks) release(key string, l *keyLock) {
	k.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}

// size reports the number of tracked keys. Used by tests.
func (k *keyedLocks) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
