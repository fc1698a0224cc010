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
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setProducts(keys ...string) Mutator {
	return func(ConversationContext) (Patch, error) {
		refs := make([]ProductRef, 0, len(keys))
		for _, k := range keys {
			refs = append(refs, ProductRef{Key: k, Name: k})
		}
		return Patch{LastDiscussedProducts: refs, LastTopic: TopicProductSearch}, nil
	}
}

func TestStore_GetMissingReturnsEmpty(t *testing.T) {
	s := NewMemoryStore()
	cc := s.Get(context.Background(), "+573001112233")

	assert.Equal(t, "+573001112233", cc.ConversationID)
	assert.True(t, cc.IsEmpty())
	assert.Equal(t, TopicOther, cc.LastTopic)
	assert.Empty(t, cc.LastDiscussedProducts)
}

func TestStore_UpdateAppliesPatch(t *testing.T) {
	fixed := time.Date(2025, 8, 21, 10, 0, 0, 0, time.UTC)
	s := NewMemoryStore(WithClock(func() time.Time { return fixed }))
	ctx := context.Background()

	got, err := s.Update(ctx, "a", setProducts("maracuya"))
	require.NoError(t, err)

	assert.Equal(t, uint64(1), got.Generation)
	assert.Equal(t, TopicProductSearch, got.LastTopic)
	assert.Equal(t, fixed, got.UpdatedAt)
	require.Len(t, got.LastDiscussedProducts, 1)
	assert.Equal(t, uint64(1), got.LastDiscussedProducts[0].Generation)

	assert.Equal(t, got, s.Get(ctx, "a"))
}

func TestStore_GetReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_, err := s.Update(ctx, "a", setProducts("arequipe"))
	require.NoError(t, err)

	cc := s.Get(ctx, "a")
	cc.LastDiscussedProducts[0].Key = "tampered"

	assert.Equal(t, "arequipe", s.Get(ctx, "a").LastDiscussedProducts[0].Key)
}

func TestStore_MutatorErrorLeavesContextIntact(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	before, err := s.Update(ctx, "a", setProducts("milo"))
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = s.Update(ctx, "a", func(ConversationContext) (Patch, error) {
		return Patch{LastTopic: TopicCheckout}, boom
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMutation)
	assert.ErrorIs(t, err, boom)
	var mErr *MutationError
	require.ErrorAs(t, err, &mErr)
	assert.Equal(t, "a", mErr.ConversationID)

	assert.Equal(t, before, s.Get(ctx, "a"))
}

func TestStore_MutatorPanicIsContained(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Update(ctx, "a", func(ConversationContext) (Patch, error) {
		panic("bad mutator")
	})
	assert.ErrorIs(t, err, ErrMutation)

	// Lock was released: a follow-up update succeeds.
	_, err = s.Update(ctx, "a", setProducts("milo"))
	assert.NoError(t, err)
}

func TestStore_EmptyPatchDoesNotBumpGeneration(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	got, err := s.Update(ctx, "a", func(ConversationContext) (Patch, error) { return Patch{}, nil })
	require.NoError(t, err)
	assert.Equal(t, uint64(0), got.Generation)
}

func TestStore_EmptyConversationID(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Update(context.Background(), "", setProducts("milo"))
	assert.ErrorIs(t, err, ErrEmptyConversationID)
}

func TestStore_CancelledUpdateWritesNothing(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	_, err := s.Update(ctx, "a", func(ConversationContext) (Patch, error) {
		called = true
		return Patch{LastTopic: TopicCheckout}, nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
	assert.True(t, s.Get(context.Background(), "a").IsEmpty())
}

func TestStore_CancelWhileWaitingForLock(t *testing.T) {
	s := NewMemoryStore()
	release := make(chan struct{})
	entered := make(chan struct{})

	go func() {
		_, _ = s.Update(context.Background(), "a", func(ConversationContext) (Patch, error) {
			close(entered)
			<-release
			return Patch{LastTopic: TopicOrderEdit}, nil
		})
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Update(ctx, "a", setProducts("milo"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.Eventually(t, func() bool {
		return s.Get(context.Background(), "a").LastTopic == TopicOrderEdit
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, s.Get(context.Background(), "a").LastDiscussedProducts)
}

func TestStore_ConcurrentDisjointFieldsBothSurvive(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	const rounds = 200

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			_, err := s.Update(ctx, "same", func(ConversationContext) (Patch, error) {
				return Patch{LastDiscussedProducts: []ProductRef{{Key: "maracuya"}}}, nil
			})
			assert.NoError(t, err)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			_, err := s.Update(ctx, "same", func(ConversationContext) (Patch, error) {
				return Patch{CurrentOrderItems: map[string]OrderLine{"maracuya-8": {Quantity: 1, SizeOz: 8}}}, nil
			})
			assert.NoError(t, err)
		}
	}()
	wg.Wait()

	cc := s.Get(ctx, "same")
	assert.Equal(t, uint64(2*rounds), cc.Generation, "every update must be serialized")
	assert.Len(t, cc.LastDiscussedProducts, 1)
	assert.Contains(t, cc.CurrentOrderItems, "maracuya-8")
}

func TestStore_ConcurrentIncrementsAreNotLost(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	const workers = 16

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(ctx, "counter", func(cur ConversationContext) (Patch, error) {
				sizes := append([]int{}, cur.MentionedSizes...)
				return Patch{MentionedSizes: append(sizes, 8)}, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, s.Get(ctx, "counter").MentionedSizes, workers)
}

func TestStore_NoCrossTalkBetweenConversations(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	const n = 50

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("+5730000000%02d", i)
			scoped := s.WithScope(ctx, id)
			gotID, ok := ConversationID(scoped)
			assert.True(t, ok)
			assert.Equal(t, id, gotID)

			_, err := s.Update(scoped, id, setProducts("product-"+id))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		id := fmt.Sprintf("+5730000000%02d", i)
		cc := s.Get(ctx, id)
		require.Len(t, cc.LastDiscussedProducts, 1)
		assert.Equal(t, "product-"+id, cc.LastDiscussedProducts[0].Key)
	}
	assert.Equal(t, 0, s.locks.size(), "idle keys must not be retained")
}

func TestScope_SnapshotIsImmutable(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_, err := s.Update(ctx, "a", setProducts("milo"))
	require.NoError(t, err)

	scoped := s.WithScope(ctx, "a")
	_, err = s.Update(ctx, "a", setProducts("arequipe"))
	require.NoError(t, err)

	scope, ok := ScopeFrom(scoped)
	require.True(t, ok)
	snap := scope.Snapshot()
	assert.Equal(t, "milo", snap.LastDiscussedProducts[0].Key)

	snap.LastDiscussedProducts[0].Key = "changed"
	assert.Equal(t, "milo", scope.Snapshot().LastDiscussedProducts[0].Key)
}

func TestScope_Absent(t *testing.T) {
	_, ok := ConversationID(context.Background())
	assert.False(t, ok)
}

func TestRecentProducts_GroupsByGeneration(t *testing.T) {
	cc := ConversationContext{LastDiscussedProducts: []ProductRef{
		{Key: "milo", Generation: 1},
		{Key: "arequipe", Generation: 3},
		{Key: "maracuya", Generation: 3},
	}}
	recent := cc.RecentProducts()
	require.Len(t, recent, 2)
	assert.Equal(t, "arequipe", recent[0].Key)
	assert.Equal(t, "maracuya", recent[1].Key)

	assert.Nil(t, ConversationContext{}.RecentProducts())
}

func TestPatch_PreservesExistingGenerations(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	first, err := s.Update(ctx, "a", setProducts("milo"))
	require.NoError(t, err)

	got, err := s.Update(ctx, "a", func(cur ConversationContext) (Patch, error) {
		refs := append([]ProductRef{}, cur.LastDiscussedProducts...)
		refs = append(refs, ProductRef{Key: "arequipe"})
		return Patch{LastDiscussedProducts: refs}, nil
	})
	require.NoError(t, err)

	require.Len(t, got.LastDiscussedProducts, 2)
	assert.Equal(t, first.Generation, got.LastDiscussedProducts[0].Generation)
	assert.Equal(t, got.Generation, got.LastDiscussedProducts[1].Generation)
	assert.Equal(t, []ProductRef{got.LastDiscussedProducts[1]}, got.RecentProducts())
}
