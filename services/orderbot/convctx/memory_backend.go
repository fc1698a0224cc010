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
	"sync"
)

// MemoryBackend keeps contexts in a map. Records are copied on the way in
// and out.
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[string]ConversationContext
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[string]ConversationContext)}
}

// Load implements Backend.
func (m *MemoryBackend) Load(_ context.Context, conversationID string) (ConversationContext, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cc, ok := m.records[conversationID]
	if !ok {
		return ConversationContext{}, false, nil
	}
	return cc.Clone(), true, nil
}

// Save implements Backend.
func (m *MemoryBackend) Save(_ context.Context, c ConversationContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[c.ConversationID] = c.Clone()
	return nil
}

// Len returns the number of stored contexts.
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
