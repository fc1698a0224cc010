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

import "context"

type scopeKey struct{}

// Scope is the per-message view of one conversation: its id and the context
// snapshot taken when processing of the message began.
//
// A Scope is immutable. Concurrent messages each carry their own Scope in
// their own context.Context, so nested calls recover "whose conversation is
// this" without it being passed explicitly.
type Scope struct {
	conversationID string
	snapshot       ConversationContext
}

// ConversationID returns the scoped conversation id.
func (s Scope) ConversationID() string { return s.conversationID }

// Snapshot returns a copy of the context as it was when the scope opened.
func (s Scope) Snapshot() ConversationContext { return s.snapshot.Clone() }

// WithScope loads the current context for conversationID and binds it to ctx.
func (s *Store) WithScope(ctx context.Context, conversationID string) context.Context {
	return ContextWithSnapshot(ctx, s.Get(ctx, conversationID))
}

// ContextWithSnapshot binds an already loaded snapshot to ctx.
func ContextWithSnapshot(ctx context.Context, snapshot ConversationContext) context.Context {
	return context.WithValue(ctx, scopeKey{}, Scope{
		conversationID: snapshot.ConversationID,
		snapshot:       snapshot.Clone(),
	})
}

// ScopeFrom returns the Scope bound to ctx, if any.
func ScopeFrom(ctx context.Context) (Scope, bool) {
	s, ok := ctx.Value(scopeKey{}).(Scope)
	return s, ok
}

// ConversationID returns the conversation id bound to ctx, if any.
func ConversationID(ctx context.Context) (string, bool) {
	s, ok := ScopeFrom(ctx)
	if !ok || s.conversationID == "" {
		return "", false
	}
	return s.conversationID, true
}
