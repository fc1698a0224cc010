// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package convctx holds the per-conversation context of the order bot and
// the store that serializes its mutations.
//
// A ConversationContext is keyed by the conversation identifier (the
// customer's E.164 phone number). It is created lazily, mutated only through
// Store.Update, and travels down a single message's call chain inside a
// context.Context scope (see WithScope).
package convctx

import (
	"maps"
	"slices"
	"time"
)

// Topic is the coarse subject of the last completed exchange.
type Topic string

const (
	TopicProductSearch Topic = "product-search"
	TopicOrderEdit     Topic = "order-edit"
	TopicCheckout      Topic = "checkout"
	TopicOther         Topic = "other"
)

// Phase tracks where the customer is in the ordering flow.
type Phase string

const (
	PhaseGreeting   Phase = "greeting"
	PhaseBrowsing   Phase = "browsing"
	PhaseOrdering   Phase = "ordering"
	PhaseConfirming Phase = "confirming"
	PhaseDelivery   Phase = "delivery"
	PhasePayment    Phase = "payment"
	PhaseCompleted  Phase = "completed"
)

// ProductRef is a catalog product the customer recently discussed.
//
// Generation is the context generation that introduced the reference. Refs
// sharing the highest generation are equally recent.
type ProductRef struct {
	Key        string `json:"key"`
	Name       string `json:"name"`
	Generation uint64 `json:"generation"`
}

// OrderLine is one entry of the order being assembled.
type OrderLine struct {
	ProductID int `json:"product_id,omitempty"`
	Quantity  int `json:"quantity"`
	SizeOz    int `json:"size_oz,omitempty"`
}

// ConversationContext is the state kept for one conversation.
//
// # Thread Safety
//
// Values handed out by Store are deep copies and may be read freely. They
// are never shared with the store's internal state.
type ConversationContext struct {
	ConversationID        string               `json:"conversation_id"`
	LastDiscussedProducts []ProductRef         `json:"last_discussed_products,omitempty"`
	CurrentOrderItems     map[string]OrderLine `json:"current_order_items,omitempty"`
	LastTopic             Topic                `json:"last_topic,omitempty"`
	Phase                 Phase                `json:"phase,omitempty"`
	MentionedSizes        []int                `json:"mentioned_sizes,omitempty"`
	Generation            uint64               `json:"generation"`
	UpdatedAt             time.Time            `json:"updated_at"`
}

// New returns the empty context used for a conversation seen for the first time.
func New(conversationID string) ConversationContext {
	return ConversationContext{
		ConversationID: conversationID,
		LastTopic:      TopicOther,
		Phase:          PhaseGreeting,
	}
}

// Clone returns a deep copy.
func (c ConversationContext) Clone() ConversationContext {
	out := c
	out.LastDiscussedProducts = slices.Clone(c.LastDiscussedProducts)
	out.MentionedSizes = slices.Clone(c.MentionedSizes)
	if c.CurrentOrderItems != nil {
		out.CurrentOrderItems = maps.Clone(c.CurrentOrderItems)
	}
	return out
}

// IsEmpty reports whether the context has never been mutated.
func (c ConversationContext) IsEmpty() bool {
	return c.Generation == 0
}

// RecentProducts returns the discussed products that share the highest
// generation, in list order. These are the candidates a vague reference can
// point at.
func (c ConversationContext) RecentProducts() []ProductRef {
	if len(c.LastDiscussedProducts) == 0 {
		return nil
	}
	var top uint64
	for _, p := range c.LastDiscussedProducts {
		top = max(top, p.Generation)
	}
	out := make([]ProductRef, 0, len(c.LastDiscussedProducts))
	for _, p := range c.LastDiscussedProducts {
		if p.Generation == top {
			out = append(out, p)
		}
	}
	return out
}

// Patch lists the fields a mutation replaces. Each set field replaces the
// stored field as a whole; unset fields are left untouched.
//
// A nil slice or map means "unset". To clear a field, set it to an empty,
// non-nil value.
type Patch struct {
	LastDiscussedProducts []ProductRef
	CurrentOrderItems     map[string]OrderLine
	LastTopic             Topic
	Phase                 Phase
	MentionedSizes        []int
}

// IsEmpty reports whether the patch would change nothing.
func (p Patch) IsEmpty() bool {
	return p.LastDiscussedProducts == nil &&
		p.CurrentOrderItems == nil &&
		p.LastTopic == "" &&
		p.Phase == "" &&
		p.MentionedSizes == nil
}

// applyTo merges the patch into c, bumping the generation and stamping new
// product refs with it.
func (p Patch) applyTo(c *ConversationContext, now time.Time) {
	c.Generation++
	if p.LastDiscussedProducts != nil {
		refs := slices.Clone(p.LastDiscussedProducts)
		for i := range refs {
			if refs[i].Generation == 0 {
				refs[i].Generation = c.Generation
			}
		}
		c.LastDiscussedProducts = refs
	}
	if p.CurrentOrderItems != nil {
		c.CurrentOrderItems = maps.Clone(p.CurrentOrderItems)
	}
	if p.LastTopic != "" {
		c.LastTopic = p.LastTopic
	}
	if p.Phase != "" {
		c.Phase = p.Phase
	}
	if p.MentionedSizes != nil {
		c.MentionedSizes = slices.Clone(p.MentionedSizes)
	}
	c.UpdatedAt = now
}
