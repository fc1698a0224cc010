// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"context"
	"maps"
	"slices"
	"time"

	"github.com/AleutianAI/orderbot/services/llm"
	"github.com/AleutianAI/orderbot/services/orderbot/convctx"
	"github.com/AleutianAI/orderbot/services/orderbot/telemetry"
)

// ContextDumpToolName shows the stored context of the current conversation.
const ContextDumpToolName = "context_dump"

// ContextReader reads a stored context. *convctx.Store satisfies it.
type ContextReader interface {
	Get(ctx context.Context, conversationID string) convctx.ConversationContext
}

// ContextView is a stored context with the id masked.
type ContextView struct {
	Conversation          string                       `json:"conversation"`
	LastDiscussedProducts []convctx.ProductRef         `json:"last_discussed_products"`
	CurrentOrderItems     map[string]convctx.OrderLine `json:"current_order_items"`
	LastTopic             convctx.Topic                `json:"last_topic"`
	Phase                 convctx.Phase                `json:"phase"`
	MentionedSizes        []int                        `json:"mentioned_sizes"`
	Generation            uint64                       `json:"generation"`
	UpdatedAt             *time.Time                   `json:"updated_at,omitempty"`
}

// ViewContext masks and copies c for display.
func ViewContext(c convctx.ConversationContext) ContextView {
	v := ContextView{
		Conversation:          telemetry.MaskID(c.ConversationID),
		LastDiscussedProducts: slices.Clone(c.LastDiscussedProducts),
		CurrentOrderItems:     maps.Clone(c.CurrentOrderItems),
		LastTopic:             c.LastTopic,
		Phase:                 c.Phase,
		MentionedSizes:        slices.Clone(c.MentionedSizes),
		Generation:            c.Generation,
	}
	if !c.UpdatedAt.IsZero() {
		t := c.UpdatedAt
		v.UpdatedAt = &t
	}
	if v.LastDiscussedProducts == nil {
		v.LastDiscussedProducts = []convctx.ProductRef{}
	}
	if v.CurrentOrderItems == nil {
		v.CurrentOrderItems = map[string]convctx.OrderLine{}
	}
	return v
}

type contextDumpTool struct{ store ContextReader }

// NewContextDumpTool creates the context_dump tool.
func NewContextDumpTool(store ContextReader) Tool {
	if store == nil {
		panic("tools.NewContextDumpTool: store must not be nil")
	}
	return &contextDumpTool{store: store}
}

func (t *contextDumpTool) Name() string              { return ContextDumpToolName }
func (t *contextDumpTool) NeedsConversationID() bool { return false }

func (t *contextDumpTool) Definition() llm.ToolDef {
	return functionDef(ContextDumpToolName,
		"Muestra lo que recuerdas de esta conversación: productos recientes, pedido en curso y fase. "+
			"Úsala si no estás seguro de a qué producto se refiere el cliente.",
		objectSchema(map[string]llm.ToolParamDef{}),
	)
}

// Execute shows the context of the conversation bound to ctx. Arguments
// are ignored: the tool never reads a conversation other than the caller's.
func (t *contextDumpTool) Execute(ctx context.Context, _ map[string]any) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id, ok := convctx.ConversationID(ctx)
	if !ok {
		return Failure("No hay una conversación activa.", nil), nil
	}
	return Success(ViewContext(t.store.Get(ctx, id)), nil), nil
}
