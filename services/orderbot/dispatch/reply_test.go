// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dispatch

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/orderbot/services/llm"
	"github.com/AleutianAI/orderbot/services/orderbot/convctx"
	"github.com/AleutianAI/orderbot/services/orderbot/resolve"
)

func TestShapeReply(t *testing.T) {
	menu := Image{URL: "https://example.com/menu.jpg", Caption: "Menú"}

	tests := []struct {
		name    string
		content string
		want    FinalReply
	}{
		{
			name:    "plain text",
			content: "Hola, ¿qué deseas?",
			want:    FinalReply{Type: ReplyText, TextMessage: "Hola, ¿qué deseas?"},
		},
		{
			name:    "structured text",
			content: `{"type":"text","text_message":"Hola","images":[{"url":"https://x.co/a.jpg"}]}`,
			want:    FinalReply{Type: ReplyText, TextMessage: "Hola"},
		},
		{
			name:    "text without message",
			content: `{"type":"text"}`,
			want:    FinalReply{Type: ReplyText, TextMessage: FallbackReply},
		},
		{
			name:    "images drop text",
			content: `{"type":"images","text_message":"x","images":[{"url":"https://example.com/menu.jpg","caption":"Menú"}]}`,
			want:    FinalReply{Type: ReplyImages, Images: []Image{menu}},
		},
		{
			name:    "combined",
			content: `{"type":"combined","text_message":"Aquí está:","images":[{"url":"https://example.com/menu.jpg","caption":"Menú"}]}`,
			want:    FinalReply{Type: ReplyCombined, TextMessage: "Aquí está:", Images: []Image{menu}},
		},
		{
			name:    "invalid urls dropped",
			content: `{"type":"combined","text_message":"Mira","images":[{"url":"ftp://x.co/a.jpg"},{"url":"javascript:alert(1)"},{"url":"/local.jpg"},"nope",{"url":"https://example.com/menu.jpg","caption":"Menú"}]}`,
			want:    FinalReply{Type: ReplyCombined, TextMessage: "Mira", Images: []Image{menu}},
		},
		{
			name:    "no valid image degrades to text",
			content: `{"type":"combined","text_message":"Mira","images":[{"url":"ftp://x.co/a.jpg"}]}`,
			want:    FinalReply{Type: ReplyText, TextMessage: "Mira"},
		},
		{
			name:    "empty images degrade to fallback text",
			content: `{"type":"images","images":[]}`,
			want:    FinalReply{Type: ReplyText, TextMessage: FallbackReply},
		},
		{
			name:    "images not a list",
			content: `{"type":"images","images":{"url":"https://example.com/menu.jpg"}}`,
			want:    FinalReply{Type: ReplyText, TextMessage: FallbackReply},
		},
		{
			name:    "unknown type keeps message",
			content: `{"type":"audio","text_message":"Escucha"}`,
			want:    FinalReply{Type: ReplyText, TextMessage: "Escucha"},
		},
		{
			name:    "fenced json",
			content: "```json\n{\"type\":\"text\",\"text_message\":\"Listo\"}\n```",
			want:    FinalReply{Type: ReplyText, TextMessage: "Listo"},
		},
		{
			name:    "truncated json is repaired",
			content: `{"type":"text","text_message":"Con gusto"`,
			want:    FinalReply{Type: ReplyText, TextMessage: "Con gusto"},
		},
		{
			name:    "single quotes and trailing comma",
			content: `{'type':'text','text_message':'Hola',}`,
			want:    FinalReply{Type: ReplyText, TextMessage: "Hola"},
		},
		{
			name:    "brace prose stays text",
			content: `{ups`,
			want:    FinalReply{Type: ReplyText, TextMessage: `{ups`},
		},
		{
			name:    "empty",
			content: "  ",
			want:    FinalReply{Type: ReplyText, TextMessage: FallbackReply},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShapeReply(tt.content, 0))
		})
	}
}

func TestShapeReply_CapsImages(t *testing.T) {
	var imgs []string
	for i := range 8 {
		imgs = append(imgs, fmt.Sprintf(`{"url":"https://example.com/%d.jpg"}`, i))
	}
	content := `{"type":"images","images":[` + strings.Join(imgs, ",") + `]}`

	got := ShapeReply(content, 0)
	require.Len(t, got.Images, DefaultMaxImages)
	assert.Equal(t, "https://example.com/0.jpg", got.Images[0].URL)

	assert.Len(t, ShapeReply(content, 2).Images, 2)
}

func TestFinalReply_JSONOmitsIrrelevantFields(t *testing.T) {
	raw, err := json.Marshal(TextReply("Hola"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"text","text_message":"Hola"}`, string(raw))

	raw, err = json.Marshal(FinalReply{Type: ReplyImages, Images: []Image{{URL: "https://x.co/a.jpg"}}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"images","images":[{"url":"https://x.co/a.jpg","caption":""}]}`, string(raw))
}

func TestFinalReply_Text(t *testing.T) {
	r := FinalReply{Type: ReplyCombined, TextMessage: "Menú:", Images: []Image{
		{URL: "https://x.co/a.jpg", Caption: "Milo"},
		{URL: "https://x.co/b.jpg"},
	}}
	assert.Equal(t, "Menú:\nMilo: https://x.co/a.jpg\nhttps://x.co/b.jpg", r.Text())
}

// =============================================================================
// Model outcome
// =============================================================================

func TestNewModelOutcome(t *testing.T) {
	t.Run("nil", func(t *testing.T) {
		assert.Equal(t, OutcomeNoTool, NewModelOutcome(nil).Kind())
	})

	t.Run("text", func(t *testing.T) {
		o := NewModelOutcome(&llm.ChatWithToolsResult{Content: " hola "})
		assert.Equal(t, OutcomeText, o.Kind())
		assert.Equal(t, "hola", o.Text())
		_, ok := o.ToolCall()
		assert.False(t, ok)
	})

	t.Run("single call keeps first and discards text", func(t *testing.T) {
		o := NewModelOutcome(&llm.ChatWithToolsResult{
			Content: "voy a buscar",
			ToolCalls: []llm.ToolCallResponse{
				{ID: "1", Name: "search_products"},
				{ID: "2", Name: "create_order"},
				{ID: "3", Name: "cancel_order"},
			},
		})
		assert.Equal(t, OutcomeToolCall, o.Kind())
		call, ok := o.ToolCall()
		require.True(t, ok)
		assert.Equal(t, "1", call.ID)
		assert.Equal(t, 2, o.Dropped())
		assert.Empty(t, o.Text())
	})

	t.Run("missing id generated", func(t *testing.T) {
		o := NewModelOutcome(&llm.ChatWithToolsResult{ToolCalls: []llm.ToolCallResponse{{Name: "get_menu"}}})
		call, _ := o.ToolCall()
		assert.True(t, strings.HasPrefix(call.ID, "call_"))
		assert.Zero(t, o.Dropped())
	})
}

// =============================================================================
// Prompts
// =============================================================================

func TestUserPromptMasksNumber(t *testing.T) {
	assert.Equal(t, "Usuario •••1234 dice: quiero un milo", userPrompt("+573009871234", "quiero un milo"))
}

func TestContextPrompt(t *testing.T) {
	assert.Empty(t, contextPrompt(convctx.New("+573001234567"), resolve.Outcome{Reason: resolve.ReasonNoContext}))

	cc := convctx.New("+573001234567")
	cc.LastDiscussedProducts = []convctx.ProductRef{{Key: "arequipe", Name: "Arequipe"}}
	cc.CurrentOrderItems = map[string]convctx.OrderLine{"6": {ProductID: 6, Quantity: 2, SizeOz: 16}}
	cc.LastTopic = convctx.TopicOrderEdit
	cc.Generation = 2
	out := resolve.Resolved([]resolve.ResolvedItem{
		{ProductKey: "arequipe", Name: "Arequipe", SizeOz: 8, Quantity: 1, Source: resolve.SourceInherited},
	}, true)

	got := contextPrompt(cc, out)
	assert.Contains(t, got, "Productos conversados recientemente: Arequipe.")
	assert.Contains(t, got, "[product_id 6: 2 de 16 oz]")
	assert.Contains(t, got, "Último tema: order-edit.")
	assert.Contains(t, got, "[1 x Arequipe 8 oz (inherited-from-context)]")
	assert.NotContains(t, got, "3001234567")
}

func TestErrorsMatchSentinels(t *testing.T) {
	cause := fmt.Errorf("boom")
	assert.ErrorIs(t, &ToolExecutionError{Tool: "x", Err: cause}, ErrToolExecution)
	assert.ErrorIs(t, &ToolExecutionError{Tool: "x", Err: cause}, cause)
	assert.ErrorIs(t, &ModelCollaboratorError{Phase: PhaseSelect, Err: cause}, ErrModelCollaborator)
	assert.ErrorIs(t, &AmbiguousReferenceError{Reason: resolve.ReasonAmbiguousPronoun}, ErrAmbiguousReference)
	assert.ErrorIs(t, &ContextMutationError{Err: cause}, ErrContextMutation)
	assert.NotErrorIs(t, &ModelCollaboratorError{Err: cause}, ErrToolExecution)
}
