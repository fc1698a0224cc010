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
	"strings"

	"github.com/google/uuid"

	"github.com/AleutianAI/orderbot/services/llm"
)

// OutcomeKind tags a ModelOutcome.
type OutcomeKind int

const (
	// OutcomeNoTool: neither a tool call nor text.
	OutcomeNoTool OutcomeKind = iota

	// OutcomeToolCall: exactly one tool call. Any text the model sent with
	// it is discarded.
	OutcomeToolCall

	// OutcomeText: a final text reply.
	OutcomeText
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeToolCall:
		return "tool_call"
	case OutcomeText:
		return "text"
	default:
		return "no_tool"
	}
}

// ModelOutcome is one model response reduced to what a turn may act on.
// A ModelOutcome never holds more than one tool call; extra calls are cut
// when it is built and only their count is kept.
type ModelOutcome struct {
	kind    OutcomeKind
	call    llm.ToolCallResponse
	text    string
	dropped int
}

// NewModelOutcome builds the outcome for res, keeping the first tool call
// only. A call without an id gets a generated one so the tool result can
// be linked back to it.
func NewModelOutcome(res *llm.ChatWithToolsResult) ModelOutcome {
	if res == nil {
		return ModelOutcome{kind: OutcomeNoTool}
	}
	if len(res.ToolCalls) > 0 {
		call := res.ToolCalls[0]
		if call.ID == "" {
			call.ID = "call_" + uuid.NewString()
		}
		return ModelOutcome{kind: OutcomeToolCall, call: call, dropped: len(res.ToolCalls) - 1}
	}
	if text := strings.TrimSpace(res.Content); text != "" {
		return ModelOutcome{kind: OutcomeText, text: text}
	}
	return ModelOutcome{kind: OutcomeNoTool}
}

// Kind returns the variant.
func (o ModelOutcome) Kind() OutcomeKind { return o.kind }

// ToolCall returns the call of an OutcomeToolCall.
func (o ModelOutcome) ToolCall() (llm.ToolCallResponse, bool) {
	return o.call, o.kind == OutcomeToolCall
}

// Text returns the reply of an OutcomeText, and "" otherwise.
func (o ModelOutcome) Text() string { return o.text }

// Dropped is how many tool calls were truncated.
func (o ModelOutcome) Dropped() int { return o.dropped }
