// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// LangchainClient adapts any langchaingo llms.Model to ToolChatClient.
//
// Thread Safety: Safe for concurrent use when the wrapped model is.
type LangchainClient struct {
	model     llms.Model
	modelName string
}

// NewLangchainClient creates a LangchainClient backed by langchaingo's
// OpenAI-compatible model.
func NewLangchainClient(apiKey, model, baseURL string) (*LangchainClient, error) {
	opts := []openai.Option{
		openai.WithToken(apiKey),
		openai.WithModel(model),
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	m, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("langchain: creating model: %w", err)
	}
	return NewLangchainClientFromModel(m, model), nil
}

// NewLangchainClientFromModel wraps an existing llms.Model.
func NewLangchainClientFromModel(m llms.Model, modelName string) *LangchainClient {
	if m == nil {
		panic("llm.NewLangchainClientFromModel: model must not be nil")
	}
	return &LangchainClient{model: m, modelName: modelName}
}

// ChatWithTools implements ToolChatClient.
func (l *LangchainClient) ChatWithTools(ctx context.Context, messages []ChatMessage,
	params GenerationParams, tools []ToolDef) (*ChatWithToolsResult, error) {

	content := make([]llms.MessageContent, 0, len(messages))
	for _, msg := range messages {
		content = append(content, toLangchainMessage(msg))
	}

	opts := make([]llms.CallOption, 0, 6)
	if params.ModelOverride != "" {
		opts = append(opts, llms.WithModel(params.ModelOverride))
	}
	if params.Temperature != nil {
		opts = append(opts, llms.WithTemperature(float64(*params.Temperature)))
	}
	if params.TopP != nil {
		opts = append(opts, llms.WithTopP(float64(*params.TopP)))
	}
	if params.MaxTokens != nil {
		opts = append(opts, llms.WithMaxTokens(*params.MaxTokens))
	}
	if len(params.Stop) > 0 {
		opts = append(opts, llms.WithStopWords(params.Stop))
	}
	if len(tools) > 0 {
		opts = append(opts, llms.WithTools(toLangchainTools(tools)))
	}

	slog.Debug("ChatWithTools via langchaingo",
		slog.String("model", l.modelName),
		slog.Int("messages", len(content)),
		slog.Int("tools", len(tools)),
	)

	resp, err := l.model.GenerateContent(ctx, content, opts...)
	if err != nil {
		return nil, fmt.Errorf("langchain: generate content: %s", SafeLogString(err.Error()))
	}
	if resp == nil || len(resp.Choices) == 0 || resp.Choices[0] == nil {
		return nil, fmt.Errorf("langchain: returned no choices")
	}

	choice := resp.Choices[0]
	result := &ChatWithToolsResult{
		Content:    choice.Content,
		StopReason: StopReasonEnd,
	}
	for _, tc := range choice.ToolCalls {
		if tc.FunctionCall == nil {
			continue
		}
		result.ToolCalls = append(result.ToolCalls, ToolCallResponse{
			ID:        tc.ID,
			Name:      tc.FunctionCall.Name,
			Arguments: json.RawMessage(tc.FunctionCall.Arguments),
		})
	}
	if len(result.ToolCalls) > 0 {
		result.StopReason = StopReasonToolUse
	}
	result.InputTokens = intInfo(choice.GenerationInfo, "PromptTokens")
	result.OutputTokens = intInfo(choice.GenerationInfo, "CompletionTokens")
	return result, nil
}

func toLangchainMessage(msg ChatMessage) llms.MessageContent {
	switch msg.Role {
	case RoleSystem:
		return llms.TextParts(llms.ChatMessageTypeSystem, msg.Content)
	case RoleTool:
		return llms.MessageContent{
			Role: llms.ChatMessageTypeTool,
			Parts: []llms.ContentPart{llms.ToolCallResponse{
				ToolCallID: msg.ToolCallID,
				Name:       msg.ToolName,
				Content:    msg.Content,
			}},
		}
	case RoleAssistant:
		mc := llms.MessageContent{Role: llms.ChatMessageTypeAI}
		if msg.Content != "" {
			mc.Parts = append(mc.Parts, llms.TextContent{Text: msg.Content})
		}
		for _, tc := range msg.ToolCalls {
			mc.Parts = append(mc.Parts, llms.ToolCall{
				ID:   tc.ID,
				Type: "function",
				FunctionCall: &llms.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.ArgumentsString(),
				},
			})
		}
		return mc
	default:
		return llms.TextParts(llms.ChatMessageTypeHuman, msg.Content)
	}
}

func toLangchainTools(tools []ToolDef) []llms.Tool {
	out := make([]llms.Tool, 0, len(tools))
	for _, td := range tools {
		out = append(out, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        td.Function.Name,
				Description: td.Function.Description,
				Parameters:  td.Function.Parameters,
			},
		})
	}
	return out
}

func intInfo(info map[string]any, key string) int {
	switch v := info[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
