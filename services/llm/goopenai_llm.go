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
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// GoOpenAIClient adapts the sashabaranov/go-openai SDK to ToolChatClient.
//
// Thread Safety: GoOpenAIClient is safe for concurrent use.
type GoOpenAIClient struct {
	client *openai.Client
	model  string
}

// NewGoOpenAIClient creates a client for an OpenAI-compatible endpoint.
// An empty baseURL selects the SDK default.
func NewGoOpenAIClient(apiKey, model, baseURL string, timeout time.Duration) *GoOpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	cfg.HTTPClient = &http.Client{Timeout: timeout}
	return &GoOpenAIClient{client: openai.NewClientWithConfig(cfg), model: model}
}

// ChatWithTools implements ToolChatClient.
func (g *GoOpenAIClient) ChatWithTools(ctx context.Context, messages []ChatMessage,
	params GenerationParams, tools []ToolDef) (*ChatWithToolsResult, error) {

	model := g.model
	if params.ModelOverride != "" {
		model = params.ModelOverride
	}

	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: make([]openai.ChatCompletionMessage, 0, len(messages)),
		Stop:     params.Stop,
	}
	for _, msg := range messages {
		req.Messages = append(req.Messages, toGoOpenAIMessage(msg))
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if len(tools) > 0 {
		req.Tools = make([]openai.Tool, 0, len(tools))
		for _, td := range tools {
			req.Tools = append(req.Tools, openai.Tool{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name:        td.Function.Name,
					Description: td.Function.Description,
					Parameters:  td.Function.Parameters,
				},
			})
		}
		req.ParallelToolCalls = false
	}

	slog.Debug("ChatWithTools via go-openai",
		slog.String("model", model),
		slog.Int("messages", len(req.Messages)),
		slog.Int("tools", len(tools)),
	)

	resp, err := g.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, goOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("go-openai: returned no choices")
	}

	choice := resp.Choices[0]
	result := &ChatWithToolsResult{
		Content:      choice.Message.Content,
		StopReason:   StopReasonEnd,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, ToolCallResponse{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	if len(result.ToolCalls) > 0 {
		result.StopReason = StopReasonToolUse
	}
	return result, nil
}

func toGoOpenAIMessage(msg ChatMessage) openai.ChatCompletionMessage {
	out := openai.ChatCompletionMessage{Role: msg.Role, Content: msg.Content}
	switch msg.Role {
	case RoleSystem, RoleUser:
	case RoleTool:
		out.ToolCallID = msg.ToolCallID
	case RoleAssistant:
		for _, tc := range msg.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.ArgumentsString(),
				},
			})
		}
	default:
		out.Role = RoleUser
	}
	return out
}

// goOpenAIError rewrites SDK errors into the "API returned <status>" form
// classifyError understands, redacting the provider message.
func goOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("go-openai: API returned %d: %s", apiErr.HTTPStatusCode, SafeLogString(apiErr.Message))
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return fmt.Errorf("go-openai: API returned %d: %s", reqErr.HTTPStatusCode, SafeLogString(reqErr.Error()))
	}
	return fmt.Errorf("go-openai: request failed: %w", err)
}
