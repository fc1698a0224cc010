// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm holds the model collaborator clients used by the dispatch
// orchestrator: a raw net/http OpenAI-compatible client, a go-openai SDK
// client and a langchaingo adapter, all behind ToolChatClient.
//
// Thread Safety:
//
//	Every client in this package is safe for concurrent use.
package llm

import (
	"context"
	"fmt"
	"time"
)

// Provider names accepted by NewClient.
const (
	ProviderOpenAI    = "openai"
	ProviderGoOpenAI  = "go-openai"
	ProviderLangchain = "langchain"
)

// GenerationParams holds the sampling knobs for one request. Nil pointers
// mean "use the provider default".
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`

	// ModelOverride replaces the client's configured model for this request.
	ModelOverride string `json:"model_override,omitempty"`
}

// ToolChatClient is the model collaborator: one chat completion with an
// optional tool set.
//
// Thread Safety: Implementations must be safe for concurrent use.
type ToolChatClient interface {
	// ChatWithTools sends messages and returns the assistant content and any
	// tool calls. A nil or empty tools slice requests a plain text reply.
	ChatWithTools(ctx context.Context, messages []ChatMessage, params GenerationParams,
		tools []ToolDef) (*ChatWithToolsResult, error)
}

// ClientConfig selects and configures a ToolChatClient.
type ClientConfig struct {
	Provider string
	BaseURL  string
	Model    string
	APIKey   string
	Timeout  time.Duration
}

// NewClient builds the configured client and wraps it with tracing and
// metrics.
//
// Outputs:
//   - ToolChatClient: Instrumented client.
//   - error: Non-nil for an unknown provider, a missing API key, or a
//     langchaingo construction failure.
func NewClient(cfg ClientConfig) (ToolChatClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm: API key is missing for provider %q", cfg.Provider)
	}
	switch cfg.Provider {
	case ProviderOpenAI:
		c := NewOpenAIClientWithConfig(cfg.APIKey, cfg.Model, cfg.BaseURL)
		if cfg.Timeout > 0 {
			c.httpClient.Timeout = cfg.Timeout
		}
		return Instrument(ProviderOpenAI, cfg.Model, c), nil
	case ProviderGoOpenAI:
		return Instrument(ProviderGoOpenAI, cfg.Model, NewGoOpenAIClient(cfg.APIKey, cfg.Model, cfg.BaseURL, cfg.Timeout)), nil
	case ProviderLangchain:
		c, err := NewLangchainClient(cfg.APIKey, cfg.Model, cfg.BaseURL)
		if err != nil {
			return nil, err
		}
		return Instrument(ProviderLangchain, cfg.Model, c), nil
	default:
		return nil, fmt.Errorf("llm: unsupported provider %q (valid: %s, %s, %s)",
			cfg.Provider, ProviderOpenAI, ProviderGoOpenAI, ProviderLangchain)
	}
}

// EmptyResponseError is returned when the model answers with neither text
// nor tool calls.
type EmptyResponseError struct {
	Duration     time.Duration
	MessageCount int
	Model        string
}

func (e *EmptyResponseError) Error() string {
	return fmt.Sprintf("llm: empty response from %s after %s (%d messages)",
		e.Model, e.Duration.Round(time.Millisecond), e.MessageCount)
}
