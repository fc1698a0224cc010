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
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestGoOpenAIClient(t *testing.T, handler http.HandlerFunc) *GoOpenAIClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewGoOpenAIClient("test-key", "gpt-4o-mini", server.URL+"/v1", time.Second)
}

func TestGoOpenAIClient_ChatWithTools_ToolCall(t *testing.T) {
	client := newTestGoOpenAIClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("Authorization = %q", auth)
		}
		var req openaiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
			return
		}
		if len(req.Tools) != 1 || req.Tools[0].Function.Name != "search_products" {
			t.Errorf("tools = %+v", req.Tools)
		}
		if req.ParallelToolCalls == nil || *req.ParallelToolCalls {
			t.Error("parallel_tool_calls should be false when tools are offered")
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"c1","object":"chat.completion","choices":[{"index":0,"finish_reason":"tool_calls",
			"message":{"role":"assistant","tool_calls":[{"id":"call_1","type":"function",
			"function":{"name":"search_products","arguments":"{\"query\":\"milo\"}"}}]}}],
			"usage":{"prompt_tokens":80,"completion_tokens":7,"total_tokens":87}}`))
	})

	result, err := client.ChatWithTools(context.Background(),
		[]ChatMessage{{Role: RoleUser, Content: "tienen milo?"}}, GenerationParams{}, []ToolDef{searchToolDef()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.StopReason != StopReasonToolUse || len(result.ToolCalls) != 1 {
		t.Fatalf("result = %+v", result)
	}
	if got := result.ToolCalls[0].ArgumentsString(); got != `{"query":"milo"}` {
		t.Errorf("arguments = %s", got)
	}
	if result.InputTokens != 80 || result.OutputTokens != 7 {
		t.Errorf("usage = %d/%d", result.InputTokens, result.OutputTokens)
	}
}

func TestGoOpenAIClient_ChatWithTools_ServerErrorIsClassified(t *testing.T) {
	client := newTestGoOpenAIClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":{"type":"server_error","message":"overloaded for whatsapp:+573001234567"}}`))
	})

	_, err := client.ChatWithTools(context.Background(),
		[]ChatMessage{{Role: RoleUser, Content: "hola"}}, GenerationParams{}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "returned 503") {
		t.Errorf("error = %v", err)
	}
	if strings.Contains(err.Error(), "573001234567") {
		t.Errorf("phone leaked into error: %v", err)
	}
	if classifyError(err) != "server" || !IsRetryable(err) {
		t.Errorf("classifyError = %q, want retryable server error", classifyError(err))
	}
}

func TestNewClient_GoOpenAI(t *testing.T) {
	c, err := NewClient(ClientConfig{Provider: ProviderGoOpenAI, APIKey: "k", Model: "m"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ic, ok := c.(*instrumentedClient)
	if !ok {
		t.Fatalf("client type = %T, want instrumented", c)
	}
	if _, ok := ic.next.(*GoOpenAIClient); !ok {
		t.Errorf("wrapped client = %T", ic.next)
	}
}
