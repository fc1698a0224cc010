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
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// llmTracerName is the OTel tracer name for model calls.
const llmTracerName = "orderbot.llm"

// Package-level Prometheus metrics for model calls.
// Auto-registered via promauto so no explicit registry wiring is needed.
var (
	// llmCallDuration measures the duration of model calls.
	//
	// Labels:
	//   - provider: "openai", "langchain"
	//   - status: "success" or "error"
	llmCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "orderbot",
			Subsystem: "llm",
			Name:      "call_duration_seconds",
			Help:      "Duration of model calls in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "status"},
	)

	llmCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orderbot",
			Subsystem: "llm",
			Name:      "calls_total",
			Help:      "Total number of model calls.",
		},
		[]string{"provider", "status"},
	)

	// llmTokensTotal counts tokens; provider-reported when available,
	// estimated otherwise.
	//
	// Labels:
	//   - direction: "input" or "output"
	llmTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orderbot",
			Subsystem: "llm",
			Name:      "tokens_total",
			Help:      "Total tokens consumed by model calls.",
		},
		[]string{"provider", "direction"},
	)

	// llmErrorsTotal counts model errors by type.
	//
	// Labels:
	//   - error_type: "timeout", "canceled", "auth", "rate_limit", "server",
	//     "empty_response", "unknown"
	llmErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orderbot",
			Subsystem: "llm",
			Name:      "errors_total",
			Help:      "Total model errors by type.",
		},
		[]string{"provider", "error_type"},
	)

	llmActiveRequests = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "orderbot",
			Subsystem: "llm",
			Name:      "active_requests",
			Help:      "Number of in-flight model calls.",
		},
		[]string{"provider"},
	)
)

// classifyError maps an error to a label-safe error type string.
//
// Thread Safety: Safe for concurrent use.
func classifyError(err error) string {
	if err == nil {
		return ""
	}

	var empty *EmptyResponseError
	if errors.As(err, &empty) {
		return "empty_response"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}

	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "context canceled"):
		return "canceled"
	case strings.Contains(msg, "context deadline exceeded") ||
		strings.Contains(msg, "timeout"):
		return "timeout"
	case strings.Contains(msg, "returned 401") ||
		strings.Contains(msg, "returned 403") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "api key"):
		return "auth"
	case strings.Contains(msg, "returned 429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests"):
		return "rate_limit"
	case strings.Contains(msg, "returned 500") ||
		strings.Contains(msg, "returned 502") ||
		strings.Contains(msg, "returned 503") ||
		strings.Contains(msg, "server error"):
		return "server"
	default:
		return "unknown"
	}
}

// IsRetryable reports whether a model error is worth another attempt:
// timeouts, rate limits, server errors and empty responses. Cancellation
// and auth failures are not.
func IsRetryable(err error) bool {
	switch classifyError(err) {
	case "timeout", "rate_limit", "server", "empty_response", "unknown":
		return !errors.Is(err, context.Canceled)
	default:
		return false
	}
}

func recordLLMMetrics(provider string, duration time.Duration, inputTokens, outputTokens int, err error) {
	status := "success"
	if err != nil {
		status = "error"
		llmErrorsTotal.WithLabelValues(provider, classifyError(err)).Inc()
	}

	llmCallDuration.WithLabelValues(provider, status).Observe(duration.Seconds())
	llmCallsTotal.WithLabelValues(provider, status).Inc()

	if err == nil {
		llmTokensTotal.WithLabelValues(provider, "input").Add(float64(inputTokens))
		llmTokensTotal.WithLabelValues(provider, "output").Add(float64(outputTokens))
	}
}

// estimateTokens approximates a token count at four characters per token.
func estimateTokens(s string) int {
	n := utf8.RuneCountInString(s)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

func estimateInputTokens(messages []ChatMessage) int {
	total := 0
	for _, m := range messages {
		total += estimateTokens(m.Content) + 4
	}
	return total
}

// instrumentedClient wraps a ToolChatClient with a span, metrics and the
// empty-response check.
type instrumentedClient struct {
	provider string
	model    string
	next     ToolChatClient
}

// Instrument wraps next with OTel tracing and Prometheus metrics. Responses
// with neither content nor tool calls become *EmptyResponseError.
func Instrument(provider, model string, next ToolChatClient) ToolChatClient {
	if next == nil {
		panic("llm.Instrument: client must not be nil")
	}
	return &instrumentedClient{provider: provider, model: model, next: next}
}

func (c *instrumentedClient) ChatWithTools(ctx context.Context, messages []ChatMessage,
	params GenerationParams, tools []ToolDef) (*ChatWithToolsResult, error) {

	ctx, span := otel.Tracer(llmTracerName).Start(ctx, "llm.ChatWithTools",
		trace.WithAttributes(
			attribute.String("provider", c.provider),
			attribute.String("model", c.model),
			attribute.Int("message_count", len(messages)),
			attribute.Int("tool_count", len(tools)),
		),
	)
	defer span.End()

	llmActiveRequests.WithLabelValues(c.provider).Inc()
	defer llmActiveRequests.WithLabelValues(c.provider).Dec()

	start := time.Now()
	result, err := c.next.ChatWithTools(ctx, messages, params, tools)
	duration := time.Since(start)

	if err == nil && (result == nil || (strings.TrimSpace(result.Content) == "" && len(result.ToolCalls) == 0)) {
		err = &EmptyResponseError{Duration: duration, MessageCount: len(messages), Model: c.model}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		recordLLMMetrics(c.provider, duration, 0, 0, err)
		return nil, err
	}

	in, out := result.InputTokens, result.OutputTokens
	if in == 0 {
		in = estimateInputTokens(messages)
	}
	if out == 0 {
		out = estimateTokens(result.Content)
	}
	span.AddEvent("response_received", trace.WithAttributes(
		attribute.Int("input_tokens", in),
		attribute.Int("output_tokens", out),
		attribute.Int("tool_calls", len(result.ToolCalls)),
		attribute.String("stop_reason", result.StopReason),
	))
	recordLLMMetrics(c.provider, duration, in, out, nil)
	return result, nil
}
