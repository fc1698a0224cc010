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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var (
	dispatchTracer = otel.Tracer("orderbot.dispatch")
	dispatchMeter  = otel.Meter("orderbot.dispatch")
)

// Turn outcome labels.
const (
	outcomeClarification = "clarification"
	outcomeText          = "text"
	outcomeTool          = "tool"
	outcomeNoTool        = "no_tool"
	outcomeModelError    = "model_error"
	outcomeMutationError = "mutation_error"
	outcomeCancelled     = "cancelled"
	outcomeInvalid       = "invalid"
)

var (
	// turnsTotal counts finished turns.
	//
	// Labels:
	//   - outcome: clarification, text, tool, no_tool, model_error,
	//     mutation_error, cancelled, invalid
	turnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orderbot",
			Subsystem: "dispatch",
			Name:      "turns_total",
			Help:      "Total conversation turns by outcome.",
		},
		[]string{"outcome"},
	)

	turnDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "orderbot",
			Subsystem: "dispatch",
			Name:      "turn_duration_seconds",
			Help:      "Duration of conversation turns in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
		},
		[]string{"outcome"},
	)

	// toolCallsTotal counts executed tool calls.
	//
	// Labels:
	//   - tool: tool name, or "unknown"
	//   - status: "success", "failure" (tool reported it) or "error"
	toolCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orderbot",
			Subsystem: "dispatch",
			Name:      "tool_calls_total",
			Help:      "Total tool calls by tool and status.",
		},
		[]string{"tool", "status"},
	)

	toolCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "orderbot",
			Subsystem: "dispatch",
			Name:      "tool_call_duration_seconds",
			Help:      "Duration of tool calls in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"tool"},
	)

	// truncatedCallsTotal counts tool calls dropped because a response
	// asked for more than one.
	truncatedCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orderbot",
			Subsystem: "dispatch",
			Name:      "truncated_tool_calls_total",
			Help:      "Total tool calls dropped by the one-tool-per-turn rule.",
		},
		[]string{"phase"},
	)

	// resolutionsTotal counts reference resolutions.
	//
	// Labels:
	//   - result: "resolved" or the unresolved reason
	//   - elliptical: "true" or "false"
	resolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orderbot",
			Subsystem: "dispatch",
			Name:      "resolutions_total",
			Help:      "Total reference resolutions by result.",
		},
		[]string{"result", "elliptical"},
	)

	modelRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orderbot",
			Subsystem: "dispatch",
			Name:      "model_retries_total",
			Help:      "Total model call retries by phase.",
		},
		[]string{"phase"},
	)
)
