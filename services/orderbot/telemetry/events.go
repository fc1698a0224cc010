// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"sync"
	"time"
)

// Event kinds.
const (
	KindResolution = "resolution"
	KindToolCall   = "tool_call"
	KindTurn       = "turn"
	KindTruncation = "truncation"
)

// Event is what the engine reports. ConversationID is raw here; the
// Emitter masks it before any sink sees it.
type Event struct {
	Kind           string
	ConversationID string
	TurnID         string

	// Tool is the executed tool name, if any.
	Tool string

	// Outcome is a short label such as "resolved", "success" or "error".
	Outcome string

	// Reason qualifies Outcome, for example an unresolved reason.
	Reason string

	Duration time.Duration
	Fields   map[string]any
	Time     time.Time
}

// Record is an Event after masking. It is the only shape sinks receive.
type Record struct {
	Kind         string
	Conversation string
	TurnID       string
	Tool         string
	Outcome      string
	Reason       string
	Duration     time.Duration
	Fields       map[string]any
	Time         time.Time
}

// Sink receives masked records.
type Sink interface {
	Write(ctx context.Context, r Record) error
	Close() error
}

// Emitter masks events and fans them out to its sinks. A failing sink is
// logged and never affects the caller.
//
// # Thread Safety
//
// Safe for concurrent use.
type Emitter struct {
	sinks  []Sink
	logger *slog.Logger
	now    func() time.Time

	closeOnce sync.Once
}

// NewEmitter creates an Emitter. A nil logger uses slog.Default().
func NewEmitter(logger *slog.Logger, sinks ...Sink) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{sinks: sinks, logger: logger, now: time.Now}
}

// Emit masks e and writes it to every sink. A nil Emitter drops the event.
func (e *Emitter) Emit(ctx context.Context, ev Event) {
	if e == nil || len(e.sinks) == 0 {
		return
	}
	r := mask(ev)
	if r.Time.IsZero() {
		r.Time = e.now()
	}
	for _, s := range e.sinks {
		if err := s.Write(ctx, r); err != nil {
			e.logger.Warn("telemetry sink write failed",
				slog.String("kind", r.Kind),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Close closes every sink once.
func (e *Emitter) Close() error {
	if e == nil {
		return nil
	}
	var errs []error
	e.closeOnce.Do(func() {
		for _, s := range e.sinks {
			if err := s.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

func mask(ev Event) Record {
	return Record{
		Kind:         ev.Kind,
		Conversation: MaskID(ev.ConversationID),
		TurnID:       ev.TurnID,
		Tool:         ev.Tool,
		Outcome:      ev.Outcome,
		Reason:       ev.Reason,
		Duration:     ev.Duration,
		Fields:       maps.Clone(ev.Fields),
		Time:         ev.Time,
	}
}

// SlogSink writes records as structured log lines.
type SlogSink struct {
	logger *slog.Logger
	level  slog.Level
}

// NewSlogSink creates a SlogSink logging at level.
func NewSlogSink(logger *slog.Logger, level slog.Level) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger, level: level}
}

// Write implements Sink.
func (s *SlogSink) Write(ctx context.Context, r Record) error {
	attrs := []slog.Attr{
		slog.String("kind", r.Kind),
		slog.String("conversation", r.Conversation),
	}
	if r.TurnID != "" {
		attrs = append(attrs, slog.String("turn_id", r.TurnID))
	}
	if r.Tool != "" {
		attrs = append(attrs, slog.String("tool", r.Tool))
	}
	if r.Outcome != "" {
		attrs = append(attrs, slog.String("outcome", r.Outcome))
	}
	if r.Reason != "" {
		attrs = append(attrs, slog.String("reason", r.Reason))
	}
	if r.Duration > 0 {
		attrs = append(attrs, slog.Duration("duration", r.Duration))
	}
	for k, v := range r.Fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	s.logger.LogAttrs(ctx, s.level, "telemetry event", attrs...)
	return nil
}

// Close implements Sink.
func (s *SlogSink) Close() error { return nil }
