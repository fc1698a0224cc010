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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestMaskID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"+573001234567", "•••4567"},
		{"whatsapp:+573001234567", "•••4567"},
		{"12345", "•••2345"},
		{"1234", "•••"},
		{"", "•••"},
		{"ñandú-çá", "•••ú-çá"},
	}
	for _, tt := range tests {
		if got := MaskID(tt.in); got != tt.want {
			t.Errorf("MaskID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestInit_NilContext(t *testing.T) {
	_, err := Init(nil, DefaultConfig())
	if err != ErrNilContext {
		t.Errorf("Init(nil) error = %v, want %v", err, ErrNilContext)
	}
}

func TestInit_NoExporters(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MetricExporter = "none"

	shutdown, err := Init(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
	fields := otel.GetTextMapPropagator().Fields()
	if !slices.Contains(fields, "traceparent") {
		t.Errorf("propagator fields = %v, want traceparent", fields)
	}
}

func TestInit_StdoutTraces(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	cfg := DefaultConfig()
	cfg.TraceExporter = "stdout"
	cfg.MetricExporter = "none"

	shutdown, err := Init(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	defer shutdown(context.Background())

	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Errorf("tracer provider = %T, want *sdktrace.TracerProvider", otel.GetTracerProvider())
	}
}

func TestInit_UnknownExporter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TraceExporter = "zipkin"

	_, err := Init(context.Background(), cfg)
	if !errors.Is(err, ErrUnknownExporter) {
		t.Errorf("Init() error = %v, want ErrUnknownExporter", err)
	}
}

func TestLoggerWithConversation(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))

	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	LoggerWithConversation(ctx, base, "+573001234567").Info("hello")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if line["conversation"] != "•••4567" {
		t.Errorf("conversation = %v, want •••4567", line["conversation"])
	}
	if line["trace_id"] != span.SpanContext().TraceID().String() {
		t.Errorf("trace_id = %v, want %s", line["trace_id"], span.SpanContext().TraceID())
	}
	if strings.Contains(buf.String(), "3001234567") {
		t.Error("raw conversation id leaked into log output")
	}
}

func TestLoggerWithTrace_NoSpan(t *testing.T) {
	base := slog.New(slog.NewTextHandler(io.Discard, nil))
	if got := LoggerWithTrace(context.Background(), base); got != base {
		t.Error("expected the base logger when ctx has no span")
	}
}

// =============================================================================
// Emitter
// =============================================================================

type recordingSink struct {
	mu      sync.Mutex
	records []Record
	err     error
	closed  int
}

func (s *recordingSink) Write(_ context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return s.err
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func TestEmitter_MasksBeforeFanOut(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{err: errors.New("down")}
	em := NewEmitter(slog.New(slog.NewTextHandler(io.Discard, nil)), a, b)

	em.Emit(context.Background(), Event{
		Kind:           KindToolCall,
		ConversationID: "+573001234567",
		Tool:           "search_products",
		Outcome:        "success",
		Fields:         map[string]any{"hits": 3},
	})

	for name, s := range map[string]*recordingSink{"a": a, "b": b} {
		if len(s.records) != 1 {
			t.Fatalf("sink %s got %d records, want 1", name, len(s.records))
		}
		r := s.records[0]
		if r.Conversation != "•••4567" {
			t.Errorf("sink %s conversation = %q", name, r.Conversation)
		}
		if r.Time.IsZero() {
			t.Errorf("sink %s record has no timestamp", name)
		}
	}
}

func TestEmitter_FieldsAreCopied(t *testing.T) {
	s := &recordingSink{}
	em := NewEmitter(nil, s)
	fields := map[string]any{"n": 1}

	em.Emit(context.Background(), Event{Kind: KindTurn, ConversationID: "+571234567890", Fields: fields})
	fields["n"] = 2

	if s.records[0].Fields["n"] != 1 {
		t.Error("sink record shares the caller's field map")
	}
}

func TestEmitter_NilAndClose(t *testing.T) {
	var nilEmitter *Emitter
	nilEmitter.Emit(context.Background(), Event{Kind: KindTurn})
	if err := nilEmitter.Close(); err != nil {
		t.Errorf("nil Close() = %v", err)
	}

	s := &recordingSink{}
	em := NewEmitter(nil, s)
	_ = em.Close()
	_ = em.Close()
	if s.closed != 1 {
		t.Errorf("sink closed %d times, want 1", s.closed)
	}
}

func TestSlogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewSlogSink(slog.New(slog.NewJSONHandler(&buf, nil)), slog.LevelInfo)
	em := NewEmitter(nil, sink)

	em.Emit(context.Background(), Event{
		Kind:           KindResolution,
		ConversationID: "+573001234567",
		Outcome:        "unresolved",
		Reason:         "no-context",
	})

	out := buf.String()
	for _, want := range []string{`"conversation":"•••4567"`, `"reason":"no-context"`, `"kind":"resolution"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output %s missing %s", out, want)
		}
	}
	if strings.Contains(out, "3001234567") {
		t.Error("raw id leaked")
	}
}

func TestInfluxSink_WritesMaskedPoint(t *testing.T) {
	var (
		mu   sync.Mutex
		body string
		path string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		body, path = string(b), r.URL.Path
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink, err := NewInfluxSink(srv.URL, "token", "org", "bucket")
	if err != nil {
		t.Fatalf("NewInfluxSink() error = %v", err)
	}
	defer sink.Close()

	em := NewEmitter(nil, sink)
	em.Emit(context.Background(), Event{
		Kind:           KindToolCall,
		ConversationID: "+573001234567",
		Tool:           "search_products",
		Outcome:        "success",
		Duration:       25 * time.Millisecond,
	})

	mu.Lock()
	defer mu.Unlock()
	if path != "/api/v2/write" {
		t.Errorf("path = %q, want /api/v2/write", path)
	}
	if !strings.HasPrefix(body, measurement+",") {
		t.Errorf("body = %q, want measurement %s", body, measurement)
	}
	if !strings.Contains(body, "tool=search_products") {
		t.Errorf("body = %q, missing tool tag", body)
	}
	if strings.Contains(body, "3001234567") {
		t.Errorf("raw id leaked into line protocol: %q", body)
	}
}

func TestNewInfluxSink_RequiresTarget(t *testing.T) {
	if _, err := NewInfluxSink("", "t", "o", "b"); err == nil {
		t.Error("expected an error for an empty url")
	}
}
