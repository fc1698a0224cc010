// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tools holds the functions the model may call, one per turn.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/xeipuuv/gojsonschema"

	"github.com/AleutianAI/orderbot/services/llm"
	"github.com/AleutianAI/orderbot/services/orderbot/convctx"
)

// IdentityParam is the argument name tools use for the conversation id.
const IdentityParam = "phone_number"

// Tool is a function the model can call.
//
// Execute returns a non-nil error only when the call could not be carried
// out at all (cancellation, an unavailable collaborator). Bad arguments and
// business-rule rejections come back as a Result with Success false, which
// the model reads and explains to the customer.
type Tool interface {
	Name() string
	Definition() llm.ToolDef

	// NeedsConversationID reports whether IdentityParam must be supplied.
	// The orchestrator fills it from the request scope when the model left
	// it out.
	NeedsConversationID() bool

	Execute(ctx context.Context, args map[string]any) (*Result, error)
}

// Result is the outcome of one tool call.
type Result struct {
	Success bool
	Output  any
	Error   string

	// Details carries structured failure information, such as the items
	// that were rejected.
	Details any

	// Effect is the context change this result implies. The orchestrator
	// applies it before the reply is generated.
	Effect *convctx.Patch

	Duration time.Duration
}

// envelope is the JSON shape the model receives.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Details any    `json:"details,omitempty"`
}

// Content renders the result as the tool message sent back to the model.
func (r *Result) Content() (string, error) {
	b, err := json.Marshal(envelope{
		Success: r.Success,
		Data:    r.Output,
		Error:   r.Error,
		Details: r.Details,
	})
	if err != nil {
		return "", fmt.Errorf("tools: encoding result: %w", err)
	}
	return string(b), nil
}

// Failure builds an unsuccessful result.
func Failure(msg string, details any) *Result {
	return &Result{Success: false, Error: msg, Details: details}
}

// Success builds a successful result.
func Success(output any, effect *convctx.Patch) *Result {
	return &Result{Success: true, Output: output, Effect: effect}
}

// =============================================================================
// Registry
// =============================================================================

// ErrDuplicateTool is returned when a name is registered twice.
var ErrDuplicateTool = errors.New("tools: duplicate tool name")

// Registry holds the tools offered to the model, in registration order.
//
// # Thread Safety
//
// Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*gojsonschema.Schema
	order   []string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool), schemas: make(map[string]*gojsonschema.Schema)}
}

// Register adds t and compiles its parameter schema.
func (r *Registry) Register(t Tool) error {
	schema, err := compileSchema(t.Definition().Function.Parameters)
	if err != nil {
		return fmt.Errorf("tools: %s: parameter schema: %w", t.Name(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Name()
	if _, ok := r.tools[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, name)
	}
	r.tools[name] = t
	if schema != nil {
		r.schemas[name] = schema
	}
	r.order = append(r.order, name)
	return nil
}

// Get looks a tool up by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names lists the registered tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// Definitions returns the model-facing definitions in registration order.
func (r *Registry) Definitions() []llm.ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]llm.ToolDef, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].Definition())
	}
	return out
}

// =============================================================================
// Argument binding
// =============================================================================

// validate reports fields by their JSON names, which is what the model sees.
var validate = func() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}()

// ArgumentError reports arguments that failed to bind or validate.
type ArgumentError struct {
	Tool  string
	Field string
	Err   error
}

func (e *ArgumentError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("argumento inválido %q: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("argumentos inválidos: %v", e.Err)
}

func (e *ArgumentError) Unwrap() error { return e.Err }

// bindArgs decodes args into dst through JSON and checks its validate tags.
func bindArgs(tool string, args map[string]any, dst any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return &ArgumentError{Tool: tool, Err: err}
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return &ArgumentError{Tool: tool, Field: typeErr.Field, Err: fmt.Errorf("se esperaba %s", typeErr.Type)}
		}
		return &ArgumentError{Tool: tool, Err: err}
	}
	if err := validate.Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return &ArgumentError{Tool: tool, Field: jsonFieldPath(fe.Namespace()), Err: fmt.Errorf("falla la regla %s", fe.Tag())}
		}
		return &ArgumentError{Tool: tool, Err: err}
	}
	return nil
}

// jsonFieldPath trims the struct name from a validator namespace.
func jsonFieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

// objectSchema builds a ToolParameters with the given properties.
func objectSchema(props map[string]llm.ToolParamDef, required ...string) llm.ToolParameters {
	return llm.ToolParameters{Type: "object", Properties: props, Required: required}
}

func functionDef(name, description string, params llm.ToolParameters) llm.ToolDef {
	return llm.ToolDef{
		Type: "function",
		Function: llm.ToolFunction{
			Name:        name,
			Description: description,
			Parameters:  params,
		},
	}
}

var phoneParam = llm.ToolParamDef{
	Type:        "string",
	Description: "Número del cliente en formato E.164. Se completa automáticamente.",
}

func loggerOr(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
