// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dispatch runs a conversation turn: reference resolution, at most
// one model-requested tool call, the context refresh that call implies, and
// the final reply.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/orderbot/services/llm"
	"github.com/AleutianAI/orderbot/services/orderbot/config"
	"github.com/AleutianAI/orderbot/services/orderbot/convctx"
	"github.com/AleutianAI/orderbot/services/orderbot/normalize"
	"github.com/AleutianAI/orderbot/services/orderbot/resolve"
	"github.com/AleutianAI/orderbot/services/orderbot/telemetry"
	"github.com/AleutianAI/orderbot/services/orderbot/tools"
)

// =============================================================================
// Collaborators
// =============================================================================

// ToolSet is the tool registry the orchestrator dispatches to.
// *tools.Registry satisfies it.
type ToolSet interface {
	Get(name string) (tools.Tool, bool)
	Definitions() []llm.ToolDef
}

// ArgumentChecker validates tool arguments before execution. A ToolSet
// that implements it has arguments checked after identity injection.
type ArgumentChecker interface {
	CheckArguments(name string, args map[string]any) error
}

// ContextStore is the part of *convctx.Store a turn uses.
type ContextStore interface {
	WithScope(ctx context.Context, conversationID string) context.Context
	Update(ctx context.Context, conversationID string, mutator convctx.Mutator) (convctx.ConversationContext, error)
}

// Normalizer folds raw customer text. *normalize.Engine satisfies it.
type Normalizer interface {
	Normalize(text string) normalize.NormalizedText
}

// Resolver expands elliptical references. *resolve.Resolver satisfies it.
type Resolver interface {
	Resolve(text normalize.NormalizedText, cc convctx.ConversationContext) resolve.Outcome
}

// Deps are the orchestrator's collaborators. Events and Logger are
// optional.
type Deps struct {
	Model      llm.ToolChatClient
	Tools      ToolSet
	Store      ContextStore
	Normalizer Normalizer
	Resolver   Resolver
	Events     *telemetry.Emitter
	Logger     *slog.Logger
}

// =============================================================================
// Configuration
// =============================================================================

// Config tunes model calls and reply shaping.
type Config struct {
	Temperature float32

	// MaxTokens bounds the tool-selection call; ReplyMaxTokens the reply
	// call, which has to phrase a whole tool result.
	MaxTokens      int
	ReplyMaxTokens int

	// ModelTimeout bounds each model attempt. Zero means no per-call bound.
	ModelTimeout time.Duration

	RetryAttempts  int
	RetryBaseDelay time.Duration

	// RequestsPerSecond and Burst throttle model calls across all turns.
	RequestsPerSecond float64
	Burst             int

	MaxImages int
}

// DefaultConfig mirrors the embedded service defaults.
func DefaultConfig() Config {
	return Config{
		Temperature:       0.2,
		MaxTokens:         512,
		ReplyMaxTokens:    1024,
		ModelTimeout:      30 * time.Second,
		RetryAttempts:     3,
		RetryBaseDelay:    400 * time.Millisecond,
		RequestsPerSecond: 5,
		Burst:             10,
		MaxImages:         DefaultMaxImages,
	}
}

// ConfigFrom builds a Config from the service configuration.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Temperature:       cfg.Model.Temperature,
		MaxTokens:         cfg.Model.MaxTokens,
		ReplyMaxTokens:    cfg.Model.ReplyMaxTokens,
		ModelTimeout:      cfg.Model.Timeout,
		RetryAttempts:     cfg.Model.RetryAttempts,
		RetryBaseDelay:    cfg.Model.RetryBaseDelay,
		RequestsPerSecond: cfg.Model.RequestsPerSecond,
		Burst:             cfg.Model.Burst,
		MaxImages:         cfg.Ingress.MaxImages,
	}
}

// =============================================================================
// Turn
// =============================================================================

// Phase names one of the two model calls of a turn.
type Phase string

const (
	// PhaseSelect is the first call: the model may request one tool.
	PhaseSelect Phase = "phase1"

	// PhaseReply is the second call: the model phrases the tool result.
	PhaseReply Phase = "phase2"
)

// State is where a turn stopped.
type State string

const (
	StateStart           State = "start"
	StatePhase1Requested State = "phase1_requested"
	StateToolExecuting   State = "tool_executing"
	StateNoTool          State = "no_tool"
	StatePhase2Requested State = "phase2_requested"
	StateDone            State = "done"
	StateFailed          State = "failed"
)

// Turn records one handled message.
type Turn struct {
	ID         string
	State      State
	Resolution resolve.Outcome

	// Selection is the phase-1 outcome. Zero when the turn stopped to ask
	// for clarification.
	Selection ModelOutcome

	// ToolName and ToolResult are set when a tool ran. ToolResult is the
	// exact result the reply phase saw.
	ToolName   string
	ToolResult *tools.Result

	// Refreshed is true when the tool's context patch was committed.
	Refreshed bool

	Reply FinalReply
}

// =============================================================================
// Orchestrator
// =============================================================================

// Orchestrator runs turns. It keeps no per-conversation state of its own;
// everything a turn needs travels in its context.Context.
//
// # Thread Safety
//
// Safe for concurrent use.
type Orchestrator struct {
	model      llm.ToolChatClient
	tools      ToolSet
	store      ContextStore
	normalizer Normalizer
	resolver   Resolver
	events     *telemetry.Emitter
	logger     *slog.Logger
	limiter    *rate.Limiter
	cfg        Config

	turnHistogram metric.Float64Histogram
}

// New creates an Orchestrator.
//
// Panics if a required collaborator is nil. Zero config fields take their
// DefaultConfig values.
func New(d Deps, cfg Config) *Orchestrator {
	switch {
	case d.Model == nil:
		panic("dispatch.New: model must not be nil")
	case d.Tools == nil:
		panic("dispatch.New: tools must not be nil")
	case d.Store == nil:
		panic("dispatch.New: store must not be nil")
	case d.Normalizer == nil:
		panic("dispatch.New: normalizer must not be nil")
	case d.Resolver == nil:
		panic("dispatch.New: resolver must not be nil")
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	def := DefaultConfig()
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.ReplyMaxTokens <= 0 {
		cfg.ReplyMaxTokens = def.ReplyMaxTokens
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = def.RetryAttempts
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = def.RetryBaseDelay
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = def.RequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.MaxImages <= 0 {
		cfg.MaxImages = def.MaxImages
	}

	hist, err := dispatchMeter.Float64Histogram("orderbot.turn.duration",
		metric.WithDescription("Duration of conversation turns."),
		metric.WithUnit("s"),
	)
	if err != nil {
		logger.Warn("turn duration histogram unavailable", slog.String("error", err.Error()))
	}

	return &Orchestrator{
		model:         d.Model,
		tools:         d.Tools,
		store:         d.Store,
		normalizer:    d.Normalizer,
		resolver:      d.Resolver,
		events:        d.Events,
		logger:        logger,
		limiter:       rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		cfg:           cfg,
		turnHistogram: hist,
	}
}

// HandleTurn answers one customer message.
//
// The reply is always presentable to the customer. The error, if any, is
// for logging: Recoverable(err) tells a clarification or a tool failure
// apart from a failed turn.
func (o *Orchestrator) HandleTurn(ctx context.Context, conversationID, text string) (FinalReply, error) {
	t, err := o.Run(ctx, conversationID, text)
	return t.Reply, err
}

// Run is HandleTurn returning the whole Turn record.
//
// # Description
//
//  1. Normalize and resolve the text against the conversation's context.
//     An unresolvable elliptical reference is answered with a question and
//     the model is not called.
//  2. Phase 1: offer the tools. Only the first tool call is kept.
//  3. Execute it with phone_number defaulted to the conversation id for
//     tools that need it. A tool failure becomes the tool result.
//  4. Commit the tool's context patch unless the turn is already
//     cancelled.
//  5. Phase 2: no tools offered, larger token budget; its text is the
//     reply.
//
// # Outputs
//
//   - *Turn: Never nil.
//   - error: *AmbiguousReferenceError, *ToolExecutionError,
//     *ModelCollaboratorError, *ContextMutationError or a cancellation.
func (o *Orchestrator) Run(ctx context.Context, conversationID, text string) (*Turn, error) {
	start := time.Now()
	t := &Turn{ID: uuid.NewString(), State: StateStart}

	if conversationID == "" {
		t.State = StateFailed
		t.Reply = TextReply(ErrorReply)
		o.finish(ctx, t, "", outcomeInvalid, start)
		return t, convctx.ErrEmptyConversationID
	}

	ctx = o.store.WithScope(ctx, conversationID)
	ctx, span := dispatchTracer.Start(ctx, "Orchestrator.HandleTurn",
		trace.WithAttributes(
			attribute.String("turn_id", t.ID),
			attribute.String("conversation", telemetry.MaskID(conversationID)),
		),
	)
	defer span.End()

	logger := telemetry.LoggerWithConversation(ctx, o.logger, conversationID).
		With(slog.String("turn_id", t.ID))

	outcome, err := o.run(ctx, logger, conversationID, text, t)
	if err != nil && !Recoverable(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("turn failed",
			slog.String("state", string(t.State)),
			slog.String("error", err.Error()),
		)
	}
	span.SetAttributes(
		attribute.String("outcome", outcome),
		attribute.String("state", string(t.State)),
		attribute.String("tool", t.ToolName),
	)
	o.finish(ctx, t, conversationID, outcome, start)
	return t, err
}

func (o *Orchestrator) run(ctx context.Context, logger *slog.Logger, id, text string, t *Turn) (string, error) {
	scope, _ := convctx.ScopeFrom(ctx)
	snapshot := scope.Snapshot()

	normalized := o.normalizer.Normalize(text)
	t.Resolution = o.resolver.Resolve(normalized, snapshot)
	o.recordResolution(ctx, id, t)

	if !t.Resolution.IsResolved() && t.Resolution.NeedsClarification {
		t.State = StateDone
		t.Reply = TextReply(t.Resolution.Clarification())
		logger.Info("asking for clarification", slog.String("reason", string(t.Resolution.Reason)))
		return outcomeClarification, &AmbiguousReferenceError{
			Reason:     t.Resolution.Reason,
			Candidates: t.Resolution.Candidates,
		}
	}

	// Phase 1.
	t.State = StatePhase1Requested
	messages := phase1Messages(id, text, snapshot, t.Resolution)
	res, attempts, err := o.chat(ctx, PhaseSelect, messages, o.cfg.MaxTokens, o.tools.Definitions())
	if err != nil {
		return o.modelFailure(ctx, t, PhaseSelect, attempts, err)
	}
	t.Selection = NewModelOutcome(res)
	if n := t.Selection.Dropped(); n > 0 {
		o.recordTruncation(ctx, logger, id, t, PhaseSelect, n)
	}

	switch t.Selection.Kind() {
	case OutcomeText:
		t.State = StateDone
		t.Reply = ShapeReply(t.Selection.Text(), o.cfg.MaxImages)
		return outcomeText, nil
	case OutcomeNoTool:
		t.State = StateDone
		t.Reply = TextReply(FallbackReply)
		return outcomeNoTool, nil
	}

	// Tool.
	t.State = StateToolExecuting
	call, _ := t.Selection.ToolCall()
	t.ToolName = call.Name
	result, toolErr := o.executeTool(ctx, logger, id, t.ID, call)
	if toolErr != nil && ctx.Err() != nil {
		return o.cancelled(t, ctx.Err())
	}
	t.ToolResult = result

	// Refresh.
	if result.Success && result.Effect != nil {
		if err := ctx.Err(); err != nil {
			return o.cancelled(t, err)
		}
		if err := o.refresh(ctx, id, *result.Effect); err != nil {
			if ctx.Err() != nil {
				return o.cancelled(t, ctx.Err())
			}
			t.State = StateFailed
			t.Reply = TextReply(ErrorReply)
			return outcomeMutationError, err
		}
		t.Refreshed = true
	}

	// Phase 2.
	t.State = StatePhase2Requested
	content, err := result.Content()
	if err != nil {
		content = `{"success":false,"error":"resultado ilegible"}`
		logger.Warn("tool result not serializable",
			slog.String("tool", call.Name),
			slog.String("error", err.Error()),
		)
	}
	res, attempts, err = o.chat(ctx, PhaseReply, phase2Messages(messages, call, content), o.cfg.ReplyMaxTokens, nil)
	if err != nil {
		return o.modelFailure(ctx, t, PhaseReply, attempts, err)
	}
	if n := len(res.ToolCalls); n > 0 {
		o.recordTruncation(ctx, logger, id, t, PhaseReply, n)
	}
	t.State = StateDone
	t.Reply = ShapeReply(res.Content, o.cfg.MaxImages)
	if toolErr != nil {
		return outcomeTool, toolErr
	}
	return outcomeTool, nil
}

// executeTool runs call. The returned result is never nil: failures of any
// kind are turned into a failed result for the reply phase, and reported
// as a *ToolExecutionError.
func (o *Orchestrator) executeTool(ctx context.Context, logger *slog.Logger, id, turnID string, call llm.ToolCallResponse) (*tools.Result, error) {
	start := time.Now()
	ctx, span := dispatchTracer.Start(ctx, "Orchestrator.executeTool",
		trace.WithAttributes(attribute.String("tool", call.Name)),
	)
	defer span.End()

	result, err := o.invoke(ctx, id, call)
	duration := time.Since(start)

	status := "success"
	switch {
	case err != nil:
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		result = tools.Failure("No se pudo completar la operación.", nil)
		err = &ToolExecutionError{Tool: call.Name, Err: err}
	case !result.Success:
		status = "failure"
	}

	label := call.Name
	if _, known := o.tools.Get(call.Name); !known {
		label = "unknown"
	}
	toolCallsTotal.WithLabelValues(label, status).Inc()
	toolCallDuration.WithLabelValues(label).Observe(duration.Seconds())
	span.SetAttributes(attribute.String("status", status))

	logger.Info("tool executed",
		slog.String("tool", call.Name),
		slog.String("status", status),
		slog.Duration("duration", duration),
	)
	ev := telemetry.Event{
		Kind:           telemetry.KindToolCall,
		ConversationID: id,
		TurnID:         turnID,
		Tool:           call.Name,
		Outcome:        status,
		Duration:       duration,
	}
	if !result.Success {
		ev.Reason = result.Error
	}
	o.events.Emit(ctx, ev)
	return result, err
}

// invoke looks the tool up, decodes the arguments and fills in the
// conversation identity.
func (o *Orchestrator) invoke(ctx context.Context, id string, call llm.ToolCallResponse) (*tools.Result, error) {
	tool, ok := o.tools.Get(call.Name)
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", call.Name)
	}
	args, err := call.ArgumentsMap()
	if err != nil {
		return tools.Failure("Los argumentos de la herramienta no son JSON válido.", nil), nil
	}
	if tool.NeedsConversationID() {
		if _, present := args[tools.IdentityParam]; !present {
			args[tools.IdentityParam] = id
		}
	}
	if checker, ok := o.tools.(ArgumentChecker); ok {
		if err := checker.CheckArguments(call.Name, args); err != nil {
			var argErr *tools.ArgumentError
			if errors.As(err, &argErr) {
				return tools.Failure(argErr.Error(), nil), nil
			}
			return nil, err
		}
	}
	result, err := tool.Execute(ctx, args)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, errors.New("tool returned no result")
	}
	if result.Effect != nil && tool.NeedsConversationID() && !sameConversation(args, id) {
		// The tool acted for another customer; its effect is not this
		// conversation's to record.
		detached := *result
		detached.Effect = nil
		return &detached, nil
	}
	return result, nil
}

// sameConversation reports whether the identity argument names id.
func sameConversation(args map[string]any, id string) bool {
	v, ok := args[tools.IdentityParam].(string)
	return ok && v == id
}

// refresh commits a tool's context patch.
func (o *Orchestrator) refresh(ctx context.Context, id string, patch convctx.Patch) error {
	ctx, span := dispatchTracer.Start(ctx, "Orchestrator.refreshContext")
	defer span.End()

	_, err := o.store.Update(ctx, id, func(convctx.ConversationContext) (convctx.Patch, error) {
		return patch, nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// chat calls the model with throttling and retries. It returns the number
// of attempts made.
func (o *Orchestrator) chat(ctx context.Context, phase Phase, messages []llm.ChatMessage, maxTokens int, defs []llm.ToolDef) (*llm.ChatWithToolsResult, int, error) {
	ctx, span := dispatchTracer.Start(ctx, "Orchestrator."+string(phase),
		trace.WithAttributes(
			attribute.Int("messages", len(messages)),
			attribute.Int("tools", len(defs)),
		),
	)
	defer span.End()

	temperature := o.cfg.Temperature
	params := llm.GenerationParams{Temperature: &temperature, MaxTokens: &maxTokens}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = o.cfg.RetryBaseDelay
	policy.Multiplier = 2
	policy.RandomizationFactor = 0

	attempts := 0
	res, err := backoff.Retry(ctx, func() (*llm.ChatWithToolsResult, error) {
		attempts++
		if err := o.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}
		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if o.cfg.ModelTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, o.cfg.ModelTimeout)
		}
		defer cancel()

		res, err := o.model.ChatWithTools(callCtx, messages, params, defs)
		if err == nil && res == nil {
			err = errors.New("model returned no result")
		}
		if err != nil {
			if ctx.Err() != nil || !llm.IsRetryable(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return res, nil
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(o.cfg.RetryAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			modelRetriesTotal.WithLabelValues(string(phase)).Inc()
			o.logger.Warn("model call failed, retrying",
				slog.String("phase", string(phase)),
				slog.Duration("backoff", next),
				slog.String("error", llm.SafeLogString(err.Error())),
			)
		}),
	)
	span.SetAttributes(attribute.Int("attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, attempts, err
	}
	return res, attempts, nil
}

func (o *Orchestrator) modelFailure(ctx context.Context, t *Turn, phase Phase, attempts int, err error) (string, error) {
	if ctx.Err() != nil {
		return o.cancelled(t, ctx.Err())
	}
	t.State = StateFailed
	t.Reply = TextReply(ApologyReply)
	return outcomeModelError, &ModelCollaboratorError{Phase: phase, Attempts: attempts, Err: err}
}

func (o *Orchestrator) cancelled(t *Turn, err error) (string, error) {
	at := t.State
	t.State = StateFailed
	t.Reply = TextReply(ErrorReply)
	return outcomeCancelled, fmt.Errorf("dispatch: turn cancelled in %s: %w", at, err)
}

// =============================================================================
// Telemetry
// =============================================================================

func (o *Orchestrator) recordResolution(ctx context.Context, id string, t *Turn) {
	out := t.Resolution
	result, label := "resolved", "resolved"
	if !out.IsResolved() {
		result, label = "unresolved", string(out.Reason)
	}
	resolutionsTotal.WithLabelValues(label, strconv.FormatBool(out.Elliptical)).Inc()
	o.events.Emit(ctx, telemetry.Event{
		Kind:           telemetry.KindResolution,
		ConversationID: id,
		TurnID:         t.ID,
		Outcome:        result,
		Reason:         string(out.Reason),
		Fields: map[string]any{
			"elliptical": out.Elliptical,
			"items":      len(out.Items),
			"candidates": len(out.Candidates),
		},
	})
}

func (o *Orchestrator) recordTruncation(ctx context.Context, logger *slog.Logger, id string, t *Turn, phase Phase, dropped int) {
	truncatedCallsTotal.WithLabelValues(string(phase)).Add(float64(dropped))
	logger.Info("extra tool calls dropped",
		slog.String("phase", string(phase)),
		slog.Int("dropped", dropped),
	)
	o.events.Emit(ctx, telemetry.Event{
		Kind:           telemetry.KindTruncation,
		ConversationID: id,
		TurnID:         t.ID,
		Outcome:        "truncated",
		Fields:         map[string]any{"phase": string(phase), "dropped": dropped},
	})
}

func (o *Orchestrator) finish(ctx context.Context, t *Turn, id, outcome string, start time.Time) {
	duration := time.Since(start)
	turnsTotal.WithLabelValues(outcome).Inc()
	turnDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	if o.turnHistogram != nil {
		o.turnHistogram.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))
	}
	if id == "" {
		return
	}
	o.events.Emit(ctx, telemetry.Event{
		Kind:           telemetry.KindTurn,
		ConversationID: id,
		TurnID:         t.ID,
		Tool:           t.ToolName,
		Outcome:        outcome,
		Duration:       duration,
		Fields: map[string]any{
			"state":     string(t.State),
			"refreshed": t.Refreshed,
			"reply":     string(t.Reply.Type),
		},
	})
}
