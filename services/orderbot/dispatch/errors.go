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
	"errors"
	"fmt"

	"github.com/AleutianAI/orderbot/services/orderbot/convctx"
	"github.com/AleutianAI/orderbot/services/orderbot/resolve"
)

// Sentinel errors. Every typed error below matches exactly one of them
// with errors.Is.
var (
	// ErrAmbiguousReference: the utterance leaned on context that could not
	// be resolved. Recoverable; the customer was asked to clarify.
	ErrAmbiguousReference = errors.New("dispatch: ambiguous reference")

	// ErrToolExecution: a tool failed. Recoverable; the failure was shown
	// to the model as a tool result.
	ErrToolExecution = errors.New("dispatch: tool execution failed")

	// ErrModelCollaborator: the model could not be reached or answered
	// with nothing usable. Fatal for the turn.
	ErrModelCollaborator = errors.New("dispatch: model collaborator failed")

	// ErrContextMutation is convctx.ErrMutation. Fatal for the turn.
	ErrContextMutation = convctx.ErrMutation
)

// ContextMutationError is convctx.MutationError.
type ContextMutationError = convctx.MutationError

// AmbiguousReferenceError carries the unresolved outcome that stopped the
// turn.
type AmbiguousReferenceError struct {
	Reason     resolve.Reason
	Candidates []resolve.Candidate
}

func (e *AmbiguousReferenceError) Error() string {
	return fmt.Sprintf("%s: %s (%d candidates)", ErrAmbiguousReference.Error(), e.Reason, len(e.Candidates))
}

func (e *AmbiguousReferenceError) Is(target error) bool { return target == ErrAmbiguousReference }

// ToolExecutionError wraps a failure returned by a tool, or a call the
// orchestrator could not route.
type ToolExecutionError struct {
	Tool string
	Err  error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrToolExecution.Error(), e.Tool, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

func (e *ToolExecutionError) Is(target error) bool { return target == ErrToolExecution }

// ModelCollaboratorError wraps the last model error of a phase.
type ModelCollaboratorError struct {
	Phase    Phase
	Attempts int
	Err      error
}

func (e *ModelCollaboratorError) Error() string {
	return fmt.Sprintf("%s: %s after %d attempt(s): %v", ErrModelCollaborator.Error(), e.Phase, e.Attempts, e.Err)
}

func (e *ModelCollaboratorError) Unwrap() error { return e.Err }

func (e *ModelCollaboratorError) Is(target error) bool { return target == ErrModelCollaborator }

// Recoverable reports whether err left the turn with a normal reply: an
// ambiguity the customer was asked about, or a tool failure the model
// explained.
func Recoverable(err error) bool {
	return errors.Is(err, ErrAmbiguousReference) || errors.Is(err, ErrToolExecution)
}
