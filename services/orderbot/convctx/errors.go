// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package convctx

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyConversationID is returned when an operation is given an empty key.
	ErrEmptyConversationID = errors.New("convctx: conversation id must not be empty")

	// ErrMutation matches every MutationError via errors.Is.
	ErrMutation = errors.New("convctx: context mutation failed")
)

// MutationError reports an aborted Update. The stored context is unchanged.
//
// The conversation id is deliberately kept out of Error() so the message can
// be logged without masking.
type MutationError struct {
	ConversationID string
	Err            error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("%s: %v", ErrMutation.Error(), e.Err)
}

func (e *MutationError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrMutation) true for any MutationError.
func (e *MutationError) Is(target error) bool {
	return target == ErrMutation
}
