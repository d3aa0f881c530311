// Copyright (C) The Bourreau Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package bourreau

import (
	"errors"
	"fmt"
)

// ErrTransitionLost is matched (with errors.Is) by every
// *TransitionError. Callers use it to recognize "another worker got
// there first" without caring about the details.
var ErrTransitionLost = errors.New("task status changed concurrently")

// TransitionError is returned by the raising form of a guarded status
// change when the persisted status was not the expected one.
type TransitionError struct {
	TaskID int64
	From   TaskStatus
	To     TaskStatus
	// Actual is the status found after the update matched no row,
	// or "" if it could not be read.
	Actual TaskStatus
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("task %d: transition %q -> %q lost", e.TaskID, e.From, e.To)
	if e.Actual != "" {
		msg += fmt.Sprintf(" (status is now %q)", e.Actual)
	}
	return msg
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrTransitionLost
}

// IllegalTransitionError is returned when a caller asks for a status
// change that is not an edge of the lifecycle graph. This is always
// a programming error.
type IllegalTransitionError struct {
	TaskID int64
	From   TaskStatus
	To     TaskStatus
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("task %d: illegal transition %q -> %q", e.TaskID, e.From, e.To)
}

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")
