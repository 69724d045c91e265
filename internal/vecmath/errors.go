// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package vecmath

import (
	"errors"
	"fmt"
)

// Error codes. The set is closed.
const (
	CodeLengthMismatch  = 1
	CodeInvalidRadicand = 2
)

// Sentinels for errors.Is. Callers must not modify them.
var (
	ErrLengthMismatch  = &Error{Code: CodeLengthMismatch, Message: "vectors must have the same length"}
	ErrInvalidRadicand = &Error{Code: CodeInvalidRadicand, Message: "sqrt called with a strictly negative number"}
)

// Error is a rejected computation.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("VectorServiceError: code=%d, message=%s", e.Code, e.Message)
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// CodeOf returns the code of the first *Error in err's chain, or 0.
func CodeOf(err error) int {
	var verr *Error
	if errors.As(err, &verr) {
		return verr.Code
	}
	return 0
}
