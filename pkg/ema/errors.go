// SPDX-FileCopyrightText: 2026 The EMA Authors
// SPDX-License-Identifier: Apache-2.0

package ema

import (
	"errors"
	"fmt"
)

// ErrorCode classifies every error returned by the registry, filters and
// regions.
type ErrorCode string

const (
	CodeInit                  ErrorCode = "INIT_ERROR"
	CodeAlreadyRunning        ErrorCode = "ALREADY_RUNNING"
	CodeNotRunning            ErrorCode = "NOT_RUNNING"
	CodeInvalidFilter         ErrorCode = "INVALID_FILTER"
	CodeFilterInUse           ErrorCode = "FILTER_IN_USE"
	CodeOutstandingReferences ErrorCode = "OUTSTANDING_REFERENCES"
	CodeCounterRead           ErrorCode = "COUNTER_READ_ERROR"
	CodeInvalidState          ErrorCode = "INVALID_STATE"
)

// Error is a coded error. errors.Is matches any two Errors with the same
// Code, so callers compare against the Err* sentinels below.
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
}

var (
	ErrInit                  = &Error{Code: CodeInit, Message: "initialization failed"}
	ErrAlreadyRunning        = &Error{Code: CodeAlreadyRunning, Message: "region is already running"}
	ErrNotRunning            = &Error{Code: CodeNotRunning, Message: "region is not running"}
	ErrInvalidFilter         = &Error{Code: CodeInvalidFilter, Message: "invalid filter"}
	ErrFilterInUse           = &Error{Code: CodeFilterInUse, Message: "filter is still referenced by regions"}
	ErrOutstandingReferences = &Error{Code: CodeOutstandingReferences, Message: "filters or regions are still open"}
	ErrCounterRead           = &Error{Code: CodeCounterRead, Message: "failed to read energy counter"}
	ErrInvalidState          = &Error{Code: CodeInvalidState, Message: "invalid state"}
)

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// CodeOf returns the code of the first Error in err's chain, or "" when
// there is none.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func newError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func wrapError(code ErrorCode, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}
