/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package errors defines the stable orchestration error taxonomy. Codes are
// part of the wire contract: session acks and admin responses carry them
// verbatim, so they must never change meaning.
package errors

import (
	"errors"
	"fmt"
)

// Code is a stable, caller-visible error code.
type Code string

const (
	CodeUnauthorized     Code = "UNAUTHORIZED"
	CodeForbidden        Code = "FORBIDDEN"
	CodeValidation       Code = "VALIDATION_ERROR"
	CodeNotFound         Code = "NOT_FOUND"
	CodeConflict         Code = "CONFLICT"
	CodeStaleIncarnation Code = "STALE_INCARNATION"
	CodeStoreError       Code = "STORE_ERROR"
	CodeSendFailed       Code = "SEND_FAILED"
	CodeLeaseExpired     Code = "LEASE_EXPIRED"
	CodeTimeout          Code = "TIMEOUT"
	CodeInternal         Code = "INTERNAL_ERROR"
)

// Error carries a stable code, a human message, and optional field-wise
// details for validation failures.
type Error struct {
	Code    Code              `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s, %s", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New constructs a coded error.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a coded error, preserving it for errors.Is/As.
func Wrap(code Code, cause error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// WithDetails attaches field-wise details, e.g. validation failures keyed by
// field name.
func (e *Error) WithDetails(details map[string]string) *Error {
	e.Details = details
	return e
}

// CodeOf extracts the stable code from an error chain. Uncoded errors map to
// INTERNAL_ERROR so that internals are never exposed to callers.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

func is(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// IsNotFound returns true if the error (even if wrapped) means "not found",
// as opposed to a more serious or unexpected error.
func IsNotFound(err error) bool { return is(err, CodeNotFound) }

// IsConflict returns true for uniqueness violations and duplicate names.
func IsConflict(err error) bool { return is(err, CodeConflict) }

// IsStaleIncarnation returns true if a message was rejected because it
// carried the incarnation of a superseded pod instance.
func IsStaleIncarnation(err error) bool { return is(err, CodeStaleIncarnation) }

// IsValidation returns true for field-level validation failures.
func IsValidation(err error) bool { return is(err, CodeValidation) }

// IsForbidden returns true if the caller is authenticated but not allowed.
func IsForbidden(err error) bool { return is(err, CodeForbidden) }

// IsUnauthorized returns true if the caller is not authenticated.
func IsUnauthorized(err error) bool { return is(err, CodeUnauthorized) }

// IsSendFailed returns true if an outbound frame could not be enqueued. The
// caller records it and the next reconciler tick retries; nothing crashes.
func IsSendFailed(err error) bool { return is(err, CodeSendFailed) }
