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

package v1alpha1

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code is a stable, machine-matchable error tag. Callers should compare
// against Code via errors.As(err, &Error{}) and inspect .Code, never by
// substring-matching Error().
type Code string

const (
	CodeNameTaken               Code = "NAME_TAKEN"
	CodeVersionExists           Code = "VERSION_EXISTS"
	CodePackNotFound            Code = "PACK_NOT_FOUND"
	CodeNamespaceMissing        Code = "NAMESPACE_MISSING"
	CodeQuotaExceeded           Code = "QUOTA_EXCEEDED"
	CodePodNotFound             Code = "POD_NOT_FOUND"
	CodeNodeNotFound            Code = "NODE_NOT_FOUND"
	CodeServiceNotFound         Code = "SERVICE_NOT_FOUND"
	CodeInvalidState            Code = "INVALID_STATE"
	CodeInvalidStatusTransition Code = "INVALID_STATUS_TRANSITION"
	CodeNoCompatibleNodes       Code = "NO_COMPATIBLE_NODES"
	CodeInsufficientResources   Code = "INSUFFICIENT_RESOURCES"
	CodeRuntimeMismatch         Code = "RUNTIME_MISMATCH"
	CodeVersionNotFound         Code = "VERSION_NOT_FOUND"
	CodeSameVersion             Code = "SAME_VERSION"
	CodeValidationError         Code = "VALIDATION_ERROR"
	CodeConnectionClosed        Code = "CONNECTION_CLOSED"
	CodeNotConnected            Code = "NOT_CONNECTED"
	CodeTimeout                 Code = "TIMEOUT"
	CodeBundleUnavailable       Code = "BUNDLE_UNAVAILABLE"
	CodeCancelled               Code = "CANCELLED"
	CodeAuthTimeout             Code = "AUTH_TIMEOUT"
	CodeSourceSpoofed           Code = "SOURCE_SPOOFED"
	CodeTargetUnreachable       Code = "TARGET_UNREACHABLE"
)

// Error is a tagged value {code, message, details}, per spec §7.
type Error struct {
	Code    Code
	Message string
	Details map[string]string
	cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause so errors.Is/As chain across components.
func (e *Error) Unwrap() error { return e.cause }

// New constructs a tagged Error with no wrapped cause.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs a tagged Error wrapping cause, annotated with a stack
// trace, and keeps it reachable through Unwrap for errors.Is/As.
func Wrap(cause error, code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: errors.WithStack(cause)}
}

// WithDetail attaches a key/value pair and returns the same Error for
// chaining at the call site.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = map[string]string{}
	}
	e.Details[key] = value
	return e
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Code == code
	}
	return false
}

// CodeOf extracts the Code from err, or "" if err is not a tagged Error.
func CodeOf(err error) Code {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Code
	}
	return ""
}

// Retryable reports whether the spec's error taxonomy (§7) classifies code
// as a capacity or transient-network error eligible for automatic retry.
func Retryable(code Code) bool {
	switch code {
	case CodeNoCompatibleNodes, CodeInsufficientResources, CodeQuotaExceeded,
		CodeConnectionClosed, CodeNotConnected, CodeTimeout, CodeBundleUnavailable:
		return true
	default:
		return false
	}
}
