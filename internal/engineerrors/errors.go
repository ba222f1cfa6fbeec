// Cartographus - Media Server Analytics and Geographic Visualization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cartographus

// Package engineerrors defines the typed error taxonomy shared by every layer of the
// registry engine (storage ports, stores, appliers, sync managers, auth gate) and a thin
// validator helper built on go-playground/validator.
//
// Errors are *Error values that carry a Kind and an optional cause, built with New or
// Wrap, so callers use errors.Is/errors.As across package boundaries instead of string
// matching.
package engineerrors

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Kind classifies an error into one of the taxonomy's six buckets (spec §7).
type Kind int

const (
	// KindValidation covers missing/empty fields, unknown event types, applier constraint violations.
	KindValidation Kind = iota
	// KindConflict covers duplicate form guids surfaced on a non-idempotent path, and version mismatches.
	KindConflict
	// KindUnauthorized covers a missing or expired bearer token during sync.
	KindUnauthorized
	// KindNetwork covers transient transport failures; callers may retry.
	KindNetwork
	// KindStorage covers persistence failures; fatal for the current operation, not auto-retried.
	KindStorage
	// KindIntegrity covers a Merkle recomputation mismatch.
	KindIntegrity
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindUnauthorized:
		return "unauthorized"
	case KindNetwork:
		return "network"
	case KindStorage:
		return "storage"
	case KindIntegrity:
		return "integrity"
	default:
		return "unknown"
	}
}

// Error is the concrete error type carried through the engine. It wraps an underlying
// cause (optional) and exposes its Kind for errors.As-based dispatch.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, engineerrors.Validation) style checks against the sentinel
// marker values below, by comparing Kind rather than identity.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.Kind == te.Kind
	}
	return false
}

// New builds a new *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds a new *Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Sentinel markers usable with errors.Is(err, engineerrors.Validation), matched by Kind only.
var (
	Validation   = &Error{Kind: KindValidation}
	Conflict     = &Error{Kind: KindConflict}
	Unauthorized = &Error{Kind: KindUnauthorized}
	Network      = &Error{Kind: KindNetwork}
	Storage      = &Error{Kind: KindStorage}
	Integrity    = &Error{Kind: KindIntegrity}
)

// KindOf reports the Kind of err if it is (or wraps) an *Error, and ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// Retryable reports whether a sync manager should retry this error locally rather than
// surface it to the caller (spec §7: Network is retried, Unauthorized/Storage/Integrity
// propagate).
func Retryable(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindNetwork
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate runs go-playground/validator struct tags against v and converts any failure
// into a single KindValidation *Error describing every offending field.
func Validate(v any) error {
	if err := validate.Struct(v); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			fields := make([]string, 0, len(ve))
			for _, fe := range ve {
				fields = append(fields, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return Wrap(KindValidation, strings.Join(fields, "; "), err)
		}
		return Wrap(KindValidation, "validation failed", err)
	}
	return nil
}

// RequireNonEmpty returns a KindValidation error naming field if value is empty.
func RequireNonEmpty(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return New(KindValidation, fmt.Sprintf("%s must not be empty", field))
	}
	return nil
}
