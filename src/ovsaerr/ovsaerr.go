// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

// Package ovsaerr implements the error taxonomy shared by every component of
// the licensing toolchain: a small set of error Kinds, each carrying a
// stable short tag safe to print to a user, and backed by a grpc status code
// so that callers which do speak gRPC (or just want a coarse classification)
// can keep using codes.Code and status.FromError.
package ovsaerr

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind classifies an error per spec section 7.
type Kind int

const (
	// InvalidParameter indicates a caller-supplied argument failed
	// validation before any cryptographic operation was attempted.
	InvalidParameter Kind = iota
	// FileIO indicates a failure opening, reading, or writing a file.
	FileIO
	// CryptoPrimitiveFailure indicates a non-semantic crypto failure:
	// algorithm mismatch, allocation failure, slot exhaustion.
	CryptoPrimitiveFailure
	// VerificationFailed indicates a signature, HMAC, certificate chain,
	// OCSP, TCB, or hash check did not pass.
	VerificationFailed
	// PolicyViolation indicates a license is expired, exhausted, revoked,
	// or unknown.
	PolicyViolation
	// TransientUnavailable indicates a deadline or transient I/O failure
	// that the caller should treat as fail-closed, not as a hard error.
	TransientUnavailable
)

// tag is the stable short string associated with a Kind, per spec section 7.
func (k Kind) tag() string {
	switch k {
	case InvalidParameter:
		return "OVSA_ERR_INVALID_PARAMETER"
	case FileIO:
		return "OVSA_ERR_FILE_IO"
	case CryptoPrimitiveFailure:
		return "OVSA_ERR_CRYPTO"
	case VerificationFailed:
		return "OVSA_ERR_VERIFY"
	case PolicyViolation:
		return "OVSA_ERR_POLICY"
	case TransientUnavailable:
		return "OVSA_ERR_TRANSIENT"
	default:
		return "OVSA_ERR_UNKNOWN"
	}
}

func (k Kind) code() codes.Code {
	switch k {
	case InvalidParameter:
		return codes.InvalidArgument
	case FileIO:
		return codes.Unknown
	case CryptoPrimitiveFailure:
		return codes.Internal
	case VerificationFailed:
		return codes.PermissionDenied
	case PolicyViolation:
		return codes.FailedPrecondition
	case TransientUnavailable:
		return codes.Unavailable
	default:
		return codes.Unknown
	}
}

// PolicyReason refines a PolicyViolation error. The zero value means "no
// refinement" (e.g. an InvalidParameter or CryptoPrimitiveFailure error).
type PolicyReason int

const (
	PolicyReasonNone PolicyReason = iota
	PolicyReasonUnknownLicense
	PolicyReasonExpired
	PolicyReasonExhausted
	PolicyReasonRevoked
)

func (r PolicyReason) tag() string {
	switch r {
	case PolicyReasonUnknownLicense:
		return "OVSA_ERR_POLICY_UNKNOWN"
	case PolicyReasonExpired:
		return "OVSA_ERR_POLICY_EXPIRED"
	case PolicyReasonExhausted:
		return "OVSA_ERR_POLICY_EXHAUSTED"
	case PolicyReasonRevoked:
		return "OVSA_ERR_POLICY_REVOKED"
	default:
		return ""
	}
}

// Error is the taxonomy-tagged error type returned by every package in this
// module. Secret bytes must never be placed in Msg or wrapped in Err.
type Error struct {
	Kind   Kind
	Reason PolicyReason
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	tag := e.Kind.tag()
	if e.Reason != PolicyReasonNone {
		tag = e.Reason.tag()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", tag, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", tag, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// GRPCStatus lets status.FromError(err) recover the coded status, matching
// the convention the teacher's services already rely on when they return
// status.Errorf directly.
func (e *Error) GRPCStatus() *status.Status {
	return status.New(e.Kind.code(), e.Error())
}

// New constructs a tagged Error.
func New(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Policy constructs a PolicyViolation error with a specific reason.
func Policy(reason PolicyReason, msg string, err error) *Error {
	return &Error{Kind: PolicyViolation, Reason: reason, Msg: msg, Err: err}
}

// Is reports whether err carries the given Kind, so callers can branch on
// classification without a type assertion.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsPolicyReason reports whether err is a PolicyViolation with the given
// reason.
func IsPolicyReason(err error, reason PolicyReason) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == PolicyViolation && e.Reason == reason
	}
	return false
}

// ExitCode maps a Kind onto the CLI exit codes from spec section 6.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var e *Error
	if !errors.As(err, &e) {
		return 1
	}
	switch e.Kind {
	case InvalidParameter:
		return 1
	case FileIO:
		return 2
	case CryptoPrimitiveFailure:
		return 3
	case VerificationFailed:
		return 4
	case PolicyViolation:
		return 5
	case TransientUnavailable:
		return 5
	default:
		return 1
	}
}
