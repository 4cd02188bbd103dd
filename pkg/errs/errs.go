// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

// Package errs defines the error taxonomy shared by the messaging core.
//
// Callers classify failures with errors.Is against the sentinels below.
// Storage backends and transports translate their driver-specific errors
// into these values so classification works across layers.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrForbidden is returned when an inbound payload type is not allowed
	ErrForbidden = errors.New("forbidden payload type")
	// ErrInvalidSignature is returned when a signature does not verify
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrUnknownAuthor is returned when the declared author identity is not known
	ErrUnknownAuthor = errors.New("unknown author")
	// ErrTimeTravel is returned when an inbound message timestamp regresses
	ErrTimeTravel = errors.New("message timestamp precedes previous message")
	// ErrDuplicate is returned on a sequence or watch key collision
	ErrDuplicate = errors.New("duplicate")
	// ErrClientUnreachable is returned when the live channel cannot reach the recipient
	ErrClientUnreachable = errors.New("client unreachable")
	// ErrNotFound is returned when a session, friend, record or object is absent
	ErrNotFound = errors.New("not found")
	// ErrInvalidAuthor is returned when a new version is authored outside the owner set
	ErrInvalidAuthor = errors.New("invalid author for new version")
	// ErrInvalidVersion is returned when a version chain does not link up
	ErrInvalidVersion = errors.New("invalid version")
	// ErrInvalidMessage is returned for structurally malformed envelopes or requests
	ErrInvalidMessage = errors.New("invalid message")
)

// CloudServiceError reports a failure of a backing service operation.
// Retryable signals that the caller may repeat the operation unchanged.
type CloudServiceError struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *CloudServiceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: service error (retryable=%t)", e.Op, e.Retryable)
	}
	return fmt.Sprintf("%s: %v (retryable=%t)", e.Op, e.Err, e.Retryable)
}

func (e *CloudServiceError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err carries a retryable CloudServiceError.
func IsRetryable(err error) bool {
	var cse *CloudServiceError
	return errors.As(err, &cse) && cse.Retryable
}

// IsNotFound reports whether err is, or wraps, ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsDuplicate reports whether err is, or wraps, ErrDuplicate.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicate)
}

// IsValidation reports whether err is a rejection of the message itself,
// as opposed to an infrastructure failure. Hosts acknowledge and drop these.
func IsValidation(err error) bool {
	for _, target := range []error{
		ErrForbidden, ErrInvalidSignature, ErrUnknownAuthor, ErrTimeTravel,
		ErrInvalidAuthor, ErrInvalidVersion, ErrInvalidMessage,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
