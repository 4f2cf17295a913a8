// SPDX-License-Identifier: MIT

package transcribe

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a transcription failure for the worker's retry policy.
type Kind int

const (
	// KindTransient covers GPU OOM, I/O hiccups and interrupted model
	// downloads. The broker redelivers the job.
	KindTransient Kind = iota
	// KindPermanent covers unreadable media, unsupported codecs past the
	// probe and model-side validation failures. The job fails terminally.
	KindPermanent
	// KindCancelled is an administrative cancellation.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error carries a failure kind alongside the cause.
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

// Transient wraps err as a retryable failure.
func Transient(msg string, err error) *Error {
	return &Error{Kind: KindTransient, Message: msg, Cause: err}
}

// Permanent wraps err as a terminal failure.
func Permanent(msg string, err error) *Error {
	return &Error{Kind: KindPermanent, Message: msg, Cause: err}
}

// Cancelled wraps err as an administrative cancellation.
func Cancelled(msg string, err error) *Error {
	return &Error{Kind: KindCancelled, Message: msg, Cause: err}
}

// Classify extracts the failure kind from err. Context deadline expiry maps
// to transient (a redelivery may land on a faster path), plain cancellation
// to cancelled, and anything unclassified to transient so the retry cap,
// not a guess, decides its fate.
func Classify(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindTransient
}
