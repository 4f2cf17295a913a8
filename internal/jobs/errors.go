// SPDX-License-Identifier: MIT

package jobs

import "errors"

var (
	// ErrAlreadyExists is returned by Create on a job id collision.
	ErrAlreadyExists = errors.New("job already exists")

	// ErrNotFound is returned for unknown or malformed job ids.
	ErrNotFound = errors.New("job not found")

	// ErrNotReady is returned by GetResult while the transcript has not been
	// committed. Distinct from ErrNotFound: the job exists.
	ErrNotReady = errors.New("transcript not ready")

	// ErrInvariantViolation is returned when a mutator attempts a backwards
	// status transition or a progress regression. The write is not committed.
	ErrInvariantViolation = errors.New("status invariant violation")
)
