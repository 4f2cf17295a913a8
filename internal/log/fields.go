// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID = "request_id"
	FieldJobID     = "job_id"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldModel     = "model"
	FieldQueue     = "queue"
	FieldPhase     = "phase"

	// State fields
	FieldOldStatus = "old_status"
	FieldNewStatus = "new_status"

	// Media fields
	FieldPath     = "path"
	FieldDuration = "duration_seconds"
	FieldSize     = "size_bytes"
)
